package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aluiziolira/go-price-monitor/models"
)

var csvHeader = []string{"at", "category", "identity", "kind", "name", "price", "previous_price", "discount", "url", "message"}

// FileLog is an append-only event log file. Logs from earlier runs are kept
// and extended.
type FileLog struct {
	mu     sync.Mutex
	format string
	path   string
	file   *os.File
	buf    *bufio.Writer
	encode func(w io.Writer, notifications []models.Notification) error
}

// NewCSVLog opens a CSV event log, writing the header only to a new file.
func NewCSVLog(filename string) (*FileLog, error) {
	l, err := openFileLog(filename, "csv", encodeCSV)
	if err != nil {
		return nil, err
	}
	info, err := l.file.Stat()
	if err != nil {
		_ = l.file.Close()
		return nil, fmt.Errorf("stat csv log: %w", err)
	}
	if info.Size() == 0 {
		w := csv.NewWriter(l.buf)
		_ = w.Write(csvHeader)
		w.Flush()
		if err := firstErr(w.Error(), l.buf.Flush()); err != nil {
			_ = l.file.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
	}
	return l, nil
}

// NewJSONLog opens a newline-delimited JSON event log.
func NewJSONLog(filename string) (*FileLog, error) {
	return openFileLog(filename, "json", encodeJSONL)
}

func openFileLog(filename, format string, encode func(io.Writer, []models.Notification) error) (*FileLog, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", format, err)
	}
	return &FileLog{
		format: format,
		path:   filename,
		file:   f,
		buf:    bufio.NewWriter(f),
		encode: encode,
	}, nil
}

// Write appends one batch and flushes it to the file.
func (l *FileLog) Write(notifications []models.Notification) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.encode(l.buf, notifications); err != nil {
		return fmt.Errorf("encode %s log: %w", l.format, err)
	}
	if err := l.buf.Flush(); err != nil {
		return fmt.Errorf("flush %s log: %w", l.format, err)
	}
	return nil
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return firstErr(l.buf.Flush(), l.file.Close())
}

// Validate checks the file is non-empty and, for CSV, that it starts with
// the current header so appended rows line up with their columns.
func (l *FileLog) Validate() error {
	info, err := os.Stat(l.path)
	if err != nil {
		return fmt.Errorf("stat %s log: %w", l.format, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%s log %s is empty", l.format, l.path)
	}
	if l.format != "csv" {
		return nil
	}

	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open csv log: %w", err)
	}
	defer f.Close()
	header, err := csv.NewReader(f).Read()
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}
	if strings.Join(header, ",") != strings.Join(csvHeader, ",") {
		return fmt.Errorf("csv log %s has header %v, want %v", l.path, header, csvHeader)
	}
	return nil
}

func encodeCSV(w io.Writer, notifications []models.Notification) error {
	cw := csv.NewWriter(w)
	for _, n := range notifications {
		if err := cw.Write([]string{
			n.At.UTC().Format(time.RFC3339),
			n.Category,
			string(n.Identity),
			n.Kind,
			n.Name,
			strconv.FormatInt(n.Price, 10),
			strconv.FormatInt(n.PreviousPrice, 10),
			strconv.FormatFloat(n.Discount, 'f', 2, 64),
			n.URL,
			n.Message,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func encodeJSONL(w io.Writer, notifications []models.Notification) error {
	enc := json.NewEncoder(w)
	for _, n := range notifications {
		if err := enc.Encode(n); err != nil {
			return err
		}
	}
	return nil
}

// NewEventLog opens the event log configured by format: csv, json or dual.
// For dual, the JSON log sits next to filename with a .jsonl extension.
func NewEventLog(filename, format string) (EventLog, error) {
	var (
		log EventLog
		err error
	)
	switch format {
	case "", "csv":
		var l *FileLog
		if l, err = NewCSVLog(filename); err == nil {
			log = l
		}
	case "json":
		var l *FileLog
		if l, err = NewJSONLog(filename); err == nil {
			log = l
		}
	case "dual":
		base := strings.TrimSuffix(filename, filepath.Ext(filename))
		var l *MultiLog
		if l, err = NewDualLog(base+".csv", base+".jsonl"); err == nil {
			log = l
		}
	default:
		err = fmt.Errorf("unknown event log format %q", format)
	}
	return log, err
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
