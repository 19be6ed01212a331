package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-price-monitor/models"
)

// MultiLog tees notifications into several event logs. A failing log does
// not stop the others from recording the batch.
type MultiLog struct {
	mu   sync.Mutex
	logs []namedLog
}

type namedLog struct {
	name string
	log  EventLog
}

// NewDualLog opens a CSV log and a JSONL log side by side.
func NewDualLog(csvFilename, jsonFilename string) (*MultiLog, error) {
	csvLog, err := NewCSVLog(csvFilename)
	if err != nil {
		return nil, fmt.Errorf("open csv log: %w", err)
	}
	jsonLog, err := NewJSONLog(jsonFilename)
	if err != nil {
		_ = csvLog.Close()
		return nil, fmt.Errorf("open json log: %w", err)
	}
	return &MultiLog{logs: []namedLog{{"csv", csvLog}, {"json", jsonLog}}}, nil
}

func (m *MultiLog) Write(notifications []models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.each("write", func(l EventLog) error { return l.Write(notifications) })
}

func (m *MultiLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.each("close", EventLog.Close)
}

func (m *MultiLog) Validate() error {
	return m.each("validate", EventLog.Validate)
}

func (m *MultiLog) each(op string, fn func(EventLog) error) error {
	var errs []error
	for _, l := range m.logs {
		if err := fn(l.log); err != nil {
			errs = append(errs, fmt.Errorf("%s %s log: %w", op, l.name, err))
		}
	}
	return errors.Join(errs...)
}
