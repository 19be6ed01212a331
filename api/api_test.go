package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aluiziolira/go-price-monitor/config"
	"github.com/aluiziolira/go-price-monitor/diff"
	"github.com/aluiziolira/go-price-monitor/models"
	"github.com/aluiziolira/go-price-monitor/store"
)

var t0 = time.Date(2025, 11, 1, 8, 0, 0, 0, time.UTC)

func record(id string, price int64, inStock bool) models.ProductRecord {
	return models.ProductRecord{
		Identity: models.Identity(id),
		BaseKey:  models.Identity(id).BaseKey(),
		Name:     "Lamp " + id,
		Category: "Lighting",
		Price:    price,
		InStock:  inStock,
	}
}

func commit(t *testing.T, s *store.Store, at time.Time, incoming ...models.ProductRecord) {
	t.Helper()
	ctx := context.Background()
	prev, err := s.Snapshot(ctx, "Lighting")
	require.NoError(t, err)
	state, err := s.NotificationState(ctx, "Lighting")
	require.NoError(t, err)
	state.CycleCount++
	_, err = s.Commit(ctx, store.Batch{
		Category:   "Lighting",
		ObservedAt: at,
		Incoming:   incoming,
		Events:     diff.Diff(prev, incoming),
		State:      state,
	})
	require.NoError(t, err)
}

func newTestApp(t *testing.T, now time.Time) *Handler {
	t.Helper()
	s, err := store.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// "a" is first seen at t0 and drops on day 3; "b" arrives on day 3
	commit(t, s, t0, record("a", 10000, true))
	commit(t, s, t0.Add(72*time.Hour), record("a", 8000, true), record("b", 5000, false))

	cfg := config.DefaultConfig()
	cfg.Categories = []config.Category{
		{Name: "Lighting", URL: "https://shop.test/lighting"},
		{Name: "Sale", URL: "https://shop.test/sale"},
	}
	return &Handler{Reader: s, Config: cfg, Now: func() time.Time { return now }}
}

func get(t *testing.T, h *Handler, path string, out any) int {
	t.Helper()
	resp, err := h.App().Test(httptest.NewRequest("GET", path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if out != nil {
		require.NoError(t, json.Unmarshal(body, out), "body=%s", body)
	}
	return resp.StatusCode
}

func TestListProductsCarriesBadges(t *testing.T) {
	h := newTestApp(t, t0.Add(80*time.Hour))

	var body struct {
		Category string    `json:"category"`
		Products []Product `json:"products"`
	}
	require.Equal(t, 200, get(t, h, "/api/categories/Lighting/products", &body))
	require.Equal(t, "Lighting", body.Category)
	require.Len(t, body.Products, 2)

	a, b := body.Products[0], body.Products[1]
	require.Equal(t, models.Identity("a"), a.Identity)
	require.Equal(t, int64(8000), a.Price)
	require.Equal(t, int64(10000), a.PreviousPrice)
	require.False(t, a.Badges.RecentlyAdded)
	require.True(t, a.Badges.RecentlyReduced)

	require.Equal(t, models.Identity("b"), b.Identity)
	require.True(t, b.Badges.RecentlyAdded)
	require.False(t, b.Badges.RecentlyReduced)
}

func TestListProductsInStockFilter(t *testing.T) {
	h := newTestApp(t, t0.Add(80*time.Hour))

	var body struct {
		Products []Product `json:"products"`
	}
	require.Equal(t, 200, get(t, h, "/api/categories/Lighting/products?in_stock=true", &body))
	require.Len(t, body.Products, 1)
	require.Equal(t, models.Identity("a"), body.Products[0].Identity)
}

func TestListProductsCategoryLookup(t *testing.T) {
	h := newTestApp(t, t0)

	var empty struct {
		Products []Product `json:"products"`
	}
	require.Equal(t, 200, get(t, h, "/api/categories/Sale/products", &empty))
	require.NotNil(t, empty.Products)
	require.Empty(t, empty.Products)

	var errBody map[string]string
	require.Equal(t, 404, get(t, h, "/api/categories/Garden/products", &errBody))
	require.Equal(t, "unknown category", errBody["error"])
}

func TestGetProductAndHistory(t *testing.T) {
	h := newTestApp(t, t0.Add(30*24*time.Hour))

	var p Product
	require.Equal(t, 200, get(t, h, "/api/products/a", &p))
	require.Equal(t, "Lamp a", p.Name)
	require.False(t, p.Badges.RecentlyAdded)
	require.False(t, p.Badges.RecentlyReduced)

	var hist struct {
		Identity models.Identity            `json:"identity"`
		History  []models.PriceHistoryEntry `json:"history"`
	}
	require.Equal(t, 200, get(t, h, "/api/products/a/history", &hist))
	require.Equal(t, models.Identity("a"), hist.Identity)
	require.Len(t, hist.History, 2)
	require.Equal(t, int64(10000), hist.History[0].Price)
	require.Equal(t, int64(8000), hist.History[1].Price)
	require.True(t, hist.History[1].ObservedAt.Equal(t0.Add(72*time.Hour)))
}

func TestUnknownProductIsNotFound(t *testing.T) {
	h := newTestApp(t, t0)

	var errBody map[string]string
	require.Equal(t, 404, get(t, h, "/api/products/missing", &errBody))
	require.Equal(t, "not found", errBody["error"])
	require.Equal(t, 404, get(t, h, "/api/products/missing/history", nil))
}

func TestListCategories(t *testing.T) {
	h := newTestApp(t, t0)

	var body struct {
		Categories []string `json:"categories"`
	}
	require.Equal(t, 200, get(t, h, "/api/categories", &body))
	require.Equal(t, []string{"Lighting"}, body.Categories)
}

type failingReader struct{ Reader }

func (failingReader) Product(context.Context, models.Identity) (models.ProductRecord, error) {
	return models.ProductRecord{}, errors.New("db timeout: secret trace")
}

func TestInternalErrorsDoNotLeak(t *testing.T) {
	h := &Handler{Reader: failingReader{}, Config: config.DefaultConfig()}

	var errBody map[string]string
	require.Equal(t, 500, get(t, h, "/api/products/a", &errBody))
	require.Equal(t, "internal error", errBody["error"])
}
