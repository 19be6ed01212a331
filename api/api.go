// Package api serves the monitored catalogue read-only over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/aluiziolira/go-price-monitor/config"
	"github.com/aluiziolira/go-price-monitor/models"
	"github.com/aluiziolira/go-price-monitor/store"
)

// Reader is the read side of the state store.
type Reader interface {
	Categories(ctx context.Context) ([]string, error)
	CurrentSnapshot(ctx context.Context, category string) ([]models.ProductRecord, error)
	Product(ctx context.Context, id models.Identity) (models.ProductRecord, error)
	History(ctx context.Context, id models.Identity) ([]models.PriceHistoryEntry, error)
}

// Product is a stored record with its derived badges.
type Product struct {
	models.ProductRecord
	Badges models.Badges `json:"badges"`
}

// Handler holds the route handlers.
type Handler struct {
	Reader Reader
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger
}

// New returns an app with all routes registered.
func New(reader Reader, cfg *config.Config) *fiber.App {
	h := &Handler{Reader: reader, Config: cfg, Now: time.Now, Logger: slog.Default().With("component", "api")}
	return h.App()
}

// App builds the fiber app around h.
func (h *Handler) App() *fiber.App {
	if h.Now == nil {
		h.Now = time.Now
	}
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          h.handleError,
	})
	app.Use(recover.New())
	app.Use(requestid.New())

	api := app.Group("/api")
	api.Get("/categories", h.ListCategories)
	api.Get("/categories/:category/products", h.ListProducts)
	api.Get("/products/:identity", h.GetProduct)
	api.Get("/products/:identity/history", h.GetHistory)
	return app
}

// ListCategories serves GET /api/categories.
func (h *Handler) ListCategories(c *fiber.Ctx) error {
	cats, err := h.Reader.Categories(c.UserContext())
	if err != nil {
		return err
	}
	if cats == nil {
		cats = []string{}
	}
	return c.JSON(fiber.Map{"categories": cats})
}

// ListProducts serves the current snapshot of a category with badges.
// ?in_stock=true keeps only products in stock.
func (h *Handler) ListProducts(c *fiber.Ctx) error {
	category, err := param(c, "category")
	if err != nil {
		return err
	}
	known, err := h.knownCategory(c.UserContext(), category)
	if err != nil {
		return err
	}
	if !known {
		return fiber.NewError(fiber.StatusNotFound, "unknown category")
	}

	records, err := h.Reader.CurrentSnapshot(c.UserContext(), category)
	if err != nil {
		return err
	}
	policy, err := h.Config.PolicyFor(category)
	if err != nil {
		return err
	}

	now := h.Now()
	inStockOnly := c.QueryBool("in_stock", false)
	products := make([]Product, 0, len(records))
	for _, rec := range records {
		if inStockOnly && !rec.InStock {
			continue
		}
		products = append(products, Product{ProductRecord: rec, Badges: rec.Badges(now, policy.BadgeWindows())})
	}
	return c.JSON(fiber.Map{"category": category, "products": products})
}

// GetProduct serves one product by identity.
func (h *Handler) GetProduct(c *fiber.Ctx) error {
	id, err := param(c, "identity")
	if err != nil {
		return err
	}
	rec, err := h.Reader.Product(c.UserContext(), models.Identity(id))
	if err != nil {
		return err
	}
	policy, err := h.Config.PolicyFor(rec.Category)
	if err != nil {
		return err
	}
	return c.JSON(Product{ProductRecord: rec, Badges: rec.Badges(h.Now(), policy.BadgeWindows())})
}

// GetHistory serves the price history of a known product, oldest first.
func (h *Handler) GetHistory(c *fiber.Ctx) error {
	id, err := param(c, "identity")
	if err != nil {
		return err
	}
	identity := models.Identity(id)
	// an unknown identity is a 404, not an empty history
	if _, err := h.Reader.Product(c.UserContext(), identity); err != nil {
		return err
	}
	history, err := h.Reader.History(c.UserContext(), identity)
	if err != nil {
		return err
	}
	if history == nil {
		history = []models.PriceHistoryEntry{}
	}
	return c.JSON(fiber.Map{"identity": identity, "history": history})
}

func (h *Handler) knownCategory(ctx context.Context, name string) (bool, error) {
	if _, ok := h.Config.Category(name); ok {
		return true, nil
	}
	cats, err := h.Reader.Categories(ctx)
	if err != nil {
		return false, err
	}
	for _, cat := range cats {
		if cat == name {
			return true, nil
		}
	}
	return false, nil
}

func (h *Handler) handleError(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "internal error"

	var fe *fiber.Error
	switch {
	case errors.Is(err, store.ErrNotFound):
		status, message = fiber.StatusNotFound, "not found"
	case errors.As(err, &fe):
		status, message = fe.Code, fe.Message
	}

	if status >= fiber.StatusInternalServerError {
		rid, _ := c.Locals("requestid").(string)
		h.Logger.Error("request failed",
			slog.String("method", c.Method()),
			slog.String("path", c.Path()),
			slog.String("request_id", rid),
			slog.Any("error", err),
		)
	}
	return c.Status(status).JSON(fiber.Map{"error": message})
}

func param(c *fiber.Ctx, name string) (string, error) {
	v, err := url.PathUnescape(c.Params(name))
	if err != nil || v == "" {
		return "", fiber.NewError(fiber.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}
