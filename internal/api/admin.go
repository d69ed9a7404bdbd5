package api

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/strata-db/strata/internal/migration"
	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/internal/store"
	"github.com/strata-db/strata/internal/timeseries"
	"github.com/strata-db/strata/internal/writes"
	"github.com/strata-db/strata/pkg/models"
)

// AdminHandler serves collection management, catalog introspection, and the
// testing controls (failpoints, migration markers).
type AdminHandler struct {
	executor *writes.Executor
	logger   zerolog.Logger
}

// NewAdminHandler creates an admin handler bound to an executor.
func NewAdminHandler(executor *writes.Executor, log zerolog.Logger) *AdminHandler {
	return &AdminHandler{
		executor: executor,
		logger:   log.With().Str("component", "admin-handler").Logger(),
	}
}

// RegisterRoutes registers the admin endpoints.
func (h *AdminHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/api/v1/db/:db/collections", h.createCollection)
	app.Delete("/api/v1/db/:db/collections/:name", h.dropCollection)
	app.Put("/api/v1/db/:db/collections/:name/routing-version", h.setRoutingVersion)

	app.Get("/api/v1/catalog/stats", h.catalogStats)
	app.Post("/api/v1/catalog/expire-idle", h.expireIdleBuckets)

	app.Get("/api/v1/failpoints", h.listFailpoints)
	app.Post("/api/v1/failpoints/:name", h.configureFailpoint)

	app.Post("/api/v1/migrations/:db/:coll/begin", h.beginMigration)
	app.Post("/api/v1/migrations/:db/:coll/end", h.endMigration)
}

type createCollectionRequest struct {
	Name           string              `json:"name"`
	Timeseries     *timeseries.Options `json:"timeseries,omitempty"`
	Validator      models.Document     `json:"validator,omitempty"`
	Collation      *models.Collation   `json:"collation,omitempty"`
	RoutingVersion int64               `json:"routingVersion"`
}

func (h *AdminHandler) createCollection(c *fiber.Ctx) error {
	var req createCollectionRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "collection name is required",
		})
	}

	ns := models.Namespace{Database: c.Params("db"), Collection: req.Name}
	opts := store.CollectionOptions{
		Timeseries:     req.Timeseries,
		Collation:      req.Collation,
		Validator:      req.Validator,
		RoutingVersion: req.RoutingVersion,
	}

	if err := h.executor.Store().CreateCollection(ns, opts); err != nil {
		return adminError(c, err)
	}

	h.logger.Info().
		Str("ns", ns.String()).
		Bool("timeseries", req.Timeseries != nil).
		Msg("Collection created")

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"ok": 1,
		"ns": ns.String(),
	})
}

func (h *AdminHandler) dropCollection(c *fiber.Ctx) error {
	ns := models.Namespace{Database: c.Params("db"), Collection: c.Params("name")}

	if err := h.executor.Store().DropCollection(ns); err != nil {
		return adminError(c, err)
	}

	// Open buckets for a dropped collection must not commit later.
	h.executor.Catalog().ClearNamespace(ns.Buckets())

	h.logger.Info().Str("ns", ns.String()).Msg("Collection dropped")

	return c.JSON(fiber.Map{"ok": 1, "ns": ns.String()})
}

func (h *AdminHandler) setRoutingVersion(c *fiber.Ctx) error {
	var req struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	ns := models.Namespace{Database: c.Params("db"), Collection: c.Params("name")}
	if err := h.executor.Store().SetRoutingVersion(ns, req.Version); err != nil {
		return adminError(c, err)
	}

	return c.JSON(fiber.Map{"ok": 1, "ns": ns.String(), "version": req.Version})
}

// catalogStats returns bucket catalog execution stats. With ?ns=db.coll the
// stats are scoped to that collection, otherwise the global view is returned.
func (h *AdminHandler) catalogStats(c *fiber.Ctx) error {
	catalog := h.executor.Catalog()

	resp := fiber.Map{
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
		"memory_usage_bytes": catalog.MemoryUsage(),
	}

	if nsParam := c.Query("ns"); nsParam != "" {
		ns, err := models.ParseNamespace(nsParam)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid namespace, expected db.collection",
			})
		}
		resp["ns"] = ns.String()
		resp["bucketCatalog"] = catalog.AppendExecutionStats(ns)
	} else {
		resp["bucketCatalog"] = catalog.AppendExecutionStats(models.Namespace{})
	}

	return c.JSON(resp)
}

func (h *AdminHandler) expireIdleBuckets(c *fiber.Ctx) error {
	expired := h.executor.Catalog().ExpireIdleBuckets()
	return c.JSON(fiber.Map{"ok": 1, "expired": expired})
}

func (h *AdminHandler) listFailpoints(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"failpoints": h.executor.Failpoints().List(),
	})
}

// configureFailpoint enables or disables a named failpoint. Body:
// {"mode": "alwaysOn"|"off", "data": {...}}
func (h *AdminHandler) configureFailpoint(c *fiber.Ctx) error {
	name := c.Params("name")

	var req struct {
		Mode string          `json:"mode"`
		Data models.Document `json:"data,omitempty"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	switch req.Mode {
	case "alwaysOn":
		h.executor.Failpoints().Enable(name, req.Data)
	case "off":
		h.executor.Failpoints().Disable(name)
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":       "invalid mode",
			"valid_modes": []string{"alwaysOn", "off"},
		})
	}

	h.logger.Info().Str("failpoint", name).Str("mode", req.Mode).Msg("Failpoint configured")

	return c.JSON(fiber.Map{"ok": 1, "name": name, "mode": req.Mode})
}

func (h *AdminHandler) beginMigration(c *fiber.Ctx) error {
	ns := models.Namespace{Database: c.Params("db"), Collection: c.Params("coll")}
	h.executor.Migrations().Begin(ns)
	return c.JSON(fiber.Map{"ok": 1, "ns": ns.String()})
}

// endMigration completes a migration. Body: {"outcome": "committed"|"aborted"}
func (h *AdminHandler) endMigration(c *fiber.Ctx) error {
	ns := models.Namespace{Database: c.Params("db"), Collection: c.Params("coll")}

	var req struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}

	var outcome migration.Outcome
	switch req.Outcome {
	case "committed":
		outcome = migration.OutcomeCommitted
	case "aborted":
		outcome = migration.OutcomeAborted
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":          "invalid outcome",
			"valid_outcomes": []string{"committed", "aborted"},
		})
	}

	h.executor.Migrations().End(ns, outcome)

	// A committed migration invalidates buckets this node still has open.
	if outcome == migration.OutcomeCommitted {
		h.executor.Catalog().ClearNamespace(ns.Buckets())
	}

	return c.JSON(fiber.Map{"ok": 1, "ns": ns.String(), "outcome": req.Outcome})
}

func adminError(c *fiber.Ctx, err error) error {
	code := status.CodeOf(err)
	return c.Status(httpStatusFor(code)).JSON(fiber.Map{
		"error": status.MessageOf(err),
		"code":  int32(code),
	})
}
