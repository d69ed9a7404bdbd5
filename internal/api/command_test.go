package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/strata-db/strata/internal/bucketcatalog"
	"github.com/strata-db/strata/internal/config"
	"github.com/strata-db/strata/internal/cursor"
	"github.com/strata-db/strata/internal/failpoint"
	"github.com/strata-db/strata/internal/migration"
	"github.com/strata-db/strata/internal/repl"
	"github.com/strata-db/strata/internal/session"
	"github.com/strata-db/strata/internal/store"
	"github.com/strata-db/strata/internal/writes"
	"github.com/strata-db/strata/pkg/models"
)

func newTestApp(t *testing.T) (*fiber.App, *writes.Executor) {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:   filepath.Join(t.TempDir(), "strata.db"),
		NoSync: true,
	}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	ex := writes.NewExecutor(
		st,
		bucketcatalog.New(bucketcatalog.DefaultLimits(), zerolog.Nop()),
		repl.NewCoordinator(repl.ModeNone, "rs0", 1),
		session.NewRegistry(),
		migration.NewBlocker(),
		failpoint.NewRegistry(),
		cursor.NewManager(time.Minute),
		config.WritesConfig{MaxBatchSize: 100, MaxReplySize: 1 << 20, DefaultBatchSize: 101},
	)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	NewCommandHandler(ex, zerolog.Nop()).RegisterRoutes(app)
	NewAdminHandler(ex, zerolog.Nop()).RegisterRoutes(app)
	return app, ex
}

func postCommand(t *testing.T, app *fiber.App, db string, cmd models.Document) (*http.Response, models.Document) {
	t.Helper()
	body, err := json.Marshal(cmd)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/db/"+db+"/command", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)

	var reply models.Document
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &reply))
	return resp, reply
}

func TestCommandInsertJSON(t *testing.T) {
	app, ex := newTestApp(t)

	resp, reply := postCommand(t, app, "weather", models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}, models.Document{"_id": "b"}},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, reply["n"])
	assert.EqualValues(t, 1, reply["ok"])

	docs, err := ex.Store().Scan(context.Background(), models.Namespace{Database: "weather", Collection: "stations"}, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestCommandMsgpack(t *testing.T) {
	app, _ := newTestApp(t)

	body, err := msgpack.Marshal(models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/db/weather/command", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/msgpack")
	req.Header.Set("Accept", "application/msgpack")
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/msgpack", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var reply models.Document
	require.NoError(t, msgpack.Unmarshal(raw, &reply))
	assert.EqualValues(t, 1, reply["n"])
}

func TestCommandGzipPayload(t *testing.T) {
	app, _ := newTestApp(t)

	plain, err := json.Marshal(models.Document{
		"insert":    "stations",
		"documents": []any{models.Document{"_id": "a"}},
	})
	require.NoError(t, err)

	var compressed bytes.Buffer
	zw := gzip.NewWriter(&compressed)
	_, err = zw.Write(plain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/db/weather/command", &compressed)
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCommandErrors(t *testing.T) {
	app, _ := newTestApp(t)

	// Unknown command
	resp, reply := postCommand(t, app, "weather", models.Document{"frobnicate": "stations"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.EqualValues(t, 0, reply["ok"])
	assert.NotEmpty(t, reply["errmsg"])

	// Missing cursor
	resp, reply = postCommand(t, app, "weather", models.Document{
		"getMore":    int64(12345),
		"collection": "stations",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.EqualValues(t, 0, reply["ok"])

	// Empty body
	req := httptest.NewRequest(http.MethodPost, "/api/v1/db/weather/command", http.NoBody)
	req.Header.Set("Content-Type", "application/json")
	r, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)
}

func TestAdminCreateCollectionAndStats(t *testing.T) {
	app, ex := newTestApp(t)

	body, err := json.Marshal(models.Document{
		"name": "readings",
		"timeseries": models.Document{
			"timeField": "ts",
			"metaField": "sensor",
		},
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/db/weather/collections", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp, err := app.Test(req, 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	opts, ok, err := ex.Store().Options(models.Namespace{Database: "weather", Collection: "readings"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ts", opts.Timeseries.TimeField)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/catalog/stats?ns=weather.readings", nil), 5000)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
