package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/strata-db/strata/internal/logger"
	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/internal/writes"
	"github.com/strata-db/strata/pkg/models"
	"github.com/vmihailenco/msgpack/v5"
)

// Pool for decompression buffers - reduces GC pressure under high load
var decompressBufferPool = sync.Pool{
	New: func() interface{} {
		// 256KB covers most decompressed command payloads without reallocation
		buf := make([]byte, 0, 256*1024)
		return &buf
	},
}

// Pool for gzip readers. klauspost gzip.Reader carries ~32KB of internal
// state that Reset() lets us reuse across requests.
var gzipReaderPool = sync.Pool{
	// No New func - readers are created on demand since gzip.NewReader
	// requires valid data
}

// PooledBuffer wraps a decompression buffer that must be returned to pool after use
type PooledBuffer struct {
	Data   []byte
	bufPtr *[]byte
}

// Release returns the buffer to the pool. Safe to call multiple times.
func (pb *PooledBuffer) Release() {
	if pb.bufPtr != nil {
		*pb.bufPtr = (*pb.bufPtr)[:0]
		decompressBufferPool.Put(pb.bufPtr)
		pb.bufPtr = nil
		pb.Data = nil
	}
}

// CommandHandler serves database write and read commands. The command body is
// a single document, MessagePack or JSON encoded, whose first key names the
// operation (insert, update, delete, find, getMore).
type CommandHandler struct {
	executor *writes.Executor
	logger   zerolog.Logger
}

// NewCommandHandler creates a command handler bound to an executor.
func NewCommandHandler(executor *writes.Executor, log zerolog.Logger) *CommandHandler {
	return &CommandHandler{
		executor: executor,
		logger:   log.With().Str("component", "command-handler").Logger(),
	}
}

// RegisterRoutes registers the command endpoint.
func (h *CommandHandler) RegisterRoutes(app *fiber.App) {
	app.Post("/api/v1/db/:db/command", h.runCommand)
}

// runCommand decodes, dispatches, and replies to one command.
func (h *CommandHandler) runCommand(c *fiber.Ctx) error {
	db := c.Params("db")
	if db == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"ok":     0,
			"errmsg": "missing database name",
		})
	}

	// Raw body; decompression is handled here with pooled readers rather
	// than fasthttp's per-request gunzip path.
	payload := c.Request().Body()
	if len(payload) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"ok":     0,
			"errmsg": "empty command payload",
		})
	}

	var pooledBuf *PooledBuffer
	wasCompressed := len(payload) >= 2 && payload[0] == 0x1f && payload[1] == 0x8b
	if wasCompressed {
		var err error
		pooledBuf, err = h.decompressGzip(payload)
		if err != nil {
			h.logger.Error().Err(err).Msg("Failed to decompress gzip payload")
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"ok":     0,
				"errmsg": fmt.Sprintf("invalid gzip compression: %v", err),
			})
		}
		// Decoders copy what they keep, so releasing after decode is safe
		defer pooledBuf.Release()
		payload = pooledBuf.Data
	}

	var cmd models.Document
	contentType := string(c.Request().Header.ContentType())
	switch {
	case strings.Contains(contentType, "msgpack"):
		if err := msgpack.Unmarshal(payload, &cmd); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"ok":     0,
				"errmsg": fmt.Sprintf("invalid MessagePack payload: %v", err),
			})
		}
	default:
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"ok":     0,
				"errmsg": fmt.Sprintf("invalid JSON payload: %v", err),
			})
		}
	}

	req, err := writes.Parse(db, cmd)
	if err != nil {
		return h.commandError(c, err)
	}

	reply, err := writes.Dispatch(c.Context(), h.executor, req)
	if err != nil {
		h.logger.Debug().
			Str("ns", logger.Redact(req.NS().String())).
			Str("op", req.Kind.String()).
			Int32("code", int32(status.CodeOf(err))).
			Msg("Command failed")
		return h.commandError(c, err)
	}

	return h.sendReply(c, reply)
}

// sendReply encodes the reply in the caller's preferred format.
func (h *CommandHandler) sendReply(c *fiber.Ctx, reply models.Document) error {
	accept := c.Get("Accept")
	if strings.Contains(accept, "msgpack") {
		body, err := msgpack.Marshal(reply)
		if err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"ok":     0,
				"errmsg": "failed to encode reply",
			})
		}
		c.Set("Content-Type", "application/msgpack")
		return c.Send(body)
	}
	return c.JSON(reply)
}

// commandError maps a command-level failure to an HTTP response. Per-document
// write errors never reach here; they ride inside an ok:1 reply.
func (h *CommandHandler) commandError(c *fiber.Ctx, err error) error {
	code := status.CodeOf(err)

	body := fiber.Map{
		"ok":     0,
		"code":   int32(code),
		"errmsg": status.MessageOf(err),
	}
	if info := status.InfoOf(err); info != nil {
		body["errInfo"] = info
	}

	return c.Status(httpStatusFor(code)).JSON(body)
}

func httpStatusFor(code status.Code) int {
	switch code {
	case status.CodeBadValue, status.CodeInvalidOptions, status.CodeInvalidLength,
		status.CodeDocumentValidationFailure:
		return fiber.StatusBadRequest
	case status.CodeNamespaceNotFound, status.CodeCursorNotFound:
		return fiber.StatusNotFound
	case status.CodeDuplicateKey:
		return fiber.StatusConflict
	case status.CodeIllegalOperation:
		return fiber.StatusUnprocessableEntity
	case status.CodeStaleRoutingVersion, status.CodeStaleRoutingInfo,
		status.CodeMigrationConflict, status.CodeMigrationCommitted, status.CodeMigrationAborted:
		return fiber.StatusConflict
	case status.CodeExceededTimeLimit, status.CodeInterrupted:
		return fiber.StatusRequestTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

// decompressGzip decompresses using pooled readers and buffers.
// The caller must Release() the returned buffer after use.
func (h *CommandHandler) decompressGzip(data []byte) (*PooledBuffer, error) {
	var reader *gzip.Reader
	if pooled := gzipReaderPool.Get(); pooled != nil {
		reader = pooled.(*gzip.Reader)
		if err := reader.Reset(bytes.NewReader(data)); err != nil {
			gzipReaderPool.Put(reader)
			return nil, fmt.Errorf("gzip reset: %w", err)
		}
	} else {
		var err error
		reader, err = gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
	}
	defer gzipReaderPool.Put(reader)

	bufPtr := decompressBufferPool.Get().(*[]byte)
	buf := bytes.NewBuffer(*bufPtr)

	if _, err := io.Copy(buf, reader); err != nil {
		*bufPtr = (*bufPtr)[:0]
		decompressBufferPool.Put(bufPtr)
		return nil, fmt.Errorf("gzip decompress: %w", err)
	}

	out := buf.Bytes()
	*bufPtr = out
	return &PooledBuffer{Data: out, bufPtr: bufPtr}, nil
}
