package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/antoncomputershare/reverse-proxy/internal/telemetry"
)

// ControlHandler serves the health and metrics endpoints of the control listener.
type ControlHandler struct {
	store *telemetry.Store
}

// NewControlHandler creates a ControlHandler.
func NewControlHandler(store *telemetry.Store) *ControlHandler {
	return &ControlHandler{store: store}
}

// healthBody is sent byte for byte, with no trailing newline.
var healthBody = []byte(`{"status":"ok"}`)

// Health returns a simple OK response for liveness probes.
func (h *ControlHandler) Health(c echo.Context) error {
	return c.JSONBlob(http.StatusOK, healthBody)
}

// Metrics returns a compact snapshot of the proxy counters.
func (h *ControlHandler) Metrics(c echo.Context) error {
	body, err := json.Marshal(h.store.Snapshot())
	if err != nil {
		return fmt.Errorf("encode metrics snapshot: %w", err)
	}
	return c.JSONBlob(http.StatusOK, body)
}

// ControlErrorHandler answers router misses with a plain "Not Found". Wrong
// methods on known paths are treated the same way.
func ControlErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	logger = logger.With("component", "control_handler")
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
		}

		msg := http.StatusText(code)
		switch {
		case code == http.StatusNotFound || code == http.StatusMethodNotAllowed:
			code, msg = http.StatusNotFound, "Not Found"
		case code >= http.StatusInternalServerError:
			logger.Error("control request failed", "err", err, "path", c.Request().URL.Path)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.String(code, msg)
		}
		if err != nil {
			logger.Error("writing error response", "err", err)
		}
	}
}
