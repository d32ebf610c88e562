package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"ns-metadata-proxy/internal/model"
)

// ErrorHandler returns an echo.HTTPErrorHandler for the tenant-facing server.
// Client errors raised by the framework (no route, body too large, rate
// limited) are written as a bare status. Everything else, including
// recovered panics, becomes the generic internal error; the detail is only
// logged.
func ErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code < http.StatusInternalServerError {
			writeErr(c, c.NoContent(he.Code), logger)
			return
		}

		logger.Error("unhandled error",
			"err", err,
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
		)
		writeErr(c, c.String(http.StatusInternalServerError, model.MsgUnknownError), logger)
	}
}

func writeErr(c echo.Context, err error, logger *slog.Logger) {
	if err != nil {
		logger.Warn("writing error response", "err", err, "path", c.Request().URL.Path)
	}
}
