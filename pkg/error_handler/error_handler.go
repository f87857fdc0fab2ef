package errorhandler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"main/pkg/customerrors"

	"github.com/labstack/echo/v4"
)

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

func HandleError(err error, c echo.Context) {

	code := http.StatusInternalServerError
	kind := string(customerrors.KindInternal)
	message := "Internal Server Error"

	var ce *customerrors.Error
	var he *echo.HTTPError
	switch {
	case errors.As(err, &ce):
		code = customerrors.HTTPStatus(ce.Kind)
		kind = string(ce.Kind)
		message = ce.Message
	case errors.As(err, &he):
		code = he.Code
		if msg, okMsg := he.Message.(string); okMsg {
			message = msg
		}
	}

	if code >= http.StatusInternalServerError {
		// Internal detail stays in the log, never in the response body.
		message = "Internal Server Error"
		kind = string(customerrors.KindInternal)
		slog.Error("Internal Server Error",
			"err", err,
			"path", c.Path(),
			"method", c.Request().Method,
		)
	} else {
		slog.Warn("Handled error",
			"err", err,
			"path", c.Path(),
			"method", c.Request().Method,
		)
	}

	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			err = c.NoContent(code)
		} else {
			err = c.JSON(code, errorEnvelope{
				Success: false,
				Error: errorBody{
					Code:      kind,
					Message:   message,
					Timestamp: time.Now().UTC().Format(time.RFC3339),
				},
			})
		}
		if err != nil {
			slog.Error("error response write failed", "err", err)
		}
	}
}
