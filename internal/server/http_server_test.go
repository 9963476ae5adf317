package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofconnect/consent-broker/log"
)

type captureLogger struct {
	entries []map[string]any
}

func (l *captureLogger) capture(fields []map[string]any) {
	merged := map[string]any{}
	for _, f := range fields {
		for k, v := range f {
			merged[k] = v
		}
	}
	l.entries = append(l.entries, merged)
}

func (l *captureLogger) Debug(_ context.Context, _ string, fields ...map[string]any) {
	l.capture(fields)
}

func (l *captureLogger) Info(_ context.Context, _ string, fields ...map[string]any) {
	l.capture(fields)
}

func (l *captureLogger) Warn(_ context.Context, _ string, fields ...map[string]any) {
	l.capture(fields)
}

func (l *captureLogger) Error(_ context.Context, _ string, _ error, fields ...map[string]any) {
	l.capture(fields)
}

func (l *captureLogger) Fatal(_ context.Context, _ string, _ error, fields ...map[string]any) {
	l.capture(fields)
}

func (l *captureLogger) With(map[string]any) log.Logger { return l }

func TestRequestLoggerRecordsHandlerErrorStatus(t *testing.T) {
	logger := &captureLogger{}
	e := echo.New()
	e.Use(requestLogger(logger))
	e.GET("/fail", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusTeapot, "nope")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fail", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Len(t, logger.entries, 1)
	assert.Equal(t, http.StatusTeapot, logger.entries[0]["status"], "logged status must match the response sent")
	assert.Equal(t, "/fail", logger.entries[0]["path"])
}

func TestRequestLoggerRecordsSuccessStatus(t *testing.T) {
	logger := &captureLogger{}
	e := echo.New()
	e.Use(requestLogger(logger))
	e.GET("/ok", func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	require.Len(t, logger.entries, 1)
	assert.Equal(t, http.StatusNoContent, logger.entries[0]["status"])
}
