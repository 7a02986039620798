package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLoggerMiddleware_RecordsStatus(t *testing.T) {
	var out bytes.Buffer
	logger := zerolog.New(&out)

	handler := LoggerMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, out.String(), `"status":418`)
	assert.Contains(t, out.String(), `"path":"/api/v1/status"`)
}
