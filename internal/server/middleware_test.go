package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogMiddleware(t *testing.T) {
	core, obs := observer.New(zap.DebugLevel)
	log := zap.New(core).Sugar()

	h := LogMiddleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("short and stout"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	require.Equal(t, http.StatusTeapot, rr.Code)
	require.Equal(t, 1, obs.Len())
	msg := obs.All()[0].Message
	assert.Contains(t, msg, "method=GET")
	assert.Contains(t, msg, "uri=/api/state")
	assert.Contains(t, msg, "status=418")
	assert.Contains(t, msg, "size=15")
}

func TestLogMiddlewareQuietAtInfo(t *testing.T) {
	core, obs := observer.New(zap.InfoLevel)
	h := LogMiddleware(zap.New(core).Sugar())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Zero(t, obs.Len())
}

func TestLoggingResponseWriterHijackUnsupported(t *testing.T) {
	lrw := &loggingResponseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := lrw.Hijack()
	assert.Error(t, err)
}
