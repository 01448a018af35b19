package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)

	router := mux.NewRouter()
	router.Use(accessLog(zap.New(core)))
	router.HandleFunc("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	})
	router.HandleFunc("/boom", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/items/42", nil))
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/boom", nil))

	entries := logs.All()
	require.Len(t, entries, 2)

	ok := entries[0].ContextMap()
	assert.Equal(t, zap.DebugLevel, entries[0].Level)
	assert.Equal(t, "/items/{id}", ok["path"])
	assert.Equal(t, int64(http.StatusOK), ok["status"])
	assert.Equal(t, int64(5), ok["bytes"])

	failed := entries[1]
	assert.Equal(t, zap.WarnLevel, failed.Level)
	assert.Equal(t, int64(http.StatusInternalServerError), failed.ContextMap()["status"])
}

func TestResponseWriter_HijackUnsupported(t *testing.T) {
	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "hijack"))
}
