package httpx

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRespondJSON(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondJSON(rr, http.StatusCreated, map[string]string{"b": "<x>", "a": "1"})

	assert.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "{\"a\":\"1\",\"b\":\"<x>\"}\n", rr.Body.String())
}

func TestRespondJSON_Unencodable(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondJSON(rr, http.StatusOK, map[string]any{"f": func() {}})

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRespondError(t *testing.T) {
	rr := httptest.NewRecorder()
	RespondError(rr, http.StatusTooManyRequests, errors.New("slow down"))

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.JSONEq(t, `{"error":"Too Many Requests","message":"slow down"}`, rr.Body.String())
}
