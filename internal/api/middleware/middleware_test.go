package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsconductor/opsconductor/pkg/models"
)

func traceEcho() (http.Handler, *string) {
	var captured string
	h := TraceID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetTraceID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return h, &captured
}

func TestTraceIDAcceptsInbound(t *testing.T) {
	h, captured := traceEcho()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceHeader, "trace-from-caller")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "trace-from-caller", *captured)
	assert.Equal(t, "trace-from-caller", rec.Header().Get(TraceHeader))
}

func TestTraceIDMintsWhenAbsent(t *testing.T) {
	h, captured := traceEcho()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotEmpty(t, *captured)
	assert.Equal(t, *captured, rec.Header().Get(TraceHeader))
}

func TestTraceIDRejectsOversized(t *testing.T) {
	h, captured := traceEcho()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(TraceHeader, strings.Repeat("x", 129))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.NotEmpty(t, *captured)
	assert.NotContains(t, *captured, "xxx", "oversized inbound id is replaced with a minted one")
}

func TestInternalKeyAllowsMatchingKey(t *testing.T) {
	guard := NewInternalKey("s3cret")
	h := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Internal-Key", "s3cret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestInternalKeyRejectsWrongKey(t *testing.T) {
	guard := NewInternalKey("s3cret")
	h := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Internal-Key", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var apiErr models.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
	assert.Equal(t, models.CodeUnauthorized, apiErr.Code)
}

func TestInternalKeyRefusesWhenUnconfigured(t *testing.T) {
	guard := NewInternalKey("")
	h := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Internal-Key", "")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
