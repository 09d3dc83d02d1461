package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"

	"github.com/opsconductor/opsconductor/pkg/models"
)

// InternalKey guards the service-to-service surface. Requests must carry
// the shared key in the X-Internal-Key header; comparison is constant
// time. With no key configured the middleware refuses everything —
// the internal surface never runs open.
type InternalKey struct {
	key string
}

func NewInternalKey(key string) *InternalKey {
	return &InternalKey{key: key}
}

// Middleware enforces the internal key on every request it wraps.
func (a *InternalKey) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.key == "" {
			respondUnauthorized(w, "internal surface disabled: no key configured")
			return
		}
		candidate := r.Header.Get("X-Internal-Key")
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(a.key)) != 1 {
			respondUnauthorized(w, "invalid internal key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(&models.APIError{
		Code:    models.CodeUnauthorized,
		Message: msg,
	})
}
