package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"keybroker/internal/utils"
)

// ContextKey defines the type for context keys to avoid conflicts
type ContextKey string

const (
	// CallerKey is the context key for the fingerprint of the caller's token
	CallerKey ContextKey = "caller"
)

// CallerTokenMiddleware admits requests that carry one of the configured
// bearer tokens. Leases hand out provider secrets, so the lease endpoints
// sit behind it. With no tokens configured every request passes.
func CallerTokenMiddleware(tokens []string) func(http.Handler) http.Handler {
	digests := make([][32]byte, 0, len(tokens))
	for _, t := range tokens {
		digests = append(digests, sha256.Sum256([]byte(t)))
	}

	return func(next http.Handler) http.Handler {
		if len(digests) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("X-Broker-Token")
			if token == "" {
				authHeader := r.Header.Get("Authorization")
				if strings.HasPrefix(authHeader, "Bearer ") {
					token = strings.TrimPrefix(authHeader, "Bearer ")
				}
			}
			if token == "" {
				utils.RespondWithError(w, http.StatusUnauthorized, "Missing caller token")
				return
			}

			got := sha256.Sum256([]byte(token))
			matched := 0
			for _, d := range digests {
				matched |= subtle.ConstantTimeCompare(got[:], d[:])
			}
			if matched != 1 {
				utils.RespondWithError(w, http.StatusUnauthorized, "Invalid caller token")
				return
			}

			ctx := context.WithValue(r.Context(), CallerKey, hex.EncodeToString(got[:4]))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetCaller returns the short fingerprint of the authenticated caller token
func GetCaller(ctx context.Context) (string, bool) {
	caller, ok := ctx.Value(CallerKey).(string)
	return caller, ok
}
