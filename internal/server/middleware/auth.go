package middleware

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

type contextKeyAuth string

// GrantKey is the context key for the guard's grant.
const GrantKey contextKeyAuth = "auth_grant"

// RotatedTokenHeader carries the (possibly rotated) token back to the client
// on every guarded response so it can adopt the replacement.
const RotatedTokenHeader = "X-Keygate-Token"

// storeTimeout bounds every store access made during a guard decision so a
// stuck connection cannot hold a request open forever.
const storeTimeout = 5 * time.Second

// BasicAuth returns an HTTP middleware enforcing HTTP Basic authentication
// against the single configured credential pair. Comparison is constant
// time. On failure a 401 with the fixed auth error body is returned and the
// handler never runs.
func BasicAuth(username, password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
			if !ok || !userOK || !passOK {
				w.Header().Set("WWW-Authenticate", `Basic realm="keygate"`)
				writeAuthError(w, http.StatusUnauthorized, model.MsgNotAuthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Guard returns the per-request token middleware for protected routes. It
// extracts the Bearer token, runs the broker's verify/reuse/rotate decision,
// and either attaches the resulting grant to the request context or rejects:
//
//   - missing or unverifiable token: 401, fixed {"message": ...} body
//   - store failure during the decision: 500, the request does not proceed
//
// The grant's token (rotated or not) is echoed in the X-Keygate-Token
// response header.
func Guard(broker *service.Broker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var raw string
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				raw = strings.TrimPrefix(h, "Bearer ")
			}

			ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
			defer cancel()

			grant, err := broker.Authorize(ctx, raw)
			if err != nil {
				if errors.Is(err, service.ErrNotAuthorized) {
					writeAuthError(w, http.StatusUnauthorized, model.MsgNotAuthorized)
					return
				}
				writeEnvelope(w, http.StatusInternalServerError, model.Envelope{
					Status:  http.StatusInternalServerError,
					Message: model.MsgInternalError,
				})
				return
			}

			w.Header().Set(RotatedTokenHeader, grant.Token)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), GrantKey, grant)))
		})
	}
}

// GetGrant extracts the guard's grant from the context. Returns nil on an
// unguarded request.
func GetGrant(ctx context.Context) *service.Grant {
	if g, ok := ctx.Value(GrantKey).(*service.Grant); ok {
		return g
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.AuthError{Message: message})
}

func writeEnvelope(w http.ResponseWriter, status int, env model.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}
