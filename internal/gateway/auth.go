package gateway

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/proofline/internal/shared"
)

// ActorHeader carries the id of the person making the request.
const ActorHeader = "X-Actor-ID"

// ExtractToken extracts the bearer token from the Authorization header, or
// from the api_key query param for websocket clients that cannot set headers.
func ExtractToken(r *http.Request) string {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return r.URL.Query().Get("api_key")
}

// authorize uses constant-time comparison. An unconfigured token rejects
// everything.
func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	token := ExtractToken(r)
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AuthToken)) == 1
}

// authenticate rejects requests without the shared token and attaches the
// actor from ActorHeader to the request context. Authorization of the actor
// against the task happens in the lifecycle service.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Kind: "unauthorized"})
			return
		}
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		ctx := shared.WithActorID(r.Context(), actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
