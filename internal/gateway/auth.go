package gateway

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"github.com/basket/go-afm/internal/audit"
	"github.com/basket/go-afm/internal/shared"
)

// AdminAuth requires token on every request to next. An empty token disables
// the check; agents never authenticate.
func AdminAuth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	want := []byte(token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ExtractAPIKey(r)
		if key == "" {
			denyAdmin(r, "missing API key")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing API key"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), want) != 1 {
			denyAdmin(r, "invalid API key")
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Browsers cannot set headers on websocket upgrades.
	return r.URL.Query().Get("api_key")
}

func denyAdmin(r *http.Request, reason string) {
	audit.Record(audit.Event{
		Outcome: audit.OutcomeDeny,
		Action:  "admin.auth",
		Subject: r.Method + " " + r.URL.Path,
		Reason:  reason,
		Remote:  remoteHost(r),
		TraceID: shared.TraceID(r.Context()),
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
