package gateway

import (
	"net/http"
	"strings"

	"github.com/abdelmounim-dev/workbench-gateway/metrics"
)

// checkBearerAuth implements the optional auth gate config.AuthConfig
// describes: when enabled, the upgrade request must carry a valid JWT,
// either as a query parameter (cfg.TokenQueryParam) or as an
// "Authorization: Bearer <token>" header. This is independent of the
// reconnectionToken that routing keys on: the reconnection token has no
// signature of its own, so this gate is what actually keeps
// unauthenticated clients off the upgrade path when a deployment turns it
// on.
func checkBearerAuth(r *http.Request, svc *Services) error {
	if svc.Auth == nil || !svc.Config.Auth.Enabled {
		return nil
	}

	token := bearerToken(r, svc.Config.Auth.TokenQueryParam)
	if token == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		return errMissingBearerToken
	}
	if _, err := svc.Auth.ValidateToken(r.Context(), token); err != nil {
		metrics.AuthFailures.WithLabelValues("invalid_token").Inc()
		return err
	}
	metrics.AuthSuccess.Inc()
	return nil
}

var errMissingBearerToken = &authError{"missing bearer token"}

type authError struct{ msg string }

func (e *authError) Error() string { return e.msg }

func bearerToken(r *http.Request, queryParam string) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if queryParam == "" {
		queryParam = "access_token"
	}
	return r.URL.Query().Get(queryParam)
}
