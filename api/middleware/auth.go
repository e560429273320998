package middleware

import (
	"net/http"
	"strings"

	"github.com/angelmondragon/coaching-payflow/api/responses"
	pkgAuth "github.com/angelmondragon/coaching-payflow/pkg/auth"
	"github.com/angelmondragon/coaching-payflow/pkg/config"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
)

// Auth validates a bearer token and seeds the request context with the caller.
// Browsers cannot set headers on websocket upgrades, so the token is also read from
// the access_token query parameter.
func Auth(cfg config.JWTConfig, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := bearerToken(r)
			if token == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing credentials"))
				return
			}

			claims, err := pkgAuth.ParseAccessToken(cfg, token)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid token"))
				return
			}

			userID := claims.UserID.String()
			ctx := WithUserID(r.Context(), userID)
			if logg != nil {
				ctx = logg.WithUserID(ctx, userID)
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if strings.HasPrefix(strings.ToLower(raw), "bearer ") {
		return strings.TrimSpace(raw[7:])
	}
	return raw
}
