package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/Biren07/chat-application/internal/auth"
)

// NewAuthMiddleware rejects any request whose handshake credential is missing,
// invalid, or refers to a user that no longer exists. Each failure carries a
// distinct reason; nothing downstream runs without an attached identity.
func NewAuthMiddleware(logger *slog.Logger, authenticator *auth.Authenticator) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				// Metadata middleware did not run; the chain is miswired.
				logger.Error("Auth middleware could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			profile, err := authenticator.Authenticate(r)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrNoToken):
					logger.Warn("Connection rejected: no token provided", slog.String("ip", reqMeta.IP))
					http.Error(w, "Unauthorized - No Token Provided", http.StatusUnauthorized)
				case errors.Is(err, auth.ErrInvalidToken):
					logger.Warn("Connection rejected: invalid token", slog.String("ip", reqMeta.IP), slog.Any("error", err))
					http.Error(w, "Unauthorized - Invalid Token", http.StatusUnauthorized)
				case errors.Is(err, auth.ErrUnknownUser):
					logger.Warn("Connection rejected: user not found", slog.String("ip", reqMeta.IP))
					http.Error(w, "User not found", http.StatusUnauthorized)
				default:
					logger.Error("Authentication failed", slog.String("ip", reqMeta.IP), slog.Any("error", err))
					http.Error(w, "Unauthorized - Authentication failed", http.StatusUnauthorized)
				}
				return
			}

			reqMeta.User = profile
			next.ServeHTTP(w, r)
		})
	}
}
