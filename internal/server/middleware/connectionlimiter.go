package middleware

import (
	"log/slog"
	"net/http"

	"github.com/a-essam23/go-docsync/pkg/config"
)

const (
	LimitModeReject = "reject"
	LimitModeCycle  = "cycle"
)

// ConnectionCounter reports the open connections held by a client key.
type ConnectionCounter func(clientKey string) int

// ConnectionCycler closes the oldest connection held by a client key.
type ConnectionCycler func(clientKey string)

// NewConnectionLimiter caps WebSocket connections per client. Authenticated
// clients are counted per user, anonymous ones per remote address. Plain HTTP
// requests pass through.
func NewConnectionLimiter(
	logger *slog.Logger,
	counter ConnectionCounter,
	cycler ConnectionCycler,
	config config.ConnectionLimitConfig,
) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if config.MaxPerClient <= 0 || !IsWebSocketUpgrade(r) {
				next.ServeHTTP(w, r)
				return
			}

			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				logger.Error("Connection limiter could not find request metadata in context. Check middleware order.")
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			key := reqMeta.ClientKey()
			count := counter(key)
			if count < config.MaxPerClient {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Client connection limit reached", slog.String("client", key), slog.Int("count", count))
			switch config.Mode {
			case LimitModeReject, "":
				http.Error(w, "Too Many Active Connections", http.StatusTooManyRequests)
			case LimitModeCycle:
				cycler(key)
				next.ServeHTTP(w, r)
			default:
				logger.Error("Invalid connection limit mode configured", slog.String("mode", config.Mode))
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		})
	}
}
