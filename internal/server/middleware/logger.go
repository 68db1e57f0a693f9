package middleware

import (
	"log/slog"
	"net/http"
	"time"
)

// NewRequestLogger logs each request with the document it addresses. For
// WebSocket upgrades the second line is written when the session ends.
func NewRequestLogger(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attrs := []any{
				slog.String("method", r.Method),
				slog.String("uri", r.RequestURI),
			}
			if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
				attrs = append(attrs,
					slog.String("ip", reqMeta.IP),
					slog.String("doc", reqMeta.Doc),
				)
			}
			upgrade := IsWebSocketUpgrade(r)
			logger.Debug("Incoming HTTP request", append(attrs, slog.Bool("upgrade", upgrade))...)

			start := time.Now()
			next.ServeHTTP(w, r)
			if upgrade {
				// the client key is only final once auth has run
				if reqMeta, ok := ReqMetadataFrom(r.Context()); ok {
					attrs = append(attrs, slog.String("client", reqMeta.ClientKey()))
				}
				logger.Debug("Document session ended", append(attrs, slog.Duration("duration", time.Since(start)))...)
			}
		})
	}
}
