package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/a-essam23/go-docsync/pkg/state"
)

type contextKey string

const reqMetaKey = contextKey("r-metadata")

type RequestMetadata struct {
	IP     string
	UserID string // set by the auth middleware; empty for anonymous clients
	// Doc is the document named by the request path, unvalidated. Empty
	// for "/" and "/ws".
	Doc string
}

// DocumentName maps a request path to the document it names.
func DocumentName(path string) string {
	name := strings.TrimPrefix(path, "/")
	if name == "ws" {
		return ""
	}
	return name
}

// ClientKey is the key connection limits are counted against.
func (m *RequestMetadata) ClientKey() string {
	return state.ClientKey(m.UserID, m.IP)
}

func ReqMetadataFrom(ctx context.Context) (*RequestMetadata, bool) {
	reqMeta, ok := ctx.Value(reqMetaKey).(*RequestMetadata)
	return reqMeta, ok
}

// RequestMetadataMiddleware records the caller and the requested document.
// **This should be the first middleware in the chain.**
func RequestMetadataMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				ip = r.RemoteAddr // Fallback
			}
			reqMeta := &RequestMetadata{IP: ip, Doc: DocumentName(r.URL.Path)}
			ctx := context.WithValue(r.Context(), reqMetaKey, reqMeta)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
