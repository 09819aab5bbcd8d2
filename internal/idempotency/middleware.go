package idempotency

import (
	"bytes"
	"net/http"
	"time"

	"github.com/CedrosPay/accessgate/internal/cache"
)

const (
	// HeaderKey is the client supplied idempotency key.
	HeaderKey = "Idempotency-Key"

	// ReplayHeader marks responses served from the cache.
	ReplayHeader = "X-Idempotency-Replay"

	DefaultTTL = 24 * time.Hour

	keyPrefix = "idem:"
)

// Response is a captured 2xx response.
type Response struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
	CachedAt   time.Time         `json:"cached_at"`
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Middleware replays the first successful response for a repeated
// Idempotency-Key on the same method and path. Requests without the
// header pass through untouched.
func Middleware(c cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	if c == nil {
		c = cache.Noop{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Scoped by endpoint so one key cannot collide across routes
			key := keyPrefix + r.Method + ":" + r.URL.Path + ":" + rawKey

			if cached, found := cache.GetJSON[Response](r.Context(), c, key); found {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set(ReplayHeader, "true")
				w.WriteHeader(cached.StatusCode)
				_, _ = w.Write(cached.Body)
				return
			}

			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rw, r)

			if rw.statusCode < 200 || rw.statusCode >= 300 {
				return
			}
			headers := make(map[string]string, len(w.Header()))
			for k := range w.Header() {
				if k == "X-Request-Id" {
					continue
				}
				headers[k] = w.Header().Get(k)
			}
			cache.SetJSON(r.Context(), c, key, Response{
				StatusCode: rw.statusCode,
				Headers:    headers,
				Body:       rw.body.Bytes(),
				CachedAt:   time.Now().UTC(),
			}, ttl)
		})
	}
}
