package middleware

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bluele/gcache"
	hr "github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"wuyrush.io/listings/common/metrics"
)

type Middleware func(hr.Handle) hr.Handle

// Chain composites given handler and middlewares. The last middleware given is the outermost one
func Chain(h hr.Handle, ms ...Middleware) hr.Handle {
	for _, m := range ms {
		h = m(h)
	}
	return h
}

// PanicRecoverer recovers from panic of underlying handlers and answers with 500
func PanicRecoverer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			defer func() {
				if reason := recover(); reason != nil {
					log.WithFields(log.Fields{
						"panicReason": reason,
						"path":        r.URL.Path,
					}).Error("got panic from underlying handler")
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			h(w, r, p)
		}
	}
}

// RequestLogger logs one line per request once the underlying handler returns
func RequestLogger() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			start := time.Now()
			sw := wrap(w)
			h(sw, r, p)
			log.WithFields(log.Fields{
				"httpMethod":   r.Method,
				"path":         r.URL.Path,
				"status":       sw.Status(),
				"latencyMs":    time.Since(start).Milliseconds(),
				"remoteAddr":   ClientIP(r),
				"forwardedFor": r.Header.Get("X-Forwarded-For"),
			}).Info("request served")
		}
	}
}

// Instrumenter emits request count and latency metrics of the route
func Instrumenter(c *metrics.Collector, route string) Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			start := time.Now()
			sw := wrap(w)
			h(sw, r, p)
			c.RecordRequest(route, r.Method, sw.Status(), time.Since(start))
		}
	}
}

// RateLimiter limits underlying handler call rate per client with the given token bucket config. Clients are
// told apart by clientKey, see ClientIP and ForwardedClientIP. At most maxClients buckets are kept; the least
// recently used ones are evicted first.
func RateLimiter(burst int, rps float64, maxClients int, clientKey func(*http.Request) string) Middleware {
	if maxClients <= 0 {
		maxClients = 1024
	}
	if burst < 1 {
		burst = 1
	}
	if clientKey == nil {
		clientKey = ClientIP
	}
	// a zero limit grants the burst and never refills
	limit := rate.Limit(math.Max(0, rps))
	buckets := gcache.New(maxClients).
		LRU().
		Expiration(10 * time.Minute).
		LoaderFunc(func(interface{}) (interface{}, error) {
			return rate.NewLimiter(limit, burst), nil
		}).
		Build()
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			client := clientKey(r)
			v, err := buckets.Get(client)
			if err != nil {
				log.WithError(err).WithField("client", client).Error("error loading rate limit bucket")
				h(w, r, p)
				return
			}
			if !v.(*rate.Limiter).Allow() {
				log.WithFields(log.Fields{"client": client, "path": r.URL.Path}).Warn("rate limit exceeded")
				w.Header().Set("Retry-After", retryAfter(rps))
				http.Error(w, "too many requests, please retry later", http.StatusTooManyRequests)
				return
			}
			h(w, r, p)
		}
	}
}

// retryAfter returns the seconds until one token is refilled, at least 1 and at most a day
func retryAfter(rps float64) string {
	const day = 24 * 60 * 60
	if rps <= 0 || math.IsNaN(rps) {
		return strconv.Itoa(day)
	}
	return strconv.Itoa(int(math.Min(day, math.Max(1, math.Ceil(1/rps)))))
}

// HSTSer enforces clients to use HTTPS for interaction with service
func HSTSer() Middleware {
	return func(h hr.Handle) hr.Handle {
		return func(w http.ResponseWriter, r *http.Request, p hr.Params) {
			if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000")
			}
			h(w, r, p)
		}
	}
}

// ClientIP returns the host of the peer the request came from
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ForwardedClientIP returns the first X-Forwarded-For hop, falling back to ClientIP. Clients can set the
// header to anything, so only use it behind a proxy which overwrites it
func ForwardedClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	return ClientIP(r)
}

// statusWriter remembers the status code written through it
type statusWriter struct {
	http.ResponseWriter
	status int
}

func wrap(w http.ResponseWriter) *statusWriter {
	if sw, ok := w.(*statusWriter); ok {
		return sw
	}
	return &statusWriter{ResponseWriter: w}
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// Unwrap lets http.ResponseController reach the underlying writer
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
