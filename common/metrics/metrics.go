// Package metrics collects and exposes Prometheus metrics of the listings service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is the Prometheus-backed recorder of request and domain events
type Collector struct {
	requests       *prometheus.CounterVec
	latency        *prometheus.HistogramVec
	unlockAttempts *prometheus.CounterVec
	loginAttempts  *prometheus.CounterVec
	listings       *prometheus.CounterVec
	photosStored   prometheus.Counter
	gatherer       prometheus.Gatherer
}

// NewCollector creates a Collector registering its metrics on reg
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listings_http_requests_total",
			Help: "HTTP requests by route, method and status code",
		}, []string{"route", "method", "code"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "listings_http_request_duration_seconds",
			Help:    "HTTP request latency by route and method",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
		unlockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listings_unlock_attempts_total",
			Help: "Listing unlock attempts by result",
		}, []string{"result"}),
		loginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listings_admin_login_attempts_total",
			Help: "Admin login attempts by result",
		}, []string{"result"}),
		listings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "listings_mutations_total",
			Help: "Listing mutations by operation",
		}, []string{"op"}),
		photosStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "listings_photos_stored_total",
			Help: "Photos written to the photo store",
		}),
		gatherer: reg,
	}
	reg.MustRegister(c.requests, c.latency, c.unlockAttempts, c.loginAttempts, c.listings, c.photosStored)
	return c
}

func (c *Collector) RecordRequest(route, method string, code int, d time.Duration) {
	c.requests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
	c.latency.WithLabelValues(route, method).Observe(d.Seconds())
}

func (c *Collector) RecordUnlock(ok bool) {
	c.unlockAttempts.WithLabelValues(result(ok)).Inc()
}

func (c *Collector) RecordLogin(ok bool) {
	c.loginAttempts.WithLabelValues(result(ok)).Inc()
}

// RecordMutation counts listing operations: create, save, upload, photo_delete, delete
func (c *Collector) RecordMutation(op string) {
	c.listings.WithLabelValues(op).Inc()
}

func (c *Collector) RecordPhotosStored(n int) {
	c.photosStored.Add(float64(n))
}

// Handler returns the HTTP handler for Prometheus scrapes
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
