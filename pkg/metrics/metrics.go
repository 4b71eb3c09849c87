package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects server metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry       *prometheus.Registry
	namespace      string
	httpReqCnt     *prometheus.CounterVec
	httpDur        *prometheus.HistogramVec
	httpInfl       *prometheus.GaugeVec
	authDenied     *prometheus.CounterVec
	redemptions    *prometheus.CounterVec
	quotaDecisions *prometheus.CounterVec
	quotaResets    prometheus.Counter
	rateLimited    prometheus.Counter
	upstreamCnt    *prometheus.CounterVec
	upstreamDur    *prometheus.HistogramVec
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	r := prometheus.NewRegistry()
	// Register standard process and Go collectors
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	httpReqCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"})
	httpDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: cfg.Buckets}, []string{"method", "route", "status"})
	httpInfl := prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"})
	r.MustRegister(httpReqCnt, httpDur, httpInfl)

	authDenied := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "auth_denied_total"}, []string{"reason"})
	redemptions := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "code_redemptions_total"}, []string{"kind", "result"})
	r.MustRegister(authDenied, redemptions)

	quotaDecisions := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "quota_decisions_total"}, []string{"limit_type", "result"})
	quotaResets := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "quota_resets_total"})
	rateLimited := prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "rate_limited_total"})
	r.MustRegister(quotaDecisions, quotaResets, rateLimited)

	upstreamCnt := prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "upstream_requests_total"}, []string{"model", "status"})
	upstreamDur := prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "upstream_request_duration_seconds", Buckets: cfg.Buckets}, []string{"model", "status"})
	r.MustRegister(upstreamCnt, upstreamDur)

	return &Metrics{
		registry:       r,
		namespace:      ns,
		httpReqCnt:     httpReqCnt,
		httpDur:        httpDur,
		httpInfl:       httpInfl,
		authDenied:     authDenied,
		redemptions:    redemptions,
		quotaDecisions: quotaDecisions,
		quotaResets:    quotaResets,
		rateLimited:    rateLimited,
		upstreamCnt:    upstreamCnt,
		upstreamDur:    upstreamDur,
	}
}

// AuthDenied counts a rejected request: unauthenticated, inactive or role
func (m *Metrics) AuthDenied(reason string) {
	if m == nil {
		return
	}
	m.authDenied.WithLabelValues(reason).Inc()
}

// CodeRedeemed counts a redemption attempt of an invite or access code
func (m *Metrics) CodeRedeemed(kind string, ok bool) {
	if m == nil {
		return
	}
	m.redemptions.WithLabelValues(kind, result(ok)).Inc()
}

// QuotaDecision counts an admission decision
func (m *Metrics) QuotaDecision(limitType string, allowed bool) {
	if m == nil {
		return
	}
	m.quotaDecisions.WithLabelValues(limitType, result(allowed)).Inc()
}

// QuotaReset counts a performed lazy reset
func (m *Metrics) QuotaReset() {
	if m == nil {
		return
	}
	m.quotaResets.Inc()
}

// RateLimited counts a request rejected by the request rate limiter
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// UpstreamDone records an upstream completion call
func (m *Metrics) UpstreamDone(model string, since time.Time, ok bool) {
	if m == nil {
		return
	}
	status := result(ok)
	m.upstreamCnt.WithLabelValues(model, status).Inc()
	m.upstreamDur.WithLabelValues(model, status).Observe(time.Since(since).Seconds())
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "denied"
}
