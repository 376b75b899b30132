// Package middleware implements the fixed-order ingress chain applied to
// every request: trusted-host filtering, development-only CORS, security
// headers, rate limiting, request logging, and telemetry-header
// validation. Every middleware fails closed: an internal error aborts the
// request with a 5xx rather than falling through.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/bradax/broker/internal/metrics"
	"github.com/bradax/broker/internal/models"
	"github.com/bradax/broker/internal/ratelimit"
	"github.com/bradax/broker/internal/telemetry"
)

// TrustedHosts rejects requests whose Host header is not in the allowed
// set. An empty allowed set disables the filter; Server.Router passes an
// empty set, so the router rejects no Host header.
func TrustedHosts(allowed []string) gin.HandlerFunc {
	set := make(map[string]bool, len(allowed))
	for _, h := range allowed {
		set[strings.ToLower(h)] = true
	}
	return func(c *gin.Context) {
		if len(set) == 0 {
			c.Next()
			return
		}
		host := strings.ToLower(c.Request.Host)
		if idx := strings.LastIndex(host, ":"); idx >= 0 {
			host = host[:idx]
		}
		if !set[host] {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unknown host"})
			return
		}
		c.Next()
	}
}

// DevCORS applies permissive CORS headers only when isProduction is false.
// It is a no-op in production.
func DevCORS(isProduction bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isProduction {
			c.Next()
			return
		}
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "*")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// SecurityHeaders appends a conservative set of response headers to every
// request and strips the framework's own identifying header.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Cache-Control", "no-store")
		c.Header("Content-Security-Policy", "default-src 'none'")
		c.Header("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		c.Header("X-Frame-Options", "DENY")
		c.Next()
	}
}

// RateLimit enforces the per-IP RPM/RPH token buckets (refilled
// continuously, not counted over a sliding window) and the concurrent
// in-flight cap ahead of any handler code, so an over-limit client never
// reaches handler logic.
func RateLimit(limiter *ratelimit.Limiter, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()

		decision := limiter.Allow(ip)
		if !decision.Allowed {
			m.RateLimitRejected.WithLabelValues("rpm_rph").Inc()
			c.Header("X-RateLimit-Limit-RPM", strconv.Itoa(decision.LimitRPM))
			c.Header("Retry-After", strconv.Itoa(int(decision.RetryAfter.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limited",
				"reason_code": "rate_limited",
			})
			return
		}

		if !limiter.AcquireConcurrent(ip) {
			m.RateLimitRejected.WithLabelValues("concurrent").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limited",
				"reason_code": "rate_limited",
			})
			return
		}
		defer limiter.Release(ip)

		c.Header("X-RateLimit-Limit-RPM", strconv.Itoa(decision.LimitRPM))
		c.Header("X-RateLimit-Limit-RPH", strconv.Itoa(decision.LimitRPH))
		c.Next()
	}
}

// RequestLogger emits one structured logrus line per request, assigning a
// request_id if the client did not supply one, and records the request's
// count and duration against m. Payload bodies are never logged.
func RequestLogger(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.RequestsTotal.WithLabelValues(route, status).Inc()
		m.RequestDuration.WithLabelValues(route).Observe(duration.Seconds())

		fields := log.Fields{
			"request_id":  requestID,
			"route":       route,
			"method":      c.Request.Method,
			"status":      c.Writer.Status(),
			"duration_ms": duration.Milliseconds(),
		}
		if projectID, ok := c.Get("project_id"); ok {
			fields["project_id"] = projectID
		}
		log.WithFields(fields).Info("request handled")
	}
}

// These constants name every header the telemetry-validation middleware
// requires on protected endpoints.
const (
	headerClientVersion = "X-Client-Version"
	headerPlatform      = "X-Platform"
	headerFingerprint   = "X-Process-Fingerprint"
	headerSessionID     = "X-Session-ID"
	headerEnabled       = "X-Telemetry-Enabled"
	headerEnvironment   = "X-Environment"
	headerInterpreter   = "X-Interpreter-Version"
	sdkUserAgentPrefix  = "bradax-sdk/"
)

// TelemetryValidation rejects any request to a protected endpoint that
// does not carry the full set of telemetry headers and a recognized
// user-agent prefix. It never reads the request body, and it records a
// bypass-attempt event through writer before rejecting. It runs ahead of
// bearer-token verification, so a bypass attempt is logged even when the
// caller has no credentials at all.
func TelemetryValidation(writer *telemetry.Writer) gin.HandlerFunc {
	return func(c *gin.Context) {
		headers := models.TelemetryHeaders{
			ClientVersion:      c.GetHeader(headerClientVersion),
			Platform:           c.GetHeader(headerPlatform),
			ProcessFingerprint: c.GetHeader(headerFingerprint),
			SessionID:          c.GetHeader(headerSessionID),
			Enabled:            c.GetHeader(headerEnabled) == "true",
			Environment:        c.GetHeader(headerEnvironment),
			InterpreterVersion: c.GetHeader(headerInterpreter),
			UserAgent:          c.GetHeader("User-Agent"),
		}

		if !validTelemetryHeaders(headers) {
			_ = writer.RecordEvent(models.TelemetryEvent{
				EventType: models.EventError,
				Error: &models.ErrorPayload{
					Category: "authentication",
					Code:     "telemetry_bypass_attempt",
					Message:  "request missing required telemetry headers",
				},
			})
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":       "missing or malformed telemetry headers",
				"reason_code": "telemetry_invalid",
			})
			return
		}

		c.Set("telemetry_headers", headers)
		c.Next()
	}
}

func validTelemetryHeaders(h models.TelemetryHeaders) bool {
	if h.ClientVersion == "" || h.Platform == "" || h.ProcessFingerprint == "" || h.SessionID == "" {
		return false
	}
	if h.Environment == "" || h.InterpreterVersion == "" {
		return false
	}
	if !h.Enabled {
		return false
	}
	if !strings.HasPrefix(h.UserAgent, sdkUserAgentPrefix) {
		return false
	}
	return true
}

// Recovery converts a panic in any handler into a structured 500 envelope
// and an internal-category telemetry event, rather than crashing the
// process.
func Recovery(writer *telemetry.Writer) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				_ = writer.RecordEvent(models.TelemetryEvent{
					EventType: models.EventError,
					Error: &models.ErrorPayload{
						Category: "internal",
						Code:     "panic",
						Message:  "recovered from panic",
					},
				})
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
		}()
		c.Next()
	}
}
