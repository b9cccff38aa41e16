package metrics

import (
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// HTTPMetrics exposes basic HTTP request metrics
type HTTPMetrics struct {
	Requests *prometheus.CounterVec
	Duration *prometheus.HistogramVec
	// path normalization / cardinality controls
	pathAllowlist []string
	pathRegexps   []*regexp.Regexp
	pathMode      string
}

func NewHTTPMetrics(reg prometheus.Registerer, service string) *HTTPMetrics {
	sub := strings.NewReplacer("-", "_", " ", "_").Replace(service)
	return &HTTPMetrics{
		Requests: register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: Namespace, Subsystem: sub, Name: "http_requests_total", Help: "HTTP requests by method, path and status class."},
			[]string{"method", "path", "code"},
		)),
		Duration: register(reg, prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: Namespace, Subsystem: sub, Name: "http_request_duration_seconds", Help: "HTTP request duration seconds by method and path.", Buckets: prometheus.DefBuckets},
			[]string{"method", "path"},
		)),
		pathAllowlist: allowlistFromEnv(service, []string{"/healthz", "/metrics"}),
		pathRegexps:   regexAllowlistFromEnv(service),
		pathMode:      pathModeFromEnv(service),
	}
}

// statusRecorder wraps ResponseWriter to capture the final status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		p := normalizePath(r.URL.Path, m.pathAllowlist, m.pathRegexps, m.pathMode)
		m.Requests.WithLabelValues(r.Method, p, statusClass(sr.status)).Inc()
		m.Duration.WithLabelValues(r.Method, p).Observe(time.Since(start).Seconds())
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// normalizePath reduces path cardinality by:
// - keeping allowlisted prefixes and regex matches as-is
// - replacing segments that look like ids (hex, uuid, digits) with :id
// - or collapsing everything else to ":other" in strict mode
func normalizePath(path string, allow []string, rxps []*regexp.Regexp, mode string) string {
	if path == "" {
		return "/"
	}
	for _, pref := range allow {
		if pref != "" && strings.HasPrefix(path, pref) {
			return path
		}
	}
	for _, rx := range rxps {
		if rx != nil && rx.MatchString(path) {
			return path
		}
	}
	if strings.EqualFold(mode, "strict") {
		return ":other"
	}
	segs := strings.Split(path, "/")
	for i, s := range segs {
		if s != "" && looksLikeID(s) {
			segs[i] = ":id"
		}
	}
	np := strings.Join(segs, "/")
	if !strings.HasPrefix(np, "/") {
		np = "/" + np
	}
	return np
}

func looksLikeID(s string) bool {
	if len(s) >= 8 {
		hex := true
		for i := 0; i < len(s); i++ {
			c := s[i]
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') || c == '-') {
				hex = false
				break
			}
		}
		if hex {
			return true
		}
	}
	digits := true
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			digits = false
			break
		}
	}
	return digits && len(s) > 3
}

func envName(service, suffix string) string {
	s := strings.ToUpper(strings.NewReplacer("-", "_", " ", "_").Replace(service))
	return s + "_" + suffix
}

// allowlistFromEnv reads <SERVICE>_HTTP_PATH_ALLOWLIST (comma-separated),
// falling back to HTTP_PATH_ALLOWLIST.
func allowlistFromEnv(service string, def []string) []string {
	if v := os.Getenv(envName(service, "HTTP_PATH_ALLOWLIST")); v != "" {
		return splitCSV(v)
	}
	if v := os.Getenv("HTTP_PATH_ALLOWLIST"); v != "" {
		return splitCSV(v)
	}
	return def
}

func splitCSV(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func regexAllowlistFromEnv(service string) []*regexp.Regexp {
	v := os.Getenv(envName(service, "HTTP_PATH_REGEX"))
	if v == "" {
		v = os.Getenv("HTTP_PATH_REGEX")
	}
	var out []*regexp.Regexp
	for _, p := range splitCSV(v) {
		if rx, err := regexp.Compile(p); err == nil {
			out = append(out, rx)
		}
	}
	return out
}

func pathModeFromEnv(service string) string {
	if v := os.Getenv(envName(service, "HTTP_PATH_MODE")); v != "" {
		return v
	}
	return os.Getenv("HTTP_PATH_MODE")
}
