package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy defines the CORS headers to emit for matching origins.
// An origin entry may be "*", an exact origin, or a subdomain wildcard such
// as "https://*.services.gov".
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

type corsRules struct {
	any         bool
	exact       map[string]struct{}
	suffixes    []originSuffix
	credentials bool
	headers     map[string]string
}

type originSuffix struct {
	scheme string
	suffix string
}

// WithCORS answers preflights and decorates responses for allowed origins.
// With no AllowedOrigins it is a no-op.
func WithCORS(cfg CORSPolicy) Middleware {
	rules := compileCORS(cfg)
	if rules == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			h := w.Header()
			h.Add("Vary", "Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			preflight := r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""

			allowed, ok := rules.allow(origin)
			if !ok {
				if preflight {
					WriteError(w, http.StatusForbidden, "cors_forbidden", "origin not allowed")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			h.Set("Access-Control-Allow-Origin", allowed)
			if rules.credentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
			h.Set("Access-Control-Expose-Headers", RequestIDHeader)
			if preflight {
				for k, v := range rules.headers {
					h.Set(k, v)
				}
				h.Add("Vary", "Access-Control-Request-Method")
				h.Add("Vary", "Access-Control-Request-Headers")
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func compileCORS(cfg CORSPolicy) *corsRules {
	rules := &corsRules{
		exact:       map[string]struct{}{},
		credentials: cfg.AllowCredentials,
		headers:     map[string]string{},
	}
	count := 0
	for _, raw := range cfg.AllowedOrigins {
		o := strings.ToLower(strings.TrimSpace(raw))
		switch {
		case o == "":
			continue
		case o == "*":
			rules.any = true
		case strings.Contains(o, "://*."):
			scheme, host, _ := strings.Cut(o, "://*")
			rules.suffixes = append(rules.suffixes, originSuffix{scheme: scheme + "://", suffix: host})
		default:
			rules.exact[o] = struct{}{}
		}
		count++
	}
	if count == 0 {
		return nil
	}
	if methods := joinTrimmed(cfg.AllowedMethods); methods != "" {
		rules.headers["Access-Control-Allow-Methods"] = methods
	}
	if headers := joinTrimmed(cfg.AllowedHeaders); headers != "" {
		rules.headers["Access-Control-Allow-Headers"] = headers
	}
	if secs := int(cfg.MaxAge.Seconds()); secs > 0 {
		rules.headers["Access-Control-Max-Age"] = strconv.Itoa(secs)
	}
	return rules
}

// allow returns the Access-Control-Allow-Origin value for origin. A credentialed
// policy never answers "*", browsers reject that combination.
func (c *corsRules) allow(origin string) (string, bool) {
	lower := strings.ToLower(origin)
	if _, ok := c.exact[lower]; ok {
		return origin, true
	}
	for _, s := range c.suffixes {
		if strings.HasPrefix(lower, s.scheme) && strings.HasSuffix(lower, s.suffix) &&
			len(lower) > len(s.scheme)+len(s.suffix) {
			return origin, true
		}
	}
	if c.any {
		if c.credentials {
			return origin, true
		}
		return "*", true
	}
	return "", false
}

func joinTrimmed(values []string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return strings.Join(out, ", ")
}
