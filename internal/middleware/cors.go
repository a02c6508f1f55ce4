package middleware

import (
	"net/http"
	"strconv"
	"strings"
)

const corsMaxAge = 86400 // 24 hours

var (
	corsAllowMethods = strings.Join([]string{"GET", "POST", "OPTIONS"}, ", ")
	corsAllowHeaders = strings.Join([]string{"Authorization", "Content-Type", "Accept", "X-Client-Info", "X-Requested-With"}, ", ")
)

// CORSMiddleware answers preflights and sets CORS headers for the phone
// page and desktop web client, which are served from other origins.
type CORSMiddleware struct {
	allowAll bool
	origins  map[string]bool
}

func NewCORSMiddleware(allowedOrigins []string) *CORSMiddleware {
	m := &CORSMiddleware{origins: make(map[string]bool)}
	for _, o := range allowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			m.allowAll = true
			continue
		}
		if o != "" {
			m.origins[o] = true
		}
	}
	return m
}

func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			switch {
			case m.allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case m.origins[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", corsAllowMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsAllowHeaders)
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(corsMaxAge))
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
