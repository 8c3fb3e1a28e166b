package webhook

import (
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
)

// completionProxy forwards /api/chat/* to the completion backend for
// sessions that currently have access
func (s *Server) completionProxy(target string) (http.Handler, error) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid completion url %q", target)
	}

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(u)
			pr.Out.URL.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(pr.In.URL.Path, "/api/chat/")
			pr.Out.URL.RawPath = ""
			pr.Out.Header.Del("X-Session-ID")
			pr.SetXForwarded()
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			s.log.Warn("completion backend", "error", err)
			writeError(w, http.StatusBadGateway, "completion backend unavailable")
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-Session-ID")
		if raw == "" {
			raw = r.URL.Query().Get("sessionId")
		}

		id, err := ValidateSessionID(raw)
		if err != nil {
			id = ""
		}

		decision := s.deps.Sessions.Check(r.Context(), id)
		if !decision.Granted {
			writeJSON(w, http.StatusPaymentRequired, decision)
			return
		}
		proxy.ServeHTTP(w, r)
	}), nil
}
