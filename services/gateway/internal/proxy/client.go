package proxy

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"secumsg/internal/httpx"

	"github.com/prometheus/client_golang/prometheus"
)

// Upstream forwards gateway requests to one backend service, keeping the
// request path.
type Upstream struct {
	name    string
	base    *url.URL
	hc      *http.Client
	debug   bool
	metrics Metrics
}

// Metrics are optional collectors labelled (upstream, status) and (upstream).
type Metrics struct {
	Requests  *prometheus.CounterVec
	Durations *prometheus.HistogramVec
}

func New(name, baseURL string, timeout time.Duration, debug bool, m Metrics) (*Upstream, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, err
	}
	return &Upstream{
		name: name,
		base: base,
		hc: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		debug:   debug,
		metrics: m,
	}, nil
}

// Forward relays the request body and headers to the same path on the
// upstream. Request bodies are never logged.
func (u *Upstream) Forward() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logAttrs := append(httpx.LogAttrs(r.Context()), "upstream", u.name)

		target := *u.base
		target.Path = u.base.Path + r.URL.Path
		target.RawQuery = r.URL.RawQuery

		req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
		if err != nil {
			httpx.WriteError(w, http.StatusBadGateway, "bad upstream request")
			return
		}
		req.Header = make(http.Header, len(r.Header))
		for k, vs := range r.Header {
			switch strings.ToLower(k) {
			case "connection", "keep-alive", "proxy-connection", "transfer-encoding",
				"upgrade", "te", "trailer", "content-length", "host":
				continue
			}
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.ContentLength = r.ContentLength
		if rid := httpx.RequestIDFromContext(r.Context()); rid != "" {
			req.Header.Set("X-Request-ID", rid)
		}
		if tid := httpx.TraceIDFromContext(r.Context()); tid != "" {
			req.Header.Set("X-Trace-ID", tid)
		}
		setForwardedFor(req.Header, r)

		resp, err := u.hc.Do(req)
		if err != nil {
			u.observe("error", start)
			slog.Warn("proxy upstream unavailable", append(logAttrs, "error", err)...)
			httpx.WriteError(w, http.StatusBadGateway, "upstream unavailable")
			return
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		var bodyBuf []byte
		var body io.Reader = resp.Body
		if resp.StatusCode >= 400 && u.debug {
			bodyBuf, _ = io.ReadAll(io.LimitReader(resp.Body, 2048))
			body = io.MultiReader(bytes.NewReader(bodyBuf), resp.Body)
		}

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, body)

		u.observe(strconv.Itoa(resp.StatusCode/100)+"xx", start)
		slog.Info("proxy request",
			append(logAttrs, "method", r.Method, "path", r.URL.Path, "status", resp.StatusCode, "duration", time.Since(start))...)
		if len(bodyBuf) > 0 {
			trim := strings.TrimSpace(string(bodyBuf))
			if len(trim) > 500 {
				trim = trim[:500] + "...(truncated)"
			}
			slog.Debug("proxy upstream error body", append(logAttrs, "status", resp.StatusCode, "body", trim)...)
		}
	}
}

// WebSocket relays an upgrade request to the upstream's /ws endpoint.
// Authentication happens in-band on the upstream.
func (u *Upstream) WebSocket() http.Handler {
	rp := httputil.NewSingleHostReverseProxy(u.base)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		slog.Warn("websocket proxy error", append(httpx.LogAttrs(r.Context()), "upstream", u.name, "error", err)...)
		httpx.WriteError(w, http.StatusBadGateway, "upstream unavailable")
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpx.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			httpx.WriteError(w, http.StatusBadRequest, "websocket upgrade required")
			return
		}
		rp.ServeHTTP(w, r)
	})
}

func (u *Upstream) observe(status string, start time.Time) {
	if u.metrics.Requests != nil {
		u.metrics.Requests.WithLabelValues(u.name, status).Inc()
	}
	if u.metrics.Durations != nil {
		u.metrics.Durations.WithLabelValues(u.name).Observe(time.Since(start).Seconds())
	}
}

func setForwardedFor(h http.Header, r *http.Request) {
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	if host == "" {
		host = r.RemoteAddr
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		h.Set("X-Forwarded-For", xff+", "+host)
		return
	}
	h.Set("X-Forwarded-For", host)
}
