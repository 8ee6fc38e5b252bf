package gateway

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const gatewayVersion = "0.4.0"

//go:embed templates/*.html
var templatesFS embed.FS

// Server handles HTTP traffic for the gateway: request dispatch, on-demand
// wake, loading/error pages, the admin surface, and metrics.
type Server struct {
	backends *BackendManager
	groups   *GroupManager
	drivers  *DriverRegistry
	activity *ActivityTracker
	docker   *DockerClient // used for /_logs and for URL-less address lookup in targetAddr

	configMu      sync.RWMutex
	cfg           *GatewayConfig
	hostIndex     map[string]*ContainerConfig
	pathIndex     map[string]*ContainerConfig
	groupHostIdx  map[string]*GroupConfig
	groupPathIdx  map[string]*GroupConfig
	containerMap  map[string]*ContainerConfig
	groupMap      map[string]*GroupConfig
	trustedCIDRs  []*net.IPNet

	tmpl        *template.Template
	rateLimiter *ipRateLimiter
	httpServer  *http.Server
	uiServer    *http.Server
}

// NewServer builds a Server. docker may be nil if the runtime driver
// wasn't constructed; it is used for the Docker-specific /_logs endpoint
// and to resolve the address of backends that have no URL.
func NewServer(backends *BackendManager, groups *GroupManager, drivers *DriverRegistry, activity *ActivityTracker, docker *DockerClient, cfg *GatewayConfig) (*Server, error) {
	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse templates: %w", err)
	}

	s := &Server{
		backends:    backends,
		groups:      groups,
		drivers:     drivers,
		activity:    activity,
		docker:      docker,
		tmpl:        tmpl,
		rateLimiter: newIPRateLimiter(),
	}
	s.ReloadConfig(cfg)
	return s, nil
}

// Start listens for HTTP traffic and blocks until ctx is cancelled.
// On cancellation it performs a graceful shutdown with a 15-second deadline.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()

	// ── Functional endpoints (NOT protected by auth) ──
	mux.HandleFunc("/_health", s.handleHealth)
	mux.HandleFunc("/_logs", s.handleLogs)

	// ── Admin endpoints (protected by optional auth middleware) ──
	authCfg := &s.GetConfig().Gateway.AdminAuth
	mux.Handle("/_status", adminAuthMiddleware(
		http.HandlerFunc(s.handleStatusPage), authCfg))
	mux.Handle("/_status/api", adminAuthMiddleware(
		http.HandlerFunc(s.handleStatusAPI), authCfg))
	mux.Handle("/_status/wake", adminAuthMiddleware(
		http.HandlerFunc(s.handleStatusWake), authCfg))
	mux.Handle("/_metrics", adminAuthMiddleware(
		promhttp.Handler(), authCfg))
	mux.Handle("/api/containers/", adminAuthMiddleware(
		http.HandlerFunc(s.handleContainerAPI), authCfg))

	// ── Catch-all ──
	mux.HandleFunc("/", s.handleRequest)

	s.httpServer = &http.Server{
		Addr:         ":" + s.GetConfig().Gateway.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.rateLimiter.startCleanup(ctx, 5*time.Minute)

	errCh := make(chan error, 2)
	go func() {
		slog.Info("gateway started", "version", gatewayVersion, "port", s.GetConfig().Gateway.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	if uiPort := s.GetConfig().Gateway.UIPort; uiPort != "" {
		uiMux := http.NewServeMux()
		uiMux.Handle("/_status", adminAuthMiddleware(http.HandlerFunc(s.handleStatusPage), authCfg))
		uiMux.Handle("/_status/api", adminAuthMiddleware(http.HandlerFunc(s.handleStatusAPI), authCfg))
		uiMux.Handle("/_status/wake", adminAuthMiddleware(http.HandlerFunc(s.handleStatusWake), authCfg))
		uiMux.Handle("/_metrics", adminAuthMiddleware(promhttp.Handler(), authCfg))
		s.uiServer = &http.Server{Addr: ":" + uiPort, Handler: uiMux}
		go func() {
			slog.Info("admin UI listening", "port", uiPort)
			if err := s.uiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	const shutdownGrace = 15 * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	slog.Info("shutting down gateway", "grace_period", shutdownGrace)
	if s.uiServer != nil {
		_ = s.uiServer.Shutdown(shutdownCtx)
	}
	return s.httpServer.Shutdown(shutdownCtx)
}

// ─── Config Hot-Reload ──────────────────────────────────────────────────────

// ReloadConfig safely swaps the active configuration and rebuilds every
// routing index from it. Passed as the ConfigWatcher.onReload callback.
func (s *Server) ReloadConfig(newCfg *GatewayConfig) {
	s.configMu.Lock()
	defer s.configMu.Unlock()
	s.cfg = newCfg
	s.hostIndex = BuildHostIndex(newCfg)
	s.pathIndex = BuildPathIndex(newCfg)
	s.groupHostIdx = BuildGroupHostIndex(newCfg)
	s.groupPathIdx = BuildGroupPathIndex(newCfg)
	s.containerMap = BuildContainerMap(newCfg)
	s.groupMap = BuildGroupMap(newCfg)
	s.trustedCIDRs = parseTrustedProxies(newCfg.Gateway.TrustedProxies)
}

// GetConfig safely retrieves the current configuration.
func (s *Server) GetConfig() *GatewayConfig {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	return s.cfg
}

// ─── Request routing ────────────────────────────────────────────────────────

// firstPathSegment returns the first "/"-delimited segment of p.
func firstPathSegment(p string) string {
	p = strings.TrimPrefix(p, "/")
	if idx := strings.IndexByte(p, '/'); idx >= 0 {
		return p[:idx]
	}
	return p
}

// resolveTarget applies the three-tier dispatch match (§4.2): exact Host
// header, then first path segment, checked against containers before
// groups at each tier.
func (s *Server) resolveTarget(r *http.Request) (*ContainerConfig, *GroupConfig) {
	s.configMu.RLock()
	defer s.configMu.RUnlock()

	host := r.Host
	if cfg, ok := s.hostIndex[host]; ok {
		return cfg, nil
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if cfg, ok := s.hostIndex[host[:idx]]; ok {
			return cfg, nil
		}
	}
	if g, ok := s.groupHostIdx[host]; ok {
		return nil, g
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		if g, ok := s.groupHostIdx[host[:idx]]; ok {
			return nil, g
		}
	}

	seg := firstPathSegment(r.URL.Path)
	if seg != "" {
		if cfg, ok := s.pathIndex[seg]; ok {
			return cfg, nil
		}
		if g, ok := s.groupPathIdx[seg]; ok {
			return nil, g
		}
	}

	// Query-param fallback for local testing: ?container=my-app
	if name := r.URL.Query().Get("container"); name != "" {
		if cfg, ok := s.containerMap[name]; ok {
			return cfg, nil
		}
	}
	return nil, nil
}

// metricsResponseWriter wraps http.ResponseWriter to capture the HTTP status code.
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (m *metricsResponseWriter) WriteHeader(statusCode int) {
	m.statusCode = statusCode
	m.ResponseWriter.WriteHeader(statusCode)
}

// ─── Main handler ───────────────────────────────────────────────────────────

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/_health" || r.URL.Path == "/_logs" || strings.HasPrefix(r.URL.Path, "/_status") ||
		r.URL.Path == "/_metrics" || strings.HasPrefix(r.URL.Path, "/api/containers/") {
		http.NotFound(w, r)
		return
	}

	cfg, group := s.resolveTarget(r)
	if group != nil {
		s.handleGroupRequest(w, r, group)
		return
	}
	if cfg == nil {
		// §4.2/§6: no matching backend or group at all → 404.
		http.NotFound(w, r)
		return
	}
	if cfg.Host == "" && cfg.Path == "" {
		// A matched backend missing both routing fields is misconfigured (§4.2).
		http.Error(w, "misconfigured: backend has no host or path", http.StatusInternalServerError)
		return
	}
	if !cfg.Active {
		http.Error(w, "backend is inactive", http.StatusForbidden)
		return
	}

	start := time.Now()
	mw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
	defer func() {
		RecordRequest(cfg.Name, strconv.Itoa(mw.statusCode), time.Since(start).Seconds())
	}()

	ctx := r.Context()
	driver, ok := s.drivers.Resolve(cfg.Name)
	if !ok {
		s.serveErrorPage(mw, r, cfg, "no driver configured for this backend")
		return
	}

	if driver.IsRunning(ctx, cfg.Name) {
		if len(cfg.DependsOn) > 0 {
			if missing := s.findStoppedDep(ctx, cfg); missing != "" {
				s.backends.InitStartState(cfg.Name)
				go s.wakeWithDeps(cfg)
				s.serveLoadingPage(mw, r, cfg)
				return
			}
		}
		s.backends.RecordActivity(cfg.Name)
		s.proxyRequest(mw, r, cfg)
		return
	}

	// Not running — holding page while an async start kicks off
	// (§4.2 "holding page iff not running, proxy iff running").
	s.backends.InitStartState(cfg.Name)
	go s.wakeWithDeps(cfg)
	s.serveLoadingPage(mw, r, cfg)
}

// findStoppedDep returns the name of the first dependency of cfg that
// isn't currently running, or "" if all are up.
func (s *Server) findStoppedDep(ctx context.Context, cfg *ContainerConfig) string {
	for _, depName := range cfg.DependsOn {
		driver, ok := s.drivers.Resolve(depName)
		if !ok || !driver.IsRunning(ctx, depName) {
			return depName
		}
	}
	return ""
}

// wakeWithDeps starts cfg's dependencies (if any) then cfg itself,
// in the background.
func (s *Server) wakeWithDeps(cfg *ContainerConfig) {
	bgCtx, cancel := context.WithTimeout(context.Background(), cfg.StartTimeout+10*time.Second)
	defer cancel()
	members := s.GetConfig()
	all := BuildContainerMap(members)
	if len(cfg.DependsOn) > 0 {
		if err := s.backends.EnsureDepsRunning(bgCtx, cfg, all); err != nil {
			slog.Error("dependency start error", "backend", cfg.Name, "error", err)
			return
		}
	}
	if err := s.backends.EnsureRunning(bgCtx, cfg); err != nil {
		slog.Error("async start error", "backend", cfg.Name, "error", err)
	}
}

// handleGroupRequest handles requests routed to a backend group: picks the
// first active member with host and path set (§4.2 case (c)) and proxies
// to it, or serves the loading page while the whole group wakes.
func (s *Server) handleGroupRequest(w http.ResponseWriter, r *http.Request, group *GroupConfig) {
	if !group.Active {
		http.Error(w, "group is inactive", http.StatusForbidden)
		return
	}

	s.configMu.RLock()
	members := s.containerMap
	s.configMu.RUnlock()
	pickedCfg, ok := PickGroupMember(group, members)
	if !ok {
		http.Error(w, fmt.Sprintf("group %q has no active member with host and path set", group.Name), http.StatusInternalServerError)
		return
	}

	start := time.Now()
	mw := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
	defer func() {
		RecordRequest(pickedCfg.Name, strconv.Itoa(mw.statusCode), time.Since(start).Seconds())
	}()

	ctx := r.Context()
	driver, ok := s.drivers.Resolve(pickedCfg.Name)
	if !ok || !driver.IsRunning(ctx, pickedCfg.Name) {
		for _, mn := range group.Containers {
			s.backends.InitStartState(mn)
		}
		go func() {
			cfgSnapshot := s.GetConfig()
			members := BuildContainerMap(cfgSnapshot)
			maxTimeout := 60 * time.Second
			for _, mn := range group.Containers {
				if mc, exists := members[mn]; exists && mc.StartTimeout > maxTimeout {
					maxTimeout = mc.StartTimeout
				}
			}
			bgCtx, cancel := context.WithTimeout(context.Background(), maxTimeout+10*time.Second)
			defer cancel()
			if err := s.groups.Start(bgCtx, group, members); err != nil {
				slog.Error("group start error", "group", group.Name, "error", err)
			}
		}()
		s.serveLoadingPage(mw, r, pickedCfg)
		return
	}

	s.backends.RecordActivity(pickedCfg.Name)
	s.proxyRequest(mw, r, pickedCfg)
}

// ─── Internal endpoints ─────────────────────────────────────────────────────

// handleHealth returns {"status":"starting"|"running"|"failed","error":"..."}.
// The loading page JS polls this to know when to redirect or show inline error.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow(s.clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	cfg, _ := s.resolveTarget(r)
	if cfg == nil {
		http.Error(w, "unknown backend", http.StatusBadRequest)
		return
	}

	status, errMsg := s.backends.GetStartState(cfg.Name)
	if status == "unknown" {
		if driver, ok := s.drivers.Resolve(cfg.Name); ok && driver.IsRunning(r.Context(), cfg.Name) {
			status = "running"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": status, "error": errMsg})
}

// handleLogs returns {"lines":["..."]} with the last N log lines.
// Docker-only: virtualization backends have no equivalent yet.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow(s.clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	cfg, _ := s.resolveTarget(r)
	if cfg == nil {
		http.Error(w, "unknown backend", http.StatusBadRequest)
		return
	}
	if s.docker == nil || ParseBackendName(cfg.Name).Kind != KindRuntime {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string][]string{"lines": {}})
		return
	}

	lines, err := s.docker.GetContainerLogs(r.Context(), cfg.Name, s.GetConfig().Gateway.LogLines)
	if err != nil {
		lines = []string{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string][]string{"lines": lines})
}

// handleContainerAPI serves GET/POST /api/containers/{name}/{status,ready,start,stop}.
func (s *Server) handleContainerAPI(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow(s.clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/containers/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "expected /api/containers/{name}/{action}", http.StatusBadRequest)
		return
	}
	name, action := parts[0], parts[1]

	cfg, ok := s.containerMapLookup(name)
	if !ok {
		http.Error(w, "unknown backend", http.StatusNotFound)
		return
	}
	driver, driverOK := s.drivers.Resolve(name)

	switch action {
	case "status":
		running := driverOK && driver.IsRunning(r.Context(), name)
		resp := map[string]any{"name": name, "running": running}
		if t, ok := s.backends.GetLastSeen(name); ok {
			resp["lastActivity"] = t.UTC().Format(time.RFC3339)
		} else {
			resp["lastActivity"] = nil
		}
		writeJSON(w, resp)
	case "ready":
		writeJSON(w, map[string]any{"name": name, "ready": s.backendReady(r.Context(), cfg, driver, driverOK)})
	case "start":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.backends.InitStartState(name)
		go s.wakeWithDeps(cfg)
		writeJSON(w, map[string]any{"name": name, "accepted": true})
	case "stop":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if !driverOK {
			http.Error(w, "no driver for backend", http.StatusInternalServerError)
			return
		}
		if !s.activity.TryBeginStop(name) {
			writeJSON(w, map[string]any{"name": name, "accepted": false, "reason": "already stopping"})
			return
		}
		go func() {
			defer s.activity.EndStop(name)
			ctx, cancel := context.WithTimeout(context.Background(), initiateDeadline)
			defer cancel()
			if err := driver.Stop(ctx, name); err != nil {
				slog.Error("admin api: stop failed", "backend", name, "error", err)
			}
		}()
		writeJSON(w, map[string]any{"name": name, "accepted": true})
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
	}
}

// readyProbeTimeout bounds the upstream GET / check behind the admin
// "ready" endpoint (§6: "ready requires running ∧ upstream GET / returns
// HTTP 200 within 5s").
const readyProbeTimeout = 5 * time.Second

// backendReady reports whether cfg is both running and actually serving:
// the driver must report running, and an upstream GET / must answer 200
// within readyProbeTimeout.
func (s *Server) backendReady(ctx context.Context, cfg *ContainerConfig, driver Driver, driverOK bool) bool {
	if !driverOK || !driver.IsRunning(ctx, cfg.Name) {
		return false
	}
	addr, err := s.targetAddr(ctx, cfg)
	if err != nil {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, readyProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, "http://"+addr+"/", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Server) containerMapLookup(name string) (*ContainerConfig, bool) {
	s.configMu.RLock()
	defer s.configMu.RUnlock()
	cfg, ok := s.containerMap[name]
	return cfg, ok
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// ─── Proxy ──────────────────────────────────────────────────────────────────

// isWebSocketRequest returns true if the request is a WebSocket upgrade.
func isWebSocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// targetAddr resolves the "host:port" a backend's traffic should be
// proxied to, generalizing across driver kinds: a backend with an
// explicit URL (typical for virtualization backends, mandatory since LXC
// addressing isn't container-network based) uses that directly; a Docker
// backend without one is resolved via its container network address.
func (s *Server) targetAddr(ctx context.Context, cfg *ContainerConfig) (string, error) {
	if cfg.URL != "" {
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return "", fmt.Errorf("invalid url for backend %q: %w", cfg.Name, err)
		}
		return u.Host, nil
	}
	if s.docker == nil {
		return "", fmt.Errorf("backend %q has no url and no runtime driver is configured", cfg.Name)
	}
	ip, err := s.docker.GetContainerAddress(ctx, cfg.Name, cfg.Network)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(ip, cfg.TargetPort), nil
}

// proxyRequest forwards an HTTP (or WebSocket) request to the target backend.
func (s *Server) proxyRequest(w http.ResponseWriter, r *http.Request, cfg *ContainerConfig) {
	addr, err := s.targetAddr(r.Context(), cfg)
	if err != nil {
		s.serveErrorPage(w, r, cfg, fmt.Sprintf("networking error: %v", err))
		return
	}

	if isWebSocketRequest(r) {
		s.proxyWebSocket(w, r, addr)
		return
	}

	targetURL, _ := url.Parse("http://" + addr)
	proxy := httputil.NewSingleHostReverseProxy(targetURL)

	host, _, _ := net.SplitHostPort(addr)
	setForwardedHeaders(r, host)

	r.URL.Host = targetURL.Host
	r.URL.Scheme = targetURL.Scheme
	r.Host = targetURL.Host

	proxy.ServeHTTP(w, r)
}

// proxyWebSocket tunnels a WebSocket upgrade through a raw TCP connection.
// It hijacks the client conn and opens a new TCP connection to the backend,
// then copies bidirectionally. Generalized across driver kinds: the only
// input is the resolved backend address.
func (s *Server) proxyWebSocket(w http.ResponseWriter, r *http.Request, backendAddr string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "WebSocket proxying not supported by this server", http.StatusInternalServerError)
		return
	}

	backend, err := net.DialTimeout("tcp", backendAddr, 10*time.Second)
	if err != nil {
		http.Error(w, fmt.Sprintf("WebSocket backend unreachable: %v", err), http.StatusBadGateway)
		return
	}
	defer backend.Close()

	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer clientConn.Close()

	if err := r.Write(backend); err != nil {
		return
	}

	done := make(chan struct{}, 2)
	pipe := func(dst io.Writer, src io.Reader) {
		io.Copy(dst, src) //nolint:errcheck
		done <- struct{}{}
	}
	go pipe(backend, clientConn)
	go pipe(clientConn, backend)
	<-done
}

// setForwardedHeaders adds X-Forwarded-For, X-Real-IP and X-Forwarded-Proto
// to the outgoing request so the backend can see the original client IP.
func setForwardedHeaders(r *http.Request, serverIP string) {
	clientIP, _, _ := net.SplitHostPort(r.RemoteAddr)

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		r.Header.Set("X-Forwarded-For", clientIP)
	}

	if r.Header.Get("X-Real-IP") == "" {
		r.Header.Set("X-Real-IP", clientIP)
	}

	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	r.Header.Set("X-Forwarded-Proto", proto)
	r.Header.Set("X-Forwarded-Host", r.Host)
}

// clientIP returns the real client IP for rate-limiting purposes.
// It trusts X-Forwarded-For ONLY if RemoteAddr is from a configured trusted proxy.
func (s *Server) clientIP(r *http.Request) string {
	directIP, _, _ := net.SplitHostPort(r.RemoteAddr)

	s.configMu.RLock()
	trusted := s.trustedCIDRs
	s.configMu.RUnlock()

	if len(trusted) > 0 && isTrustedProxy(directIP, trusted) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.SplitN(xff, ",", 2)
			return strings.TrimSpace(parts[0])
		}
	}
	return directIP
}

// isTrustedProxy checks if the given IP falls within any of the trusted CIDR blocks.
func isTrustedProxy(ip string, cidrs []*net.IPNet) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, cidr := range cidrs {
		if cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

// parseTrustedProxies converts string CIDR notation into parsed IPNet structs.
func parseTrustedProxies(proxies []string) []*net.IPNet {
	var cidrs []*net.IPNet
	for _, p := range proxies {
		_, cidr, err := net.ParseCIDR(p)
		if err != nil {
			slog.Warn("invalid trusted_proxies CIDR", "cidr", p, "error", err)
			continue
		}
		cidrs = append(cidrs, cidr)
	}
	return cidrs
}

// validateOrigin blocks cross-origin POST requests from browsers.
// Requests without an Origin header (curl, scripts) are allowed through.
func validateOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser client
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return parsed.Host == r.Host
}

// ─── Template data structs ──────────────────────────────────────────────────

type loadingData struct {
	ContainerName string
	RequestID     string
	RequestPath   string
	RedirectPath  string
	StartTimeout  string
}

type errorData struct {
	ContainerName string
	Error         string
	RequestID     string
	RequestPath   string
}

type statusPageData struct {
	Version string
}

type statusContainerJSON struct {
	Name         string  `json:"name"`
	Host         string  `json:"host"`
	Status       string  `json:"status"`
	StartState   string  `json:"start_state"`
	Icon         string  `json:"icon"`
	TargetPort   string  `json:"target_port"`
	StartTimeout string  `json:"start_timeout"`
	IdleTimeout  string  `json:"idle_timeout"`
	StartedAt    *string `json:"started_at,omitempty"`
	LastRequest  *string `json:"last_request,omitempty"`
	Network      string  `json:"network"`
}

type statusAPIResponse struct {
	Containers []statusContainerJSON `json:"containers"`
	UpdatedAt  string                `json:"updated_at"`
}

func requestID(prefix string) string {
	return fmt.Sprintf("%s-%x", prefix, time.Now().UnixNano()%0xFFFFFF)
}

func (s *Server) serveLoadingPage(w http.ResponseWriter, r *http.Request, cfg *ContainerConfig) {
	data := loadingData{
		ContainerName: cfg.Name,
		RequestID:     requestID("req"),
		RequestPath:   r.URL.Path,
		RedirectPath:  cfg.RedirectPath,
		StartTimeout:  cfg.StartTimeout.String(),
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "loading.html", data); err != nil {
		slog.Error("template render failed", "template", "loading", "error", err)
	}
}

func (s *Server) serveErrorPage(w http.ResponseWriter, r *http.Request, cfg *ContainerConfig, errMsg string) {
	data := errorData{
		ContainerName: cfg.Name,
		Error:         errMsg,
		RequestID:     requestID("err"),
		RequestPath:   r.URL.Path,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadGateway)
	if err := s.tmpl.ExecuteTemplate(w, "error.html", data); err != nil {
		slog.Error("template render failed", "template", "error", "error", err)
	}
}

// ─── Status dashboard handlers ──────────────────────────────────────────────

// handleStatusPage serves the status dashboard HTML page.
func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	data := statusPageData{Version: gatewayVersion}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := s.tmpl.ExecuteTemplate(w, "status.html", data); err != nil {
		slog.Error("template render failed", "template", "status", "error", err)
		http.Error(w, "Failed to render status page", http.StatusInternalServerError)
	}
}

// handleStatusAPI returns a JSON snapshot of all managed backends.
// Polled every ~5s by the status dashboard JS.
func (s *Server) handleStatusAPI(w http.ResponseWriter, r *http.Request) {
	if !s.rateLimiter.Allow(s.clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	ctx := r.Context()
	cfg := s.GetConfig()
	result := statusAPIResponse{
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
		Containers: make([]statusContainerJSON, 0, len(cfg.Containers)),
	}

	for i := range cfg.Containers {
		c := &cfg.Containers[i]
		entry := statusContainerJSON{
			Name:         c.Name,
			Host:         c.Host,
			Icon:         c.Icon,
			TargetPort:   c.TargetPort,
			StartTimeout: c.StartTimeout.String(),
			IdleTimeout:  c.IdleTimeout.String(),
			Network:      c.Network,
		}

		startState, _ := s.backends.GetStartState(c.Name)
		entry.StartState = startState

		if driver, ok := s.drivers.Resolve(c.Name); ok {
			if driver.IsRunning(ctx, c.Name) {
				entry.Status = "running"
			} else {
				entry.Status = "stopped"
			}
			if t, ok := driver.StartedAt(ctx, c.Name); ok {
				ts := t.UTC().Format(time.RFC3339)
				entry.StartedAt = &ts
			}
		} else {
			entry.Status = "unknown"
		}

		if t, ok := s.backends.GetLastSeen(c.Name); ok {
			ts := t.UTC().Format(time.RFC3339)
			entry.LastRequest = &ts
		}

		result.Containers = append(result.Containers, entry)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// handleStatusWake triggers a backend start from the dashboard.
func (s *Server) handleStatusWake(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !validateOrigin(r) {
		http.Error(w, "cross-origin request blocked", http.StatusForbidden)
		return
	}
	if !s.rateLimiter.Allow(s.clientIP(r)) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	name := r.URL.Query().Get("container")
	if name == "" {
		http.Error(w, "missing container parameter", http.StatusBadRequest)
		return
	}

	targetCfg, ok := s.containerMapLookup(name)
	if !ok {
		http.Error(w, "unknown container", http.StatusBadRequest)
		return
	}

	s.backends.InitStartState(targetCfg.Name)
	go s.wakeWithDeps(targetCfg)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}
