package gateway

import (
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Equal reports whether two GatewayConfig values are semantically identical.
// Used by DiscoveryManager and the ConfigWatcher to skip no-op reloads.
func (c *GatewayConfig) Equal(other *GatewayConfig) bool {
	if c == nil || other == nil {
		return c == other
	}
	return reflect.DeepEqual(c, other)
}

// GatewayConfig is the top-level config structure parsed from config.yaml.
type GatewayConfig struct {
	Gateway GlobalConfig      `yaml:"gateway"`
	Containers []ContainerConfig `yaml:"containers"`
	// Order is the declared backend ordering (admin UI display only;
	// the engine itself does not depend on it for correctness).
	Order      []string         `yaml:"order"`
	Groups     []GroupConfig    `yaml:"groups"`
	GroupOrder []string         `yaml:"groupOrder"`
	Schedules  []ScheduleConfig `yaml:"schedules"`
	APIKeys    APIKeysConfig    `yaml:"apiKeys"`
}

// GroupConfig is an ordered collection of backend names whose lifecycle
// operations apply atomically. "Containers" accepts either a single
// scalar name or a list in the YAML document (see StringOrSlice).
type GroupConfig struct {
	Name string `yaml:"name"`
	// Host is the incoming Host header that routes to this group.
	Host string `yaml:"host"`
	// Path satisfies Validate's host-or-path requirement. The path tier of
	// dispatch matches the first segment against the group's Name
	// (BuildGroupPathIndex), not against this field.
	Path string `yaml:"path"`
	// Active mirrors ContainerConfig.Active: a group that is inactive is
	// never auto-started and is exempt from the group-idle predicate.
	Active bool `yaml:"active"`
	// IdleTimeout, if non-zero, enables the group-idle predicate (§4.4).
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// Strategy is parsed and defaulted (default: "round-robin"), but dispatch
	// does not consult it: group requests always go to the first eligible
	// member (PickGroupMember).
	Strategy string `yaml:"strategy"`
	// Containers is the ordered list of member backend names.
	Containers StringOrSlice `yaml:"containers"`
}

// StringOrSlice normalizes a YAML scalar-or-list field into []string at
// load time (Design Notes: "mixed-shape group membership").
type StringOrSlice []string

func (s *StringOrSlice) UnmarshalYAML(value *yaml.Node) error {
	var list []string
	if err := value.Decode(&list); err == nil {
		*s = list
		return nil
	}
	var single string
	if err := value.Decode(&single); err != nil {
		return fmt.Errorf("containers: expected a string or list of strings: %w", err)
	}
	*s = []string{single}
	return nil
}

// ScheduleConfig is a wall-clock rule that triggers unconditional start/stop
// actions against a backend or group, independent of idle-timeout logic.
type ScheduleConfig struct {
	// Target is the backend or group name this rule applies to.
	Target string `yaml:"target"`
	// TargetType selects which namespace Target is resolved against.
	TargetType string  `yaml:"targetType"` // "container" or "group"
	Timers     []Timer `yaml:"timers"`
}

// Timer is a single day-of-week + HH:MM start/stop rule.
type Timer struct {
	// Days is the set of weekdays this timer fires on, 0 = Sunday.
	Days      []int  `yaml:"days"`
	StartTime string `yaml:"startTime"` // "HH:MM"
	StopTime  string `yaml:"stopTime"`  // "HH:MM"
	Active    bool   `yaml:"active"`
}

// AdminAuthConfig holds optional authentication settings for admin endpoints
// (/_status/*, /_metrics, /api/*). When Method is "none" (the default), no
// authentication is enforced and the gateway behaves exactly as before this
// feature.
type AdminAuthConfig struct {
	// Method is the authentication scheme: "none", "basic", or "bearer".
	// Default: "none". Overridable via ADMIN_AUTH_METHOD env var.
	Method string `yaml:"method"`
	// Username is required when Method is "basic". Overridable via ADMIN_AUTH_USERNAME.
	Username string `yaml:"username"`
	// Password is required when Method is "basic". Overridable via ADMIN_AUTH_PASSWORD.
	Password string `yaml:"password"`
	// Token is required when Method is "bearer". Overridable via ADMIN_AUTH_TOKEN.
	Token string `yaml:"token"`
}

// PVEConfig configures the virtualization (Proxmox) driver. A nil/zero
// value disables the driver entirely — backends whose name resolves to
// the virtualization shape will then fail to start.
type PVEConfig struct {
	Hostname string `yaml:"hostname"`
	Port     int    `yaml:"port"`
	Node     string `yaml:"node"`
	User     string `yaml:"user"`
	TokenID  string `yaml:"tokenId"`
	Token    string `yaml:"token"`
}

// Enabled reports whether enough information is present to construct a
// virtualization driver.
func (p *PVEConfig) Enabled() bool {
	return p != nil && p.Hostname != "" && p.User != "" && p.TokenID != "" && p.Token != ""
}

// APIKeysConfig holds credentials for external control-plane APIs.
type APIKeysConfig struct {
	PVE *PVEConfig `yaml:"pve"`
}

// GlobalConfig holds gateway-wide settings.
type GlobalConfig struct {
	// Port the gateway listens on (default: "10000"). Overridable via PORT.
	Port string `yaml:"port"`
	// UIPort, when non-empty, starts a companion admin HTTP server on this
	// port; the admin endpoints remain on the main listener as well.
	// Overridable via UI_PORT.
	UIPort string `yaml:"ui_port"`
	// LogLines is the number of container log lines returned by /_logs (default: 30)
	LogLines int `yaml:"log_lines"`
	// TrustedProxies is a list of CIDR blocks (e.g. "10.0.0.0/8") whose
	// X-Forwarded-For header is trusted for rate-limiting purposes.
	// If empty, the gateway always uses RemoteAddr. (default: [])
	TrustedProxies []string `yaml:"trusted_proxies"`
	// DiscoveryInterval controls how often Docker labels are polled for
	// auto-discovery. Overridable via DISCOVERY_INTERVAL env var. (default: 15s)
	DiscoveryInterval time.Duration `yaml:"discovery_interval"`
	// ReaperInterval controls how often the idle reaper sweeps. (default: 10s)
	ReaperInterval time.Duration `yaml:"reaper_interval"`
	// SchedulerInterval controls the scheduler tick cadence. (default: 59s)
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	// AdminAuth configures optional authentication for admin endpoints.
	AdminAuth AdminAuthConfig `yaml:"admin_auth"`
}

// ContainerConfig holds per-backend settings. A Name of the shape
// "label:vmid@node" selects the virtualization driver; any other shape
// selects the runtime (Docker) driver — see ParseBackendName.
type ContainerConfig struct {
	// Name is the unique backend identifier managed by the driver.
	Name string `yaml:"name"`
	// FriendlyName is display-only.
	FriendlyName string `yaml:"friendly_name"`
	// Host is the incoming Host header to match (e.g. "myapp.localhost").
	Host string `yaml:"host"`
	// Path is an optional first-path-segment key, used when Host matching fails.
	Path string `yaml:"path"`
	// URL is the upstream origin to forward traffic to. For runtime
	// backends this is usually derived at request time from the
	// container's network address; for virtualization backends it is
	// the authoritative target since LXC addressing isn't container-network
	// based.
	URL string `yaml:"url"`
	// TargetPort is the port on the backend to proxy to (default: "80")
	TargetPort string `yaml:"target_port"`
	// StartTimeout is the maximum time to wait for the backend to start.
	// After this duration the error page is shown. (default: 60s)
	StartTimeout time.Duration `yaml:"start_timeout"`
	// IdleTimeout is how long the backend may be idle (no incoming requests)
	// before it is automatically stopped. 0 means never auto-stop. (default: 0)
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// Active gates auto-start: a backend with Active=false is never
	// started by the dispatcher, reaper, or scheduler and returns 403.
	Active bool `yaml:"active"`
	// ActivatedAt is the instant Active most recently transitioned to
	// true; nil means it has never been observed active. Set by the
	// config watcher on first observation (see Open Question in
	// SPEC_FULL.md §9) and preserved across reloads thereafter.
	ActivatedAt *time.Time `yaml:"-"`
	// Network is an optional Docker network name. When set, GetContainerAddress
	// will look up the container IP on this specific network. If empty, the
	// first available network is used. (default: "")
	Network string `yaml:"network"`
	// RedirectPath is the URL path the browser is sent to once the backend is
	// running. Useful when the web UI is not at "/". (default: "/")
	RedirectPath string `yaml:"redirect_path"`
	// Icon is an optional Simple Icons slug (e.g. "nginx", "redis", "postgresql").
	Icon string `yaml:"icon"`
	// HealthPath is an optional HTTP endpoint (e.g. "/health") called instead
	// of a raw TCP dial to confirm backend readiness. (default: "")
	HealthPath string `yaml:"health_path"`
	// DependsOn lists backend names that must be running before this one starts.
	DependsOn []string `yaml:"depends_on"`
}

// LoadConfig reads and parses the YAML config file.
// The path is taken from the CONFIG_PATH env var (default: /etc/gateway/config.yaml).
func LoadConfig() (*GatewayConfig, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "/etc/gateway/config.yaml"
	}
	return LoadConfigFile(path)
}

// LoadConfigFile parses the YAML document at path, applying defaults, env
// var overrides, and validation. Exposed separately from LoadConfig so the
// ConfigWatcher can re-parse the same path on every file-change event.
func LoadConfigFile(path string) (*GatewayConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	var cfg GatewayConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %q: %w", path, err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets environment variables override YAML / default values.
func applyEnvOverrides(cfg *GatewayConfig) {
	if envPort := os.Getenv("PORT"); envPort != "" {
		cfg.Gateway.Port = envPort
	}
	if envUIPort := os.Getenv("UI_PORT"); envUIPort != "" {
		cfg.Gateway.UIPort = envUIPort
	}
	if envInterval := os.Getenv("DISCOVERY_INTERVAL"); envInterval != "" {
		if d, err := time.ParseDuration(envInterval); err == nil {
			cfg.Gateway.DiscoveryInterval = d
		} else {
			slog.Warn("invalid DISCOVERY_INTERVAL env var, using default", "value", envInterval, "error", err)
		}
	}
	if envMethod := os.Getenv("ADMIN_AUTH_METHOD"); envMethod != "" {
		cfg.Gateway.AdminAuth.Method = envMethod
	}
	if envUser := os.Getenv("ADMIN_AUTH_USERNAME"); envUser != "" {
		cfg.Gateway.AdminAuth.Username = envUser
	}
	if envPass := os.Getenv("ADMIN_AUTH_PASSWORD"); envPass != "" {
		cfg.Gateway.AdminAuth.Password = envPass
	}
	if envToken := os.Getenv("ADMIN_AUTH_TOKEN"); envToken != "" {
		cfg.Gateway.AdminAuth.Token = envToken
	}

	if envHost := os.Getenv("PVE_HOSTNAME"); envHost != "" {
		if cfg.APIKeys.PVE == nil {
			cfg.APIKeys.PVE = &PVEConfig{}
		}
		cfg.APIKeys.PVE.Hostname = envHost
	}
	if cfg.APIKeys.PVE != nil {
		if envPort := os.Getenv("PVE_PORT"); envPort != "" {
			if p, err := strconv.Atoi(envPort); err == nil {
				cfg.APIKeys.PVE.Port = p
			}
		}
		if envNode := os.Getenv("PVE_NODE"); envNode != "" {
			cfg.APIKeys.PVE.Node = envNode
		}
		if envUser := os.Getenv("PVE_USER"); envUser != "" {
			cfg.APIKeys.PVE.User = envUser
		}
		if envTokenID := os.Getenv("PVE_TOKEN_ID"); envTokenID != "" {
			cfg.APIKeys.PVE.TokenID = envTokenID
		}
		if envToken := os.Getenv("PVE_TOKEN"); envToken != "" {
			cfg.APIKeys.PVE.Token = envToken
		}
	}
}

// Validate checks if the loaded configuration is valid.
func (c *GatewayConfig) Validate() error {
	if c.Gateway.Port == "" {
		return fmt.Errorf("gateway.port cannot be empty")
	}

	switch c.Gateway.AdminAuth.Method {
	case "", "none":
		// ok — no authentication
	case "basic":
		if c.Gateway.AdminAuth.Username == "" || c.Gateway.AdminAuth.Password == "" {
			return fmt.Errorf("admin_auth: method=basic requires non-empty username and password")
		}
	case "bearer":
		if c.Gateway.AdminAuth.Token == "" {
			return fmt.Errorf("admin_auth: method=bearer requires non-empty token")
		}
	default:
		return fmt.Errorf("admin_auth: unknown method %q (allowed: none, basic, bearer)",
			c.Gateway.AdminAuth.Method)
	}

	seenNames := make(map[string]bool)
	seenHosts := make(map[string]bool)

	nameSet := make(map[string]bool, len(c.Containers))
	for _, ctr := range c.Containers {
		nameSet[ctr.Name] = true
	}

	groupMembers := make(map[string]bool)
	for _, g := range c.Groups {
		for _, cn := range g.Containers {
			groupMembers[cn] = true
		}
	}

	depTargets := make(map[string]bool)
	for _, ctr := range c.Containers {
		for _, dep := range ctr.DependsOn {
			depTargets[dep] = true
		}
	}

	for i, ctr := range c.Containers {
		if ctr.Name == "" {
			return fmt.Errorf("container #%d is missing required field 'name'", i+1)
		}

		// Host/Path is required only if the container is NOT solely a
		// group member or dependency.
		needsRoute := !groupMembers[ctr.Name] && !depTargets[ctr.Name]
		if ctr.Host == "" && ctr.Path == "" && needsRoute {
			return fmt.Errorf("container %q is missing required field 'host' or 'path'", ctr.Name)
		}
		if ctr.TargetPort == "" && ctr.URL == "" {
			return fmt.Errorf("container %q is missing required field 'target_port'", ctr.Name)
		}

		if seenNames[ctr.Name] {
			return fmt.Errorf("duplicate container name found: %q", ctr.Name)
		}
		seenNames[ctr.Name] = true

		if ctr.Host != "" {
			if seenHosts[ctr.Host] {
				return fmt.Errorf("duplicate host mapped: %q (in container %q)", ctr.Host, ctr.Name)
			}
			seenHosts[ctr.Host] = true
		}

		for _, dep := range ctr.DependsOn {
			if !nameSet[dep] {
				return fmt.Errorf("container %q depends on unknown container %q", ctr.Name, dep)
			}
			if dep == ctr.Name {
				return fmt.Errorf("container %q cannot depend on itself", ctr.Name)
			}
		}
	}

	seenGroupNames := make(map[string]bool)
	for i, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("group #%d is missing required field 'name'", i+1)
		}
		if g.Host == "" && g.Path == "" {
			return fmt.Errorf("group %q is missing required field 'host' or 'path'", g.Name)
		}
		if len(g.Containers) == 0 {
			return fmt.Errorf("group %q has no containers", g.Name)
		}
		if seenGroupNames[g.Name] {
			return fmt.Errorf("duplicate group name found: %q", g.Name)
		}
		seenGroupNames[g.Name] = true

		if g.Host != "" {
			if seenHosts[g.Host] {
				return fmt.Errorf("group %q host %q conflicts with an existing host", g.Name, g.Host)
			}
			seenHosts[g.Host] = true
		}

		for _, cn := range g.Containers {
			if !nameSet[cn] {
				return fmt.Errorf("group %q references unknown container %q", g.Name, cn)
			}
		}
	}

	for i, s := range c.Schedules {
		switch s.TargetType {
		case "container":
			if !nameSet[s.Target] {
				return fmt.Errorf("schedule #%d targets unknown container %q", i+1, s.Target)
			}
		case "group":
			if !seenGroupNames[s.Target] {
				return fmt.Errorf("schedule #%d targets unknown group %q", i+1, s.Target)
			}
		default:
			return fmt.Errorf("schedule #%d has invalid targetType %q (want 'container' or 'group')", i+1, s.TargetType)
		}
		for j, t := range s.Timers {
			if _, err := time.Parse("15:04", t.StartTime); err != nil {
				return fmt.Errorf("schedule #%d timer #%d has invalid startTime %q", i+1, j+1, t.StartTime)
			}
			if _, err := time.Parse("15:04", t.StopTime); err != nil {
				return fmt.Errorf("schedule #%d timer #%d has invalid stopTime %q", i+1, j+1, t.StopTime)
			}
			for _, d := range t.Days {
				if d < 0 || d > 6 {
					return fmt.Errorf("schedule #%d timer #%d has invalid weekday %d (want 0-6)", i+1, j+1, d)
				}
			}
		}
	}

	if err := detectDependencyCycles(c.Containers); err != nil {
		return err
	}

	return nil
}

// detectDependencyCycles performs a DFS-based cycle check on the depends_on graph.
func detectDependencyCycles(containers []ContainerConfig) error {
	deps := make(map[string][]string, len(containers))
	for _, c := range containers {
		deps[c.Name] = c.DependsOn
	}

	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(containers))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		if state[name] == visited {
			return nil
		}
		if state[name] == visiting {
			return fmt.Errorf("dependency cycle detected: %s → %s",
				joinPath(path), name)
		}
		state[name] = visiting
		for _, dep := range deps[name] {
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = visited
		return nil
	}

	for _, c := range containers {
		if state[c.Name] == unvisited {
			if err := visit(c.Name, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// joinPath joins a cycle path for human-readable error messages.
func joinPath(path []string) string {
	result := ""
	for i, p := range path {
		if i > 0 {
			result += " → "
		}
		result += p
	}
	return result
}

// applyDefaults fills in sensible defaults for any unset field.
func applyDefaults(cfg *GatewayConfig) {
	if cfg.Gateway.Port == "" {
		cfg.Gateway.Port = "10000"
	}
	if cfg.Gateway.LogLines == 0 {
		cfg.Gateway.LogLines = 30
	}
	if cfg.Gateway.DiscoveryInterval == 0 {
		cfg.Gateway.DiscoveryInterval = 15 * time.Second
	}
	if cfg.Gateway.ReaperInterval == 0 {
		cfg.Gateway.ReaperInterval = 10 * time.Second
	}
	if cfg.Gateway.SchedulerInterval == 0 {
		cfg.Gateway.SchedulerInterval = 59 * time.Second
	}
	if cfg.Gateway.AdminAuth.Method == "" {
		cfg.Gateway.AdminAuth.Method = "none"
	}

	for i := range cfg.Containers {
		c := &cfg.Containers[i]
		if c.TargetPort == "" && c.URL == "" {
			c.TargetPort = "80"
		}
		if c.StartTimeout == 0 {
			c.StartTimeout = 60 * time.Second
		}
		// IdleTimeout 0 means "never auto-stop" — no default override needed
		if c.RedirectPath == "" {
			c.RedirectPath = "/"
		}
		if c.Icon == "" {
			c.Icon = "docker"
		}
	}

	for i := range cfg.Groups {
		g := &cfg.Groups[i]
		if g.Strategy == "" {
			g.Strategy = "round-robin"
		}
	}
}

// BuildHostIndex returns a map from Host header value → ContainerConfig for O(1) lookup.
func BuildHostIndex(cfg *GatewayConfig) map[string]*ContainerConfig {
	idx := make(map[string]*ContainerConfig, len(cfg.Containers))
	for i := range cfg.Containers {
		if cfg.Containers[i].Host != "" {
			idx[cfg.Containers[i].Host] = &cfg.Containers[i]
		}
	}
	return idx
}

// BuildPathIndex returns a map from first-path-segment → ContainerConfig.
func BuildPathIndex(cfg *GatewayConfig) map[string]*ContainerConfig {
	idx := make(map[string]*ContainerConfig, len(cfg.Containers))
	for i := range cfg.Containers {
		if cfg.Containers[i].Path != "" {
			idx[cfg.Containers[i].Path] = &cfg.Containers[i]
		}
	}
	return idx
}

// BuildGroupHostIndex returns a map from Host header value → GroupConfig for O(1) lookup.
func BuildGroupHostIndex(cfg *GatewayConfig) map[string]*GroupConfig {
	idx := make(map[string]*GroupConfig, len(cfg.Groups))
	for i := range cfg.Groups {
		if cfg.Groups[i].Host != "" {
			idx[cfg.Groups[i].Host] = &cfg.Groups[i]
		}
	}
	return idx
}

// BuildGroupPathIndex returns a map from group Name → GroupConfig, used for
// the third matching tier (first path segment equals an active group name).
func BuildGroupPathIndex(cfg *GatewayConfig) map[string]*GroupConfig {
	idx := make(map[string]*GroupConfig, len(cfg.Groups))
	for i := range cfg.Groups {
		idx[cfg.Groups[i].Name] = &cfg.Groups[i]
	}
	return idx
}

// BuildContainerMap returns a map from container name → ContainerConfig for quick lookup.
func BuildContainerMap(cfg *GatewayConfig) map[string]*ContainerConfig {
	m := make(map[string]*ContainerConfig, len(cfg.Containers))
	for i := range cfg.Containers {
		m[cfg.Containers[i].Name] = &cfg.Containers[i]
	}
	return m
}

// BuildGroupMap returns a map from group name → GroupConfig for quick lookup.
func BuildGroupMap(cfg *GatewayConfig) map[string]*GroupConfig {
	m := make(map[string]*GroupConfig, len(cfg.Groups))
	for i := range cfg.Groups {
		m[cfg.Groups[i].Name] = &cfg.Groups[i]
	}
	return m
}

// GroupMembership returns the set of backend names that belong to at least
// one active group, used by the reaper to exempt them from individual-timeout
// evaluation (spec invariant: "A backend in any active group is exempt...").
func GroupMembership(cfg *GatewayConfig) map[string]bool {
	members := make(map[string]bool)
	for _, g := range cfg.Groups {
		if !g.Active {
			continue
		}
		for _, cn := range g.Containers {
			members[cn] = true
		}
	}
	return members
}
