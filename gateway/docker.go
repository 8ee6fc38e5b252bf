package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	dockernetwork "github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

// localSocketPath is the well-known path a local Docker daemon listens on,
// used only to decide what to log in NewDockerClient; client.FromEnv still
// resolves the actual connection.
const localSocketPath = "/var/run/docker.sock"

// DockerClient handles interactions with the Docker daemon. It implements
// Driver — the runtime half of the workload-driver abstraction (§4.1).
// When DOCKER_PROXY_URL is set (e.g. "tcp://proxy:2375") it is rewritten to
// "http://..." and takes precedence over the local socket, letting the
// gateway run in a container without a bind-mounted docker.sock.
type DockerClient struct {
	cli *client.Client
}

// NewDockerClient creates a new DockerClient instance.
func NewDockerClient() (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}

	if proxyURL := os.Getenv("DOCKER_PROXY_URL"); proxyURL != "" {
		httpURL := strings.Replace(proxyURL, "tcp://", "http://", 1)
		opts = append(opts, client.WithHost(httpURL))
		slog.Info("docker driver: using remote socket-proxy daemon", "url", httpURL)
	} else if _, err := os.Stat(localSocketPath); err == nil {
		slog.Info("docker driver: using local daemon socket", "path", localSocketPath)
	} else {
		slog.Warn("docker driver: no local socket found and DOCKER_PROXY_URL unset; relying on DOCKER_HOST")
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}
	return &DockerClient{cli: cli}, nil
}

// ─── Driver interface ─────────────────────────────────────────────────────

// IsRunning reports whether the named container is running. Errors
// (including "no such container") are swallowed into false per §4.1.
func (d *DockerClient) IsRunning(ctx context.Context, name string) bool {
	ctx, cancel := context.WithTimeout(ctx, statusDeadline)
	defer cancel()
	status, err := d.GetContainerStatus(ctx, name)
	return err == nil && status == "running"
}

// Start starts a container by name. Already-started is a no-op success.
func (d *DockerClient) Start(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, initiateDeadline)
	defer cancel()
	if err := d.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		if strings.Contains(err.Error(), "already started") {
			return nil
		}
		return err
	}
	return nil
}

// Stop stops a running container gracefully. Not-running is a no-op success.
func (d *DockerClient) Stop(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, initiateDeadline)
	defer cancel()
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{}); err != nil {
		if strings.Contains(err.Error(), "is not running") {
			return nil
		}
		return err
	}
	return nil
}

// List returns the names of every container known to the daemon.
func (d *DockerClient) List(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, statusDeadline)
	defer cancel()
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(containers))
	for _, c := range containers {
		for _, n := range c.Names {
			names = append(names, strings.TrimPrefix(n, "/"))
		}
	}
	return names, nil
}

// StartedAt returns the instant the container most recently started.
func (d *DockerClient) StartedAt(ctx context.Context, name string) (time.Time, bool) {
	ctx, cancel := context.WithTimeout(ctx, statusDeadline)
	defer cancel()
	info, err := d.InspectContainer(ctx, name)
	if err != nil || info.StartedAt.IsZero() {
		return time.Time{}, false
	}
	return info.StartedAt, true
}

var _ Driver = (*DockerClient)(nil)

// ─── Docker-specific details beyond the Driver contract ───────────────────

// ContainerInfo holds lightweight container details for the status dashboard.
type ContainerInfo struct {
	Status     string
	Image      string
	StartedAt  time.Time
	FinishedAt time.Time
}

// GetContainerStatus returns the status of a container (e.g. "running", "exited")
func (d *DockerClient) GetContainerStatus(ctx context.Context, containerName string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, containerName)
	if err != nil {
		return "", err
	}
	return info.State.Status, nil
}

// InspectContainer returns lightweight container details for the status dashboard.
func (d *DockerClient) InspectContainer(ctx context.Context, containerName string) (*ContainerInfo, error) {
	info, err := d.cli.ContainerInspect(ctx, containerName)
	if err != nil {
		return nil, err
	}
	ci := &ContainerInfo{
		Status: info.State.Status,
		Image:  info.Config.Image,
	}
	if t, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
		ci.StartedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
		ci.FinishedAt = t
	}
	return ci, nil
}

// DiscoverLabeledContainers lists all containers with the `dag.enabled=true` label
// and parses their labels into ContainerConfig structs.
func (d *DockerClient) DiscoverLabeledContainers(ctx context.Context) ([]ContainerConfig, error) {
	args := filters.NewArgs()
	args.Add("label", "dag.enabled=true")

	opts := container.ListOptions{
		All:     true,
		Filters: args,
	}

	containers, err := d.cli.ContainerList(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list labeled containers: %w", err)
	}

	var configs []ContainerConfig
	for _, c := range containers {
		if len(c.Names) == 0 {
			continue
		}

		cfg := ContainerConfig{
			Name: strings.TrimPrefix(c.Names[0], "/"),
		}

		if host, ok := c.Labels["dag.host"]; ok && host != "" {
			cfg.Host = host
		} else {
			slog.Warn("discovery: container missing required dag.host", "container", cfg.Name)
			continue
		}

		cfg.Active = true
		cfg.TargetPort = "80"
		if port, ok := c.Labels["dag.target_port"]; ok && port != "" {
			cfg.TargetPort = port
		}

		cfg.StartTimeout = 60 * time.Second
		if val, ok := c.Labels["dag.start_timeout"]; ok && val != "" {
			if parseDur, err := time.ParseDuration(val); err == nil {
				cfg.StartTimeout = parseDur
			} else {
				slog.Warn("discovery: invalid start_timeout", "value", val, "container", cfg.Name, "error", err)
			}
		}

		if val, ok := c.Labels["dag.idle_timeout"]; ok && val != "" {
			if parseDur, err := time.ParseDuration(val); err == nil {
				cfg.IdleTimeout = parseDur
			} else {
				slog.Warn("discovery: invalid idle_timeout", "value", val, "container", cfg.Name, "error", err)
			}
		}

		if val, ok := c.Labels["dag.network"]; ok {
			cfg.Network = val
		}

		cfg.RedirectPath = "/"
		if val, ok := c.Labels["dag.redirect_path"]; ok && val != "" {
			cfg.RedirectPath = val
		}

		cfg.Icon = "docker"
		if val, ok := c.Labels["dag.icon"]; ok && val != "" {
			cfg.Icon = val
		}

		if val, ok := c.Labels["dag.health_path"]; ok && val != "" {
			cfg.HealthPath = val
		}

		if val, ok := c.Labels["dag.depends_on"]; ok && val != "" {
			cfg.DependsOn = strings.Split(val, ",")
			for j := range cfg.DependsOn {
				cfg.DependsOn[j] = strings.TrimSpace(cfg.DependsOn[j])
			}
		}

		configs = append(configs, cfg)
	}

	return configs, nil
}

// GetContainerAddress returns the IP address of the container.
// If network is non-empty, it looks up that specific Docker network.
// Otherwise it returns the IP from the first available network.
func (d *DockerClient) GetContainerAddress(ctx context.Context, containerName, network string) (string, error) {
	info, err := d.cli.ContainerInspect(ctx, containerName)
	if err != nil {
		return "", err
	}

	nets := info.NetworkSettings.Networks
	if len(nets) == 0 {
		return "", fmt.Errorf("container %s has no network interfaces", containerName)
	}

	// Prefer the requested network if specified
	if network != "" {
		if n, ok := nets[network]; ok && n.IPAddress != "" {
			return n.IPAddress, nil
		}
		return "", fmt.Errorf("container %s is not on network %q (attached networks: %s)",
			containerName, network, joinNetworkNames(nets))
	}

	// Fallback: return the first non-empty IP
	for _, n := range nets {
		if n.IPAddress != "" {
			return n.IPAddress, nil
		}
	}
	return "", fmt.Errorf("could not find IP address for container %s", containerName)
}

// joinNetworkNames lists attached network names for error messages.
func joinNetworkNames(nets map[string]*dockernetwork.EndpointSettings) string {
	names := make([]string, 0, len(nets))
	for name := range nets {
		names = append(names, name)
	}
	return strings.Join(names, ", ")
}

// ProbeTCP attempts a TCP connection to ip:port, retrying every 300 ms until
// the connection succeeds or ctx is cancelled. Returns nil on success.
func (d *DockerClient) ProbeTCP(ctx context.Context, ip, port string) error {
	addr := net.JoinHostPort(ip, port)
	for {
		dialer := &net.Dialer{}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("TCP probe timed out for %s: %w", addr, ctx.Err())
		case <-time.After(300 * time.Millisecond):
			// retry
		}
	}
}

// ProbeHTTP performs an HTTP GET to http://ip:port/path, retrying every 500 ms
// until a 2xx response is received or ctx is cancelled. Returns nil on success.
func (d *DockerClient) ProbeHTTP(ctx context.Context, ip, port, path string) error {
	probeURL := fmt.Sprintf("http://%s:%s%s", ip, port, path)
	httpClient := &http.Client{Timeout: 2 * time.Second}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
		if err != nil {
			return fmt.Errorf("HTTP probe request creation failed for %s: %w", probeURL, err)
		}
		resp, err := httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("HTTP probe timed out for %s: %w", probeURL, ctx.Err())
		case <-time.After(500 * time.Millisecond):
			// retry
		}
	}
}

// StartContainer starts a container by name (unbounded form used by the
// admin API; EnsureRunning callers should prefer Start).
func (d *DockerClient) StartContainer(ctx context.Context, containerName string) error {
	return d.cli.ContainerStart(ctx, containerName, container.StartOptions{})
}

// StopContainer stops a running container gracefully.
func (d *DockerClient) StopContainer(ctx context.Context, containerName string) error {
	return d.cli.ContainerStop(ctx, containerName, container.StopOptions{})
}

// GetContainerLogs returns the last n log lines from the container.
// Lines are sanitised: Docker's 8-byte stream header is stripped and the
// output is safe for rendering as plain text in the browser.
func (d *DockerClient) GetContainerLogs(ctx context.Context, containerName string, n int) ([]string, error) {
	tail := fmt.Sprintf("%d", n)
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
		Timestamps: false,
	}
	rc, err := d.cli.ContainerLogs(ctx, containerName, opts)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}

	text := stripDockerLogHeaders(raw)

	var lines []string
	for _, l := range strings.Split(text, "\n") {
		l = strings.TrimRight(l, "\r")
		if l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// stripDockerLogHeaders removes the 8-byte multiplexing header Docker prepends
// to each log frame: [stream_type(1), 0, 0, 0, size(4)] + payload.
func stripDockerLogHeaders(b []byte) string {
	var buf bytes.Buffer
	for len(b) >= 8 {
		size := int(b[4])<<24 | int(b[5])<<16 | int(b[6])<<8 | int(b[7])
		b = b[8:]
		if size > len(b) {
			size = len(b)
		}
		buf.Write(b[:size])
		b = b[size:]
	}
	return buf.String()
}

// Close closes the Docker client connection
func (d *DockerClient) Close() error {
	return d.cli.Close()
}
