// Package docker implements the container manager (component G): the
// per-job sandbox lifecycle, generalised from the teacher's
// internal/adapters/docker.Manager. Spawn becomes Start, Kill becomes
// Destroy, and the Unix-socket watchdog probe becomes a bearer-authenticated
// TCP probe against the sandbox's published port.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/autobb888/vap-dispatcher/internal/core/domain"
	"github.com/autobb888/vap-dispatcher/internal/core/ports"
)

const (
	// sandboxPort is the fixed port every sandbox image listens on inside
	// its own network namespace; the host side varies per job and comes
	// from domain.ContainerSpec.Port via PortBindings.
	sandboxPort = "8080/tcp"
	sandboxUser = "sandbox"

	containerPrefix = "vap-sandbox-"

	// hostGatewayAlias resolves to the Docker host from inside the bridge
	// network (Docker >= 20.10's "host-gateway" special value), letting the
	// sandbox reach the credential proxy bound to the host's loopback.
	hostGatewayAlias = "host.docker.internal"
)

type hostDirs struct {
	configDir    string
	workspaceDir string
}

// Manager drives container.Manager, one Docker Engine client per
// dispatcher process.
type Manager struct {
	logger *slog.Logger
	cli    *client.Client
	probe  *http.Client

	mu   sync.Mutex
	dirs map[string]hostDirs
}

// NewManager builds a Manager against the Docker daemon reachable from the
// process environment (DOCKER_HOST and friends). requestTimeout bounds the
// sandbox chat-completion client SendRequest uses (spec.md §5, cfg.RequestTimeout).
func NewManager(logger *slog.Logger, requestTimeout time.Duration) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker: create client: %w", err)
	}
	return &Manager{
		logger: logger,
		cli:    cli,
		probe:  &http.Client{Timeout: requestTimeout},
		dirs:   make(map[string]hostDirs),
	}, nil
}

var _ ports.ContainerManager = (*Manager)(nil)

// Start creates and starts one sandbox container bound to spec.Port,
// strictly sandboxed per spec.md's container security requirements.
func (m *Manager) Start(ctx context.Context, spec domain.ContainerSpec) (domain.Container, error) {
	id := uuid.New().String()
	name := containerPrefix + id

	if err := os.MkdirAll(spec.ConfigDir, 0o755); err != nil {
		return domain.Container{}, fmt.Errorf("docker: create config dir: %w", err)
	}
	if err := os.MkdirAll(spec.WorkspaceDir, 0o755); err != nil {
		m.cleanupDirs(spec.ConfigDir)
		return domain.Container{}, fmt.Errorf("docker: create workspace dir: %w", err)
	}
	if err := writeSandboxConfig(spec); err != nil {
		m.cleanupDirs(spec.ConfigDir, spec.WorkspaceDir)
		return domain.Container{}, fmt.Errorf("docker: write sandbox config: %w", err)
	}

	cfg := &container.Config{
		Image: spec.Image,
		Env: []string{
			fmt.Sprintf("VAP_PROXY_URL=http://%s:%d", hostGatewayAlias, spec.ProxyPort),
			fmt.Sprintf("VAP_BEARER_TOKEN=%s", spec.BearerToken),
			"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		},
		User:         sandboxUser,
		ExposedPorts: nat.PortSet{nat.Port(sandboxPort): struct{}{}},
		Labels: map[string]string{
			"vap.managed": "true",
			"vap.job_id":  string(spec.JobID),
		},
	}

	hostCfg := &container.HostConfig{
		// The teacher's Spawn uses NetworkMode: "none" since its workers
		// never call out. A VAP sandbox must reach the credential proxy on
		// the host, so this is a bridge network with a host-gateway alias
		// instead. The bridge network does not block the sandbox's other
		// outbound traffic; only the host-gateway alias is added for the proxy.
		NetworkMode: "bridge",
		ExtraHosts:  []string{hostGatewayAlias + ":host-gateway"},
		PortBindings: nat.PortMap{
			nat.Port(sandboxPort): []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: fmt.Sprintf("%d", spec.Port)},
			},
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: spec.ConfigDir, Target: "/etc/vap-sandbox", ReadOnly: true},
			{Type: mount.TypeBind, Source: spec.WorkspaceDir, Target: "/workspace"},
		},
		Resources: container.Resources{
			Memory:   spec.Limits.MemoryBytes,
			NanoCPUs: spec.Limits.NanoCPUs,
		},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Tmpfs: map[string]string{
			"/tmp":          "rw,noexec,nosuid,size=64m",
			"/var/cache/vap": "rw,noexec,nosuid,size=32m",
		},
	}

	netCfg := &network.NetworkingConfig{}

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	if client.IsErrNotFound(err) {
		reader, pullErr := m.cli.ImagePull(ctx, spec.Image, image.PullOptions{})
		if pullErr != nil {
			m.cleanupDirs(spec.ConfigDir, spec.WorkspaceDir)
			return domain.Container{}, fmt.Errorf("docker: pull image %s: %w", spec.Image, pullErr)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
		resp, err = m.cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, name)
	}
	if err != nil {
		m.cleanupDirs(spec.ConfigDir, spec.WorkspaceDir)
		return domain.Container{}, fmt.Errorf("docker: create container: %w", err)
	}

	if err := m.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = m.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		m.cleanupDirs(spec.ConfigDir, spec.WorkspaceDir)
		return domain.Container{}, fmt.Errorf("docker: start container: %w", err)
	}

	m.mu.Lock()
	m.dirs[id] = hostDirs{configDir: spec.ConfigDir, workspaceDir: spec.WorkspaceDir}
	m.mu.Unlock()

	// We return our own UUID rather than Docker's assigned ID, the same way
	// the teacher's Spawn does, so Destroy can recompute the container name
	// from the ID alone without a separate lookup table.
	return domain.Container{
		ID:          id,
		JobID:       spec.JobID,
		Port:        spec.Port,
		BearerToken: spec.BearerToken,
		CreatedAt:   time.Now(),
		Status:      domain.HealthStatusStarting,
	}, nil
}

func (m *Manager) cleanupDirs(paths ...string) {
	for _, p := range paths {
		_ = os.RemoveAll(p)
	}
}

// WaitForHealth polls the sandbox's /health endpoint over its published
// port until it answers 200, or timeout elapses.
func (m *Manager) WaitForHealth(ctx context.Context, port int, token string, timeout, interval time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		if m.probeHealthy(ctx, url, token) {
			return true, nil
		}

		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

func (m *Manager) probeHealthy(ctx context.Context, url, token string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+token)

	probe := &http.Client{Timeout: 2 * time.Second}
	resp, err := probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// SendRequest posts one chat-completion turn to the sandbox and returns the
// assistant's reply text, validated against the expected response shape.
func (m *Manager) SendRequest(ctx context.Context, port int, token, model, messageText string) (string, error) {
	body, err := json.Marshal(domain.ChatCompletionRequest{
		Model:    model,
		Messages: []domain.ChatMessage{{Role: "user", Content: messageText}},
	})
	if err != nil {
		return "", fmt.Errorf("docker: marshal chat request: %w", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/v1/chat/completions", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("docker: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := m.probe.Do(req)
	if err != nil {
		return "", fmt.Errorf("docker: chat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("docker: read chat response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("docker: sandbox returned status %d: %s", resp.StatusCode, string(respBody))
	}

	reply, err := parseChatCompletion(respBody)
	if err != nil {
		return "", fmt.Errorf("docker: %w", err)
	}
	return reply, nil
}

// Destroy force-removes the container identified by containerID (the
// value Start returned) and releases its host directories. The published
// port itself is the dispatcher's to release, not this manager's.
func (m *Manager) Destroy(ctx context.Context, containerID string, port int) error {
	name := containerPrefix + containerID
	if err := m.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker: remove container: %w", err)
	}

	m.mu.Lock()
	dirs, ok := m.dirs[containerID]
	delete(m.dirs, containerID)
	m.mu.Unlock()
	if ok {
		m.cleanupDirs(dirs.configDir, dirs.workspaceDir)
	}
	return nil
}

// sandboxConfig is the small JSON file written into every sandbox's
// read-only config mount, redundant with the container's env vars but
// easier for an in-sandbox process to read at a known path.
type sandboxConfig struct {
	ProxyURL    string `json:"proxyUrl"`
	BearerToken string `json:"bearerToken"`
	JobID       string `json:"jobId"`
}

func writeSandboxConfig(spec domain.ContainerSpec) error {
	cfg := sandboxConfig{
		ProxyURL:    fmt.Sprintf("http://%s:%d", hostGatewayAlias, spec.ProxyPort),
		BearerToken: spec.BearerToken,
		JobID:       string(spec.JobID),
	}
	body, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(spec.ConfigDir+"/sandbox.json", body, 0o644)
}
