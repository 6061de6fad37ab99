package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mcp-getgather/mcp-gateway/pkg/config"
	"github.com/mcp-getgather/mcp-gateway/pkg/log"
	"github.com/mcp-getgather/mcp-gateway/pkg/metrics"
	"github.com/mcp-getgather/mcp-gateway/pkg/types"
)

const (
	// DefaultTimeout bounds ordinary engine calls.
	DefaultTimeout = 5 * time.Second
	// CreateTimeout bounds container creation, which is slow on some hosts.
	CreateTimeout = 30 * time.Second
	// PullTimeout bounds image pulls.
	PullTimeout = 180 * time.Second
)

// BasicInfo is the id/name pair returned by a container listing.
type BasicInfo struct {
	ID   string
	Name string
}

// CreateSpec describes a container to create.
type CreateSpec struct {
	Name       string
	Hostname   string
	User       string
	Image      string
	Entrypoint string
	Cmd        []string
	Env        map[string]string
	Volumes    []string
	Labels     map[string]string
	CapAdds    []string
}

// Client is a thin typed wrapper over the docker/podman CLI. All calls are
// bounded subprocess invocations; state lives entirely in the engine.
type Client struct {
	engine  config.Engine
	network string
	runner  Runner
	goos    string
	socket  string
}

// Option customizes a Client.
type Option func(*Client)

// WithRunner injects a Runner, used by tests to fake the CLI.
func WithRunner(r Runner) Option {
	return func(c *Client) { c.runner = r }
}

// WithGOOS overrides OS detection, used by tests.
func WithGOOS(goos string) Option {
	return func(c *Client) { c.goos = goos }
}

// NewClient creates a client for the given engine and internal network.
func NewClient(engine config.Engine, network string, opts ...Option) *Client {
	c := &Client{
		engine:  engine,
		network: network,
		runner:  NewRunner(),
		goos:    runtime.GOOS,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.socket = socketPath(engine, c.goos)
	return c
}

// Network returns the internal network this client resolves IPs from.
func (c *Client) Network() string {
	return c.network
}

// SupportsCheckpoint reports whether the engine can checkpoint and restore
// containers. Only podman on Linux can.
func (c *Client) SupportsCheckpoint() bool {
	return c.engine == config.EnginePodman && c.goos == "linux"
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return c.runTimeout(ctx, DefaultTimeout, false, args...)
}

func (c *Client) runTimeout(ctx context.Context, timeout time.Duration, asRoot bool, args ...string) (string, error) {
	env := map[string]string{}
	if c.goos != "darwin" {
		env["DOCKER_HOST"] = c.socket
		if c.engine == config.EnginePodman {
			env["CONTAINER_HOST"] = c.socket
		}
	}

	if c.engine == config.EnginePodman {
		args = append([]string{"--remote"}, args...)
	}

	name := string(c.engine)
	if asRoot {
		args = append([]string{name}, args...)
		name = "sudo"
	}

	timer := metrics.NewTimer()
	out, err := c.runner.Run(ctx, name, args, env, timeout)
	timer.ObserveDuration(metrics.EngineCallDuration)
	if err != nil {
		metrics.EngineCallErrors.Inc()
	}
	return out, err
}

// ListBasic lists containers as id/name pairs, optionally filtered by a name
// substring, labels and running status.
func (c *Client) ListBasic(ctx context.Context, partialName string, labels map[string]string, runningOnly bool) ([]BasicInfo, error) {
	args := []string{"container", "ls"}
	if !runningOnly {
		args = append(args, "--all")
	}
	if partialName != "" {
		args = append(args, "--filter", "name="+partialName)
	}
	for k, v := range labels {
		args = append(args, "--filter", fmt.Sprintf("label=%s=%s", k, v))
	}
	args = append(args, "--format", "{{.ID}} {{.Names}}")

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var infos []BasicInfo
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: unexpected ls output %q", ErrInconsistent, line)
		}
		infos = append(infos, BasicInfo{ID: fields[0], Name: fields[1]})
	}
	return infos, nil
}

// List lists containers with full inspection records.
func (c *Client) List(ctx context.Context, partialName string, labels map[string]string, runningOnly bool) ([]*types.Container, error) {
	basics, err := c.ListBasic(ctx, partialName, labels, runningOnly)
	if err != nil {
		return nil, err
	}
	if len(basics) == 0 {
		return nil, nil
	}

	ids := make([]string, len(basics))
	for i, b := range basics {
		ids[i] = b.ID
	}

	records, err := c.Inspect(ctx, ids...)
	if err != nil {
		return nil, err
	}

	containers := make([]*types.Container, len(records))
	for i, record := range records {
		containers[i], err = c.containerFromInspect(record)
		if err != nil {
			return nil, err
		}
	}
	return containers, nil
}

// Get returns a single container by id or exact-unique name.
func (c *Client) Get(ctx context.Context, id, name string) (*types.Container, error) {
	if id != "" {
		records, err := c.Inspect(ctx, id)
		if err != nil {
			return nil, err
		}
		container, err := c.containerFromInspect(records[0])
		if err != nil {
			return nil, err
		}
		if name != "" && !strings.Contains(container.Name, name) {
			return nil, fmt.Errorf("container id %s and name %s mismatch", id, name)
		}
		return container, nil
	}
	if name != "" {
		containers, err := c.List(ctx, name, nil, false)
		if err != nil {
			return nil, err
		}
		if len(containers) > 1 {
			return nil, fmt.Errorf("%w: %s", ErrAmbiguousName, name)
		}
		if len(containers) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return containers[0], nil
	}
	return nil, fmt.Errorf("either id or name must be provided")
}

// Inspect returns exactly one inspection record per id.
func (c *Client) Inspect(ctx context.Context, ids ...string) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	args := append([]string{"container", "inspect"}, ids...)
	args = append(args, "--format", "json")
	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	if err := json.Unmarshal([]byte(out), &records); err != nil {
		return nil, fmt.Errorf("failed to parse inspect output: %w", err)
	}
	if len(records) != len(ids) {
		return nil, fmt.Errorf("%w: inspected %d of %d containers", ErrInconsistent, len(records), len(ids))
	}
	return records, nil
}

// Create runs a new detached container from the spec and returns its
// refreshed record.
func (c *Client) Create(ctx context.Context, spec CreateSpec) (*types.Container, error) {
	args := []string{"run", "-d", "--restart", "on-failure:3"}
	args = append(args, "--name", spec.Name)
	args = append(args, "--hostname", spec.Hostname)
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	// DNS servers for external name resolution
	args = append(args, "--dns", "8.8.8.8", "--dns", "1.1.1.1")
	for _, key := range sortedKeys(spec.Env) {
		args = append(args, "--env", key+"="+spec.Env[key])
	}
	for _, volume := range spec.Volumes {
		args = append(args, "--volume", volume)
	}
	for _, key := range sortedKeys(spec.Labels) {
		args = append(args, "--label", key+"="+spec.Labels[key])
	}
	for _, cap := range spec.CapAdds {
		args = append(args, "--cap-add", cap)
	}
	args = append(args, "--network", c.network)
	if spec.Entrypoint != "" {
		args = append(args, "--entrypoint", spec.Entrypoint)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Cmd...)

	id, err := c.runTimeout(ctx, CreateTimeout, false, args...)
	if err != nil {
		return nil, err
	}
	return c.Get(ctx, id, "")
}

// CreateOrReplace is idempotent by name: a single existing container with the
// same name is deleted first; multiple matches fail.
func (c *Client) CreateOrReplace(ctx context.Context, spec CreateSpec) (*types.Container, error) {
	existing, err := c.List(ctx, spec.Name, nil, false)
	if err != nil {
		return nil, err
	}
	if len(existing) > 1 {
		return nil, fmt.Errorf("%w: replace failed for %s", ErrAmbiguousName, spec.Name)
	}
	if len(existing) == 1 {
		if err := c.Delete(ctx, existing[0].ID); err != nil {
			return nil, err
		}
	}
	return c.Create(ctx, spec)
}

// Start starts a stopped container.
func (c *Client) Start(ctx context.Context, id string) error {
	_, err := c.run(ctx, "container", "start", id)
	return err
}

// Rename renames a container. Names carry routing semantics, so this is the
// only mutation of a container name the client allows.
func (c *Client) Rename(ctx context.Context, id, newName string) error {
	_, err := c.run(ctx, "container", "rename", id, newName)
	return err
}

// Checkpoint saves container state to disk. Podman on Linux only.
func (c *Client) Checkpoint(ctx context.Context, id string) error {
	if !c.SupportsCheckpoint() {
		return fmt.Errorf("%w: checkpoint requires podman on linux", ErrUnsupportedEngine)
	}
	_, err := c.runTimeout(ctx, DefaultTimeout, true, "container", "checkpoint", id)
	return err
}

// Restore resumes a checkpointed container. Podman on Linux only.
func (c *Client) Restore(ctx context.Context, id string) error {
	if !c.SupportsCheckpoint() {
		return fmt.Errorf("%w: restore requires podman on linux", ErrUnsupportedEngine)
	}
	_, err := c.runTimeout(ctx, DefaultTimeout, true, "container", "restore", id)
	return err
}

// ConnectNetwork attaches the container to the network. If the command fails
// but the container already has an IP, the failure is logged and treated as
// success.
func (c *Client) ConnectNetwork(ctx context.Context, networkName, id string) error {
	_, err := c.run(ctx, "network", "connect", networkName, id)
	if err == nil {
		return nil
	}

	container, getErr := c.Get(ctx, id, "")
	if getErr != nil || container.IP == "" {
		return err
	}
	log.Logger.Warn().
		Str("container", container.Dump()).
		Str("network", networkName).
		Msg("Error connecting container to network, but container already has an IP address, skipping")
	return nil
}

// DisconnectNetwork detaches the container from the network, tolerating
// failures when the container already has no IP.
func (c *Client) DisconnectNetwork(ctx context.Context, networkName, id string) error {
	_, err := c.run(ctx, "network", "disconnect", networkName, id)
	if err == nil {
		return nil
	}

	container, getErr := c.Get(ctx, id, "")
	if getErr != nil || container.IP != "" {
		return err
	}
	log.Logger.Warn().
		Str("container", container.Dump()).
		Str("network", networkName).
		Msg("Error disconnecting container from network, but container has no IP address, skipping")
	return nil
}

// Delete force-removes one or more containers.
func (c *Client) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	args := []string{"container", "rm", "--force"}
	if c.engine == config.EnginePodman {
		args = append(args, "--time", "0")
	}
	args = append(args, ids...)
	_, err := c.run(ctx, args...)
	return err
}

// PullImage pulls an image and optionally retags it.
func (c *Client) PullImage(ctx context.Context, image, tag string) error {
	if _, err := c.runTimeout(ctx, PullTimeout, false, "image", "pull", image); err != nil {
		return err
	}
	if tag != "" {
		if _, err := c.run(ctx, "image", "tag", image, tag); err != nil {
			return err
		}
	}
	return nil
}

// DeleteImage force-removes an image.
func (c *Client) DeleteImage(ctx context.Context, image string) error {
	_, err := c.run(ctx, "image", "rm", "--force", image)
	return err
}

// Exec runs a detached command inside a container.
func (c *Client) Exec(ctx context.Context, id string, cmd ...string) error {
	args := append([]string{"exec", "-d", id}, cmd...)
	_, err := c.run(ctx, args...)
	return err
}

// containerFromInspect converts a raw inspection record into a Container.
func (c *Client) containerFromInspect(record map[string]any) (*types.Container, error) {
	fullID, _ := dig[string](record, "Id")
	if fullID == "" {
		return nil, fmt.Errorf("%w: inspect record missing Id", ErrInconsistent)
	}
	id := fullID
	if len(id) > 12 {
		id = id[:12]
	}

	name, _ := dig[string](record, "Name")
	name = strings.TrimPrefix(name, "/")

	hostname, _ := dig[string](record, "Config", "Hostname")
	status, _ := dig[string](record, "State", "Status")
	checkpointed, _ := dig[bool](record, "State", "Checkpointed")
	ip, _ := dig[string](record, "NetworkSettings", "Networks", c.network, "IPAddress")

	var startedAt time.Time
	if raw, ok := dig[string](record, "State", "StartedAt"); ok {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			startedAt = t.UTC()
		}
	}

	return &types.Container{
		ID:           id,
		Name:         name,
		Hostname:     hostname,
		IP:           ip,
		Status:       types.ContainerStatus(status),
		Checkpointed: checkpointed,
		StartedAt:    startedAt,
		Info:         record,
		NetworkName:  c.network,
	}, nil
}

// dig walks nested maps to a typed leaf value.
func dig[T any](m map[string]any, path ...string) (T, bool) {
	var zero T
	current := any(m)
	for _, key := range path {
		asMap, ok := current.(map[string]any)
		if !ok {
			return zero, false
		}
		current, ok = asMap[key]
		if !ok {
			return zero, false
		}
	}
	value, ok := current.(T)
	return value, ok
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// small maps; insertion sort keeps arg order deterministic for tests
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

func socketPath(engine config.Engine, goos string) string {
	home, _ := os.UserHomeDir()
	switch engine {
	case config.EngineDocker:
		if goos == "darwin" {
			return "unix://" + filepath.Join(home, ".docker/run/docker.sock")
		}
		return "unix:///var/run/docker.sock"
	case config.EnginePodman:
		if goos == "darwin" {
			return "unix://" + filepath.Join(home, ".local/share/containers/podman/machine/podman.sock")
		}
		return "unix:///run/podman/podman.sock"
	}
	return ""
}
