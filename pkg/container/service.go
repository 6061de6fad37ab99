package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcp-getgather/mcp-gateway/pkg/config"
	"github.com/mcp-getgather/mcp-gateway/pkg/engine"
	"github.com/mcp-getgather/mcp-gateway/pkg/events"
	"github.com/mcp-getgather/mcp-gateway/pkg/log"
	"github.com/mcp-getgather/mcp-gateway/pkg/types"
)

// ErrNoStandby indicates the standby pool is empty.
var ErrNoStandby = errors.New("no standby containers available")

// Hostname alphabet excludes easily-confused characters (0, 1, l, o).
const friendlyChars = "23456789abcdefghijkmnpqrstuvwxyz"

const (
	hostnameLength = 6

	// StartupWindow is how long after start a running container is still
	// considered warming up. The worker needs it to finish its own boot.
	StartupWindow = 20 * time.Second

	composeServiceName = "mcp-getgather"

	// SourceImage is the upstream worker image, retagged locally so a
	// mid-pull registry failure never breaks container creation.
	SourceImage = "ghcr.io/mcp-getgather/mcp-getgather:latest"
)

// Service holds the stateless container lifecycle helpers used by the
// manager. All engine access goes through the caller's lock session.
type Service struct {
	cfg    *config.Config
	broker *events.Broker
	logger zerolog.Logger

	goos    string
	now     func() time.Time
	randInt func(n int) int
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithGOOS overrides host OS detection, used by tests.
func WithGOOS(goos string) ServiceOption {
	return func(s *Service) { s.goos = goos }
}

// WithClock overrides the readiness clock, used by tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithRand overrides the random source, used by tests.
func WithRand(randInt func(n int) int) ServiceOption {
	return func(s *Service) { s.randInt = randInt }
}

// WithBroker attaches an event broker receiving lifecycle events.
func WithBroker(broker *events.Broker) ServiceOption {
	return func(s *Service) { s.broker = broker }
}

// NewService creates a Service bound to the gateway configuration.
func NewService(cfg *config.Config, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:     cfg,
		logger:  log.WithTopic("service"),
		goos:    runtime.GOOS,
		now:     time.Now,
		randInt: rand.Intn,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Labels returns the compose-convention labels all worker containers carry.
// Listing by these labels is what keeps the gateway from ever touching
// containers it does not own.
func (s *Service) Labels() map[string]string {
	return map[string]string{
		"com.docker.compose.project": s.cfg.ContainerProjectName,
		"com.docker.compose.service": composeServiceName,
	}
}

// PullImage pulls the upstream worker image and retags it locally.
func (s *Service) PullImage(ctx context.Context, sess *engine.Session) error {
	s.logger.Info().Str("source", SourceImage).Msg("Pulling container image")
	if err := sess.Client.PullImage(ctx, SourceImage, s.cfg.ImageName()); err != nil {
		return fmt.Errorf("failed to pull container image: %v", err)
	}
	s.publish(events.EventImagePulled, "pulled "+SourceImage, nil)
	return nil
}

// Containers lists worker containers, optionally filtered by a name substring.
// With onlyReady, containers still inside the startup window are dropped.
func (s *Service) Containers(ctx context.Context, sess *engine.Session, partialName string, onlyReady bool) ([]*types.Container, error) {
	containers, err := sess.Client.List(ctx, partialName, s.Labels(), false)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %v", err)
	}
	if !onlyReady {
		return containers, nil
	}
	ready := containers[:0]
	for _, c := range containers {
		if c.Ready(StartupWindow, s.now()) {
			ready = append(ready, c)
		}
	}
	return ready, nil
}

// Container returns the unique container matching partialName, or nil.
func (s *Service) Container(ctx context.Context, sess *engine.Session, partialName string) (*types.Container, error) {
	containers, err := s.Containers(ctx, sess, partialName, false)
	if err != nil {
		return nil, err
	}
	if len(containers) > 1 {
		return nil, fmt.Errorf("%w: %s", engine.ErrAmbiguousName, partialName)
	}
	if len(containers) == 0 {
		return nil, nil
	}
	return containers[0], nil
}

// RandomStandby picks a random ready standby container. Random rather than
// FIFO so a single hostname that keeps failing is not reassigned back-to-back.
func (s *Service) RandomStandby(ctx context.Context, sess *engine.Session) (*types.Container, error) {
	containers, err := s.Containers(ctx, sess, types.UnassignedUserID, true)
	if err != nil {
		return nil, err
	}
	if len(containers) == 0 {
		return nil, ErrNoStandby
	}
	container := containers[s.randInt(len(containers))]
	s.logger.Info().Str("container", container.Dump()).Msg("Randomly selected unassigned container")
	return container, nil
}

// Assign renames a random standby to "{user_id}-{hostname}" and records the
// owner in metadata.json. Requires the writer lock.
func (s *Service) Assign(ctx context.Context, sess *engine.Session, user types.AuthUser) (*types.Container, error) {
	container, err := s.RandomStandby(ctx, sess)
	if err != nil {
		return nil, err
	}

	identity := types.NewIdentity(container.Hostname, &user)
	if err := sess.Client.Rename(ctx, container.ID, identity.ContainerName()); err != nil {
		return nil, fmt.Errorf("failed to rename container: %v", err)
	}

	container, err = sess.Client.Get(ctx, container.ID, "")
	if err != nil {
		return nil, err
	}

	if err := s.writeMetadata(container, user); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("container", container.Dump()).
		Str("user_id", user.UserID()).
		Msg("Container assigned to user")
	s.publish(events.EventContainerAssigned, container.Name, map[string]string{
		"hostname": container.Hostname,
		"user_id":  user.UserID(),
	})
	return container, nil
}

// Purge deletes a container and quarantines its mount directory under
// __cleanup so an operator can still inspect it. Requires the writer lock.
func (s *Service) Purge(ctx context.Context, sess *engine.Session, container *types.Container) error {
	if err := sess.Client.Delete(ctx, container.ID); err != nil {
		return fmt.Errorf("failed to delete container: %v", err)
	}

	dst := filepath.Join(s.cfg.CleanupDir(), container.Hostname)
	if err := os.MkdirAll(s.cfg.CleanupDir(), 0o755); err != nil {
		// losing the mount dir is not fatal; the container is gone
		s.logger.Warn().Err(err).Str("container", container.Dump()).Msg("Failed to create cleanup dir")
	} else if err := os.Rename(s.MountDir(container.Hostname), dst); err != nil {
		s.logger.Warn().Err(err).Str("container", container.Dump()).Msg("Failed to quarantine mount dir")
	}

	s.logger.Info().
		Str("container", container.Dump()).
		Str("cleanup_dir", dst).
		Msg("Purged container and moved its mount dir")
	s.publish(events.EventContainerPurged, container.Name, map[string]string{"hostname": container.Hostname})
	return nil
}

// Checkpoint detaches the container from the internal network, then
// checkpoints it. Detaching first lets the restore re-attach with a fresh IP.
// Requires the writer lock.
func (s *Service) Checkpoint(ctx context.Context, sess *engine.Session, container *types.Container) (*types.Container, error) {
	if err := sess.Client.DisconnectNetwork(ctx, s.cfg.NetworkName(), container.ID); err != nil {
		return nil, err
	}
	if err := sess.Client.Checkpoint(ctx, container.ID); err != nil {
		return nil, err
	}

	container, err := sess.Client.Get(ctx, container.ID, "")
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("container", container.Dump()).Msg("Checkpointed container")
	s.publish(events.EventContainerCheckpointed, container.Name, map[string]string{"hostname": container.Hostname})
	return container, nil
}

// Restore resumes a checkpointed container and re-attaches the internal
// network. Requires the writer lock.
func (s *Service) Restore(ctx context.Context, sess *engine.Session, container *types.Container) (*types.Container, error) {
	if err := sess.Client.Restore(ctx, container.ID); err != nil {
		return nil, err
	}
	if err := sess.Client.ConnectNetwork(ctx, s.cfg.NetworkName(), container.ID); err != nil {
		return nil, err
	}

	container, err := sess.Client.Get(ctx, container.ID, "")
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("container", container.Dump()).Msg("Restored container")
	s.publish(events.EventContainerRestored, container.Name, map[string]string{"hostname": container.Hostname})
	return container, nil
}

// CreateOrReplace creates a fresh standby when mountDir is empty, or recreates
// the container belonging to an existing mount directory, restoring its
// recorded owner. Requires the writer lock.
func (s *Service) CreateOrReplace(ctx context.Context, sess *engine.Session, mountDir string) (*types.Container, error) {
	container, err := s.createOrReplace(ctx, sess, mountDir)
	if err != nil {
		s.logger.Error().Err(err).Str("mount_dir", mountDir).Msg("Failed to create or reload container")
		return nil, err
	}
	return container, nil
}

func (s *Service) createOrReplace(ctx context.Context, sess *engine.Session, mountDir string) (*types.Container, error) {
	var hostname string
	var user *types.AuthUser

	if mountDir == "" {
		var err error
		hostname, err = s.generateHostname()
		if err != nil {
			return nil, err
		}
	} else {
		hostname = filepath.Base(mountDir)
		metadata, err := s.ReadMetadata(hostname)
		if err != nil {
			return nil, err
		}
		if metadata != nil {
			user = &metadata.User
		}
	}

	identity := types.NewIdentity(hostname, user)

	env := map[string]string{
		"ENVIRONMENT":        s.cfg.GatewayOrigin,
		"LOGFIRE_TOKEN":      s.cfg.LogfireToken,
		"LOG_LEVEL":          s.cfg.LogLevel,
		"HOSTNAME":           hostname,
		"BROWSER_TIMEOUT":    s.cfg.BrowserTimeout,
		"DEFAULT_PROXY_TYPE": s.cfg.DefaultProxyType,
		"PROXIES_CONFIG":     s.cfg.ProxiesConfig,
		"SENTRY_DSN":         s.cfg.ContainerSentryDSN,
		"DATA_DIR":           "/app/data",
		"PORT":               "80",
	}

	spec := engine.CreateSpec{
		Name:     identity.ContainerName(),
		Hostname: hostname,
		User:     "root",
		Image:    s.cfg.ImageName(),
		Env:      env,
		Volumes: []string{
			s.MountDir(hostname) + ":/app/data:rw",
			s.cfg.ProxiesFile + ":/app/proxies.yaml:ro",
		},
		Labels:  s.Labels(),
		CapAdds: []string{"NET_BIND_SERVICE"},
	}

	// Off macOS the worker reaches the egress proxy service through the
	// tailscale router, so the entrypoint first installs the CGNAT route
	// and the container needs NET_ADMIN.
	if s.goos != "darwin" {
		spec.Entrypoint = "/bin/sh"
		spec.Cmd = []string{
			"-c",
			fmt.Sprintf("ip route add 100.64.0.0/10 via %s.2 && exec /app/entrypoint.sh", s.cfg.ContainerSubnetPrefix),
		}
		spec.CapAdds = append(spec.CapAdds, "NET_ADMIN")
	}

	container, err := sess.Client.CreateOrReplace(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("container", container.Dump()).Msg("Created or reloaded container")
	s.publish(events.EventContainerCreated, container.Name, map[string]string{"hostname": hostname})
	return container, nil
}

// MountDir returns (and creates) the host mount directory for a hostname.
func (s *Service) MountDir(hostname string) string {
	path := filepath.Join(s.cfg.MountRoot(), hostname)
	if err := os.MkdirAll(path, 0o755); err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to create mount dir")
	}
	return path
}

// MountDirs lists existing per-container mount directories, excluding the
// cleanup quarantine.
func (s *Service) MountDirs() []string {
	entries, err := os.ReadDir(s.cfg.MountRoot())
	if err != nil {
		return nil
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == filepath.Base(s.cfg.CleanupDir()) {
			continue
		}
		dirs = append(dirs, filepath.Join(s.cfg.MountRoot(), entry.Name()))
	}
	return dirs
}

// MetadataFile returns the metadata.json path for a hostname.
func (s *Service) MetadataFile(hostname string) string {
	return filepath.Join(s.MountDir(hostname), "metadata.json")
}

// ReadMetadata reads a container's recorded owner. Nil without error when the
// container is unassigned.
func (s *Service) ReadMetadata(hostname string) (*types.ContainerMetadata, error) {
	raw, err := os.ReadFile(s.MetadataFile(hostname))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // unassigned container
		}
		return nil, fmt.Errorf("failed to read metadata for %s: %v", hostname, err)
	}

	var metadata types.ContainerMetadata
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata for %s: %v", hostname, err)
	}
	return &metadata, nil
}

// IdentityFromHostname resolves a hostname to its identity, reading the
// recorded owner when present.
func (s *Service) IdentityFromHostname(hostname string) (types.ContainerIdentity, error) {
	metadata, err := s.ReadMetadata(hostname)
	if err != nil {
		return types.ContainerIdentity{}, err
	}
	if metadata == nil {
		return types.NewIdentity(hostname, nil), nil
	}
	return types.NewIdentity(hostname, &metadata.User), nil
}

func (s *Service) writeMetadata(container *types.Container, user types.AuthUser) error {
	raw, err := json.Marshal(types.ContainerMetadata{User: user})
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %v", err)
	}
	if err := os.WriteFile(s.MetadataFile(container.Hostname), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write metadata for %s: %v", container.Hostname, err)
	}
	return nil
}

// generateHostname rejection-samples a fresh hostname against existing mount
// directory names.
func (s *Service) generateHostname() (string, error) {
	existing := make(map[string]bool)
	for _, dir := range s.MountDirs() {
		existing[filepath.Base(dir)] = true
	}

	for attempt := 0; attempt < 1000; attempt++ {
		hostname := s.randomHostname()
		if !existing[hostname] {
			return hostname, nil
		}
	}
	return "", fmt.Errorf("failed to generate a unique hostname after 1000 attempts")
}

func (s *Service) randomHostname() string {
	b := make([]byte, hostnameLength)
	for i := range b {
		b[i] = friendlyChars[s.randInt(len(friendlyChars))]
	}
	return string(b)
}

func (s *Service) publish(eventType events.EventType, message string, metadata map[string]string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(events.New(eventType, message, metadata))
}
