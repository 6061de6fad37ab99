package manager

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mcp-getgather/mcp-gateway/pkg/config"
	"github.com/mcp-getgather/mcp-gateway/pkg/container"
	"github.com/mcp-getgather/mcp-gateway/pkg/engine"
	"github.com/mcp-getgather/mcp-gateway/pkg/events"
	"github.com/mcp-getgather/mcp-gateway/pkg/log"
	"github.com/mcp-getgather/mcp-gateway/pkg/metrics"
	"github.com/mcp-getgather/mcp-gateway/pkg/types"
)

// ErrNotFound indicates no container matched a hostname lookup.
var ErrNotFound = errors.New("container not found")

// workerMemoryBytes is the budget one worker container is assumed to use.
const workerMemoryBytes = 300 << 20

// Manager owns the standby and active pools and the maintenance loop.
type Manager struct {
	cfg    *config.Config
	svc    *container.Service
	client *engine.Client
	broker *events.Broker
	logger zerolog.Logger

	pool    *ttlPool
	nActive int

	// outstanding release and refill tasks, awaited at each maintenance
	// tick and on shutdown
	tasks sync.WaitGroup

	now func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock overrides the TTL clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMemoryBytes overrides host memory detection, used by tests.
func WithMemoryBytes(total uint64) Option {
	return func(m *Manager) { m.nActive = activeCapacity(total, m.cfg) }
}

// WithBroker attaches an event broker receiving pool events.
func WithBroker(broker *events.Broker) Option {
	return func(m *Manager) { m.broker = broker }
}

// New creates a Manager. Engines that cannot checkpoint degrade: persistent
// containers survive TTL expiry only while the gateway stays up, which is
// surfaced as a startup warning.
func New(cfg *config.Config, svc *container.Service, client *engine.Client, opts ...Option) *Manager {
	m := &Manager{
		cfg:     cfg,
		svc:     svc,
		client:  client,
		logger:  log.WithTopic("manager"),
		nActive: activeCapacity(totalMemoryBytes(), cfg),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.pool = newTTLPool(m.nActive, cfg.ActiveTTL, m.scheduleRelease, m.now)

	if !client.SupportsCheckpoint() {
		m.logger.Warn().Msg("Engine cannot checkpoint containers; persistent sessions survive only while the gateway is running")
	}
	m.logger.Info().
		Int("active_capacity", m.nActive).
		Int("standby_target", cfg.MinStandbyContainers).
		Dur("active_ttl", cfg.ActiveTTL).
		Msg("Container manager initialized")
	return m
}

// ActiveCapacity returns the bounded size of the active pool.
func (m *Manager) ActiveCapacity() int {
	return m.nActive
}

// GetUserContainer returns the user's container, assigning a standby when the
// user has none and restoring a checkpointed one when they do.
func (m *Manager) GetUserContainer(ctx context.Context, user types.AuthUser) (*types.Container, error) {
	var result *types.Container

	err := engine.WithSession(ctx, m.client, engine.LockWrite, func(ctx context.Context, sess *engine.Session) error {
		found, err := m.svc.Container(ctx, sess, user.UserID())
		if err != nil {
			return err
		}

		switch {
		case found == nil:
			// no container yet; assign below

		case found.Running():
			if !m.pool.Contains(found.Hostname) {
				m.logger.Warn().Str("container", found.Dump()).Msg("Running assigned container was missing from the active pool")
			}
			m.pool.Set(found)
			result = found
			return nil

		case found.Checkpointed:
			// purge one standby first so the restore does not push the
			// running count past its bound
			if standby, err := m.svc.RandomStandby(ctx, sess); err == nil {
				if err := m.svc.Purge(ctx, sess, standby); err != nil {
					return err
				}
			} else if !errors.Is(err, container.ErrNoStandby) {
				return err
			}

			restored, err := m.svc.Restore(ctx, sess, found)
			if err != nil {
				return err
			}
			metrics.ContainersRestored.Inc()
			m.pool.Set(restored)
			result = restored
			return nil

		default:
			// neither running nor checkpointed: broken, purge and reassign
			m.logger.Error().Str("container", found.Dump()).Msg("Assigned container in error state, purging")
			if err := m.svc.Purge(ctx, sess, found); err != nil {
				return err
			}
		}

		assigned, err := m.svc.Assign(ctx, sess, user)
		if errors.Is(err, container.ErrNoStandby) {
			// one synchronous refill attempt before giving up
			if refillErr := m.refreshStandby(ctx, sess); refillErr != nil {
				return refillErr
			}
			assigned, err = m.svc.Assign(ctx, sess, user)
		}
		if err != nil {
			return err
		}
		metrics.ContainersAssigned.Inc()
		m.pool.Set(assigned)
		result = assigned

		// refill asynchronously so the next caller still finds a warm standby
		m.tasks.Add(1)
		go func() {
			defer m.tasks.Done()
			if err := m.RefreshStandbyPool(context.WithoutCancel(ctx)); err != nil {
				m.logger.Error().Err(err).Msg("Failed to refresh standby pool after assignment")
			}
		}()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetContainerByHostname resolves a hostname to its container.
func (m *Manager) GetContainerByHostname(ctx context.Context, hostname string) (*types.Container, error) {
	var result *types.Container
	err := engine.WithSession(ctx, m.client, engine.LockRead, func(ctx context.Context, sess *engine.Session) error {
		found, err := m.svc.Container(ctx, sess, hostname)
		if err != nil {
			return err
		}
		if found == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, hostname)
		}
		result = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetUnassignedContainer returns a random ready standby.
func (m *Manager) GetUnassignedContainer(ctx context.Context) (*types.Container, error) {
	var result *types.Container
	err := engine.WithSession(ctx, m.client, engine.LockRead, func(ctx context.Context, sess *engine.Session) error {
		standby, err := m.svc.RandomStandby(ctx, sess)
		if err != nil {
			return err
		}
		result = standby
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RefreshStandbyPool starts exited standbys and creates new ones until the
// pool reaches its target size.
func (m *Manager) RefreshStandbyPool(ctx context.Context) error {
	return engine.WithSession(ctx, m.client, engine.LockWrite, func(ctx context.Context, sess *engine.Session) error {
		return m.refreshStandby(ctx, sess)
	})
}

func (m *Manager) refreshStandby(ctx context.Context, sess *engine.Session) error {
	standbys, err := m.svc.Containers(ctx, sess, types.UnassignedUserID, false)
	if err != nil {
		return err
	}

	for _, standby := range standbys {
		if standby.Status == types.StatusExited && !standby.Checkpointed {
			if err := sess.Client.Start(ctx, standby.ID); err != nil {
				m.logger.Error().Err(err).Str("container", standby.Dump()).Msg("Failed to start exited standby")
			}
		}
	}

	deficit := m.cfg.MinStandbyContainers - len(standbys)
	if deficit <= 0 {
		metrics.StandbyContainers.Set(float64(len(standbys)))
		metrics.RunningContainers.Set(float64(len(standbys) + m.pool.Len()))
		return nil
	}
	m.logger.Info().Int("deficit", deficit).Msg("Backfilling standby pool")

	// sequential on purpose: parallel creates overwhelm the engine and each
	// create samples the mount-dir list for a unique hostname
	for i := 0; i < deficit; i++ {
		if err := sess.Nested(ctx, engine.LockWrite, func(ctx context.Context, nested *engine.Session) error {
			_, err := m.svc.CreateOrReplace(ctx, nested, "")
			return err
		}); err != nil {
			return err
		}
	}

	metrics.StandbyContainers.Set(float64(m.cfg.MinStandbyContainers))
	metrics.RunningContainers.Set(float64(m.cfg.MinStandbyContainers + m.pool.Len()))
	if m.broker != nil {
		m.broker.Publish(events.New(events.EventPoolRefilled, fmt.Sprintf("created %d standby containers", deficit), nil))
	}
	return nil
}

// PullImage refreshes the worker image, typically ahead of a fleet recreate.
func (m *Manager) PullImage(ctx context.Context) error {
	return engine.WithSession(ctx, m.client, engine.LockWrite, func(ctx context.Context, sess *engine.Session) error {
		return m.svc.PullImage(ctx, sess)
	})
}

// Info is a pool state snapshot served by the account endpoint.
type Info struct {
	ActiveContainers    int  `json:"active_containers"`
	ActiveCapacity      int  `json:"active_capacity"`
	StandbyTarget       int  `json:"standby_target"`
	ActiveTTLSeconds    int  `json:"active_ttl_seconds"`
	CheckpointSupported bool `json:"checkpoint_supported"`
}

// Info returns the current pool state.
func (m *Manager) Info() Info {
	return Info{
		ActiveContainers:    m.pool.Len(),
		ActiveCapacity:      m.nActive,
		StandbyTarget:       m.cfg.MinStandbyContainers,
		ActiveTTLSeconds:    int(m.cfg.ActiveTTL.Seconds()),
		CheckpointSupported: m.client.SupportsCheckpoint(),
	}
}

// RecreateAllContainers re-creates every known container from its mount
// directory, re-checkpointing persistent ones and purging one-time ones, then
// refills the standby pool. Used to roll image updates; active client
// connections to workers do not survive it.
func (m *Manager) RecreateAllContainers(ctx context.Context) error {
	err := engine.WithSession(ctx, m.client, engine.LockWrite, func(ctx context.Context, sess *engine.Session) error {
		all, err := m.svc.Containers(ctx, sess, "", false)
		if err != nil {
			return err
		}

		for _, c := range all {
			c := c
			// collect per-container failures so one bad container does
			// not abort the roll
			_ = sess.Nested(ctx, engine.LockWrite, func(ctx context.Context, nested *engine.Session) error {
				return m.recreateOne(ctx, nested, c)
			})
		}

		m.pool.Reset()
		if err := m.initActivePool(ctx, sess); err != nil {
			return err
		}
		return m.refreshStandby(ctx, sess)
	})
	if err != nil {
		return err
	}
	m.logger.Info().Msg("Recreated all containers")
	return nil
}

func (m *Manager) recreateOne(ctx context.Context, sess *engine.Session, c *types.Container) error {
	identity, err := m.svc.IdentityFromHostname(c.Hostname)
	if err != nil {
		return err
	}

	if identity.AssignedToApp() {
		// one-time sessions do not survive an image roll
		return m.svc.Purge(ctx, sess, c)
	}

	recreated, err := m.svc.CreateOrReplace(ctx, sess, m.svc.MountDir(c.Hostname))
	if err != nil {
		return err
	}
	if identity.AssignedToPersistentUser() && m.client.SupportsCheckpoint() {
		if _, err := m.svc.Checkpoint(ctx, sess, recreated); err != nil {
			return err
		}
		metrics.ContainersCheckpointed.Inc()
	}
	return nil
}

// InitActiveAssignedPool re-seeds the active pool from running assigned
// containers at gateway startup so their TTL clocks restart instead of the
// gateway forgetting them.
func (m *Manager) InitActiveAssignedPool(ctx context.Context) error {
	return engine.WithSession(ctx, m.client, engine.LockRead, func(ctx context.Context, sess *engine.Session) error {
		return m.initActivePool(ctx, sess)
	})
}

func (m *Manager) initActivePool(ctx context.Context, sess *engine.Session) error {
	all, err := m.svc.Containers(ctx, sess, "", false)
	if err != nil {
		return err
	}

	seeded := 0
	for _, c := range all {
		if !c.Running() || !c.Assigned() {
			continue
		}
		m.pool.Set(c)
		seeded++
	}
	metrics.ActiveContainers.Set(float64(m.pool.Len()))
	m.logger.Info().Int("count", seeded).Msg("Re-seeded active pool from running containers")
	return nil
}

// PerformMaintenance awaits outstanding background tasks, then expires
// overdue active entries. Returns the TTL so the caller can sleep exactly
// that long.
func (m *Manager) PerformMaintenance(ctx context.Context) time.Duration {
	m.tasks.Wait()

	expired := m.pool.Expire()
	if expired > 0 {
		m.logger.Info().Int("expired", expired).Msg("Expired active containers")
	}
	metrics.ActiveContainers.Set(float64(m.pool.Len()))
	return m.cfg.ActiveTTL
}

// ReleaseContainer checkpoints a persistent user's container or purges a
// one-time one, then refills the standby pool.
func (m *Manager) ReleaseContainer(ctx context.Context, c *types.Container) error {
	err := engine.WithSession(ctx, m.client, engine.LockWrite, func(ctx context.Context, sess *engine.Session) error {
		identity, err := m.svc.IdentityFromHostname(c.Hostname)
		if err != nil {
			return err
		}

		if identity.AssignedToPersistentUser() {
			if !m.client.SupportsCheckpoint() {
				// degraded engine: keep the container running and put it
				// back on the TTL clock
				m.logger.Warn().Str("container", c.Dump()).Msg("Checkpoint unsupported, keeping released container running")
				m.pool.Set(c)
				return nil
			}
			if _, err := m.svc.Checkpoint(ctx, sess, c); err != nil {
				return err
			}
			metrics.ContainersCheckpointed.Inc()
		} else {
			if err := m.svc.Purge(ctx, sess, c); err != nil {
				return err
			}
			metrics.ContainersPurged.Inc()
		}

		if m.broker != nil {
			m.broker.Publish(events.New(events.EventContainerReleased, c.Name, map[string]string{"hostname": c.Hostname}))
		}
		return m.refreshStandby(ctx, sess)
	})
	return err
}

// scheduleRelease is the shared eviction callback of the active pool.
func (m *Manager) scheduleRelease(c *types.Container) {
	m.tasks.Add(1)
	go func() {
		defer m.tasks.Done()
		if err := m.ReleaseContainer(context.Background(), c); err != nil {
			m.logger.Error().Err(err).Str("container", c.Dump()).Msg("Failed to release container")
		}
	}()
}

// activeCapacity bounds the active pool: 90% of host memory at one worker
// budget each, minus the warm standbys, capped by configuration.
func activeCapacity(totalMemory uint64, cfg *config.Config) int {
	if totalMemory == 0 {
		return cfg.MaxRunningContainers
	}
	byMemory := int(float64(totalMemory)*0.9/float64(workerMemoryBytes)) - cfg.MinStandbyContainers
	if byMemory < 1 {
		byMemory = 1
	}
	if cfg.MaxRunningContainers > 0 && byMemory > cfg.MaxRunningContainers {
		return cfg.MaxRunningContainers
	}
	return byMemory
}

// totalMemoryBytes reads MemTotal from /proc/meminfo; zero when unavailable
// (non-Linux hosts), which clamps the capacity to the configured maximum.
func totalMemoryBytes() uint64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb << 10
	}
	return 0
}
