/*
Package engine drives the docker or podman CLI and serializes container
mutations behind a process-wide lock.

The engine package is the lowest layer of the gateway: every container
operation eventually becomes a bounded subprocess invocation of the engine
CLI. No engine state is cached in the gateway; the CLI is the single source
of truth and every read re-inspects it.

# Architecture

	┌──────────────────── ENGINE LAYER ─────────────────────┐
	│                                                         │
	│  ┌────────────────────────────────────────┐            │
	│  │          Session (lock scope)           │            │
	│  │  - LockRead / LockWrite / LockNone      │            │
	│  │  - Nested scopes share the outer lock   │            │
	│  │  - errors collected with multierror     │            │
	│  └──────────────────┬─────────────────────┘            │
	│                     │                                   │
	│  ┌──────────────────▼─────────────────────┐            │
	│  │               Client                    │            │
	│  │  - typed wrappers: create, start, rm,   │            │
	│  │    checkpoint, restore, inspect, pull   │            │
	│  │  - per-call timeouts, sudo for CRIU     │            │
	│  └──────────────────┬─────────────────────┘            │
	│                     │                                   │
	│  ┌──────────────────▼─────────────────────┐            │
	│  │               Runner                    │            │
	│  │  - os/exec with kill-on-timeout         │            │
	│  │  - faked by tests                       │            │
	│  └────────────────────────────────────────┘            │
	└────────────────────────────────────────────────────────┘

# Locking

All mutating operations run inside a write session; proxies resolving a
container to an IP use read sessions. Sessions nest: an outer write session
can spawn nested scopes that keep or narrow the mode, never widen it
(ErrLockUpgrade). A nested scope's failure is collected on the root session
and surfaced when the outermost scope exits, so recreating one container out
of thirty does not abort the other twenty-nine.

# Engine differences

	SupportsCheckpoint()    podman on linux only
	--remote                prefixed to every podman invocation
	checkpoint/restore      run under sudo (CRIU needs root)
	DOCKER_HOST/CONTAINER_HOST  exported from the per-OS socket path

# Usage

	client := engine.NewClient(config.EnginePodman, "proj_internal-net")
	err := engine.WithSession(ctx, client, engine.LockWrite,
		func(ctx context.Context, sess *engine.Session) error {
			return sess.Client.Start(ctx, id)
		})

# Integration Points

  - pkg/container builds the gateway's container service on Client
  - pkg/manager opens sessions around every pool mutation
  - pkg/metrics observes per-call durations and error counts
*/
package engine
