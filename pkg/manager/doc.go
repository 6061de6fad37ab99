/*
Package manager sizes and schedules the container fleet: a warm standby pool
for instant assignment and a TTL-bounded active pool for running sessions.

# Pools

Standby pool: MIN_CONTAINER_POOL_SIZE anonymous containers kept ready so
assignment is a rename, not a create. Refilled sequentially after every
assignment, asynchronously on the request path and synchronously once when a
request finds the pool empty.

Active pool: every assigned, running container, keyed by hostname with a
per-entry TTL. Capacity is derived from host memory (one worker is budgeted
at 300 MiB over a 1.5 GiB system reserve) and capped by
MAX_NUM_RUNNING_CONTAINERS. When an insert would exceed capacity the oldest
entry is evicted and released early.

Expiry and eviction funnel into release: persistent users are checkpointed
so their browser profile survives; one-time app sessions are purged.

# Maintenance

The gateway calls PerformMaintenance on a loop that sleeps one TTL between
passes. A pass expires overdue entries, schedules their releases, and
returns the time until the next expiry so the loop adapts to the pool.

# Recovery

At startup InitActiveAssignedPool re-seeds the active pool from running
assigned containers so a gateway restart does not orphan them; their TTL
clocks restart. RecreateAllContainers rolls the fleet onto a freshly pulled
image, re-checkpointing persistent containers and purging one-time ones.

# Integration Points

  - pkg/container performs the per-container operations
  - pkg/engine provides the lock sessions bracketing every mutation
  - pkg/gateway runs the maintenance loop and the admin reload endpoint
*/
package manager
