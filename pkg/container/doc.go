/*
Package container implements the worker container lifecycle: creation,
assignment, checkpoint/restore, and purge.

Every user of the gateway gets a dedicated worker container. Containers are
born as anonymous standbys, renamed to "{user_id}-{hostname}" on assignment,
checkpointed when their session expires, and restored on the user's next
connection. The durable identity of a container is its hostname: a six
character string drawn from an alphabet without look-alike characters
(23456789abcdefghijkmnpqrstuvwxyz), unique across the per-container mount
directories under {data_dir}/container_mounts.

# Lifecycle

	create ──► standby ──► assign ──► active ──┬─► checkpoint ──► restore ─┐
	                                           │                           │
	                                           └─► purge (one-time apps)   │
	                                                  ▲                    │
	                                                  └────────────────────┘

Each container owns one mount directory holding its browser profile and a
metadata.json recording the assigned user. CreateOrReplace can rebuild any
container from its mount directory alone, which is how image rolls and crash
recovery work. Purged containers have their mount directory quarantined under
__cleanup/ rather than deleted.

# Readiness

A freshly started worker needs about 20 seconds before it can serve. Standby
selection only considers containers outside this startup window; route
discovery blocks for the same window when the pool is still warming.

# Integration Points

  - pkg/engine executes every operation inside the caller's lock session
  - pkg/manager owns pool sizing and drives assignment and maintenance
  - pkg/events receives created/assigned/checkpointed/restored/purged events
*/
package container
