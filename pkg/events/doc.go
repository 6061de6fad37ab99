/*
Package events provides an in-memory broker broadcasting container lifecycle
events.

Publishers never block: events fan out through a buffered channel and slow
subscribers drop messages rather than stall the container manager. The
gateway subscribes to clear per-container egress sessions when a container
is released or purged; the broker also feeds the topic-filtered container
log file.
*/
package events
