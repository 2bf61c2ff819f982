/*
Package controller implements the per-WD instance state machine.

Exactly one Controller exists per advertised workspace deployment. It
owns an inbox receiving upstream frames routed to its WD, local admin
requests, internal timer events, and completion notices from worker
goroutines. All state mutation happens on the controller goroutine; the
inbox serializes every input source, so the transition table in
pkg/types is the sole source of truth and no locks guard the state
machine itself.

Blocking sub-steps (container create, exec-inside, tunnel open, container
stop) run in worker goroutines that post their results back into the
inbox. The controller never waits on a provider call directly, so a slow
container runtime cannot delay handling of a RELEASE or an admin query.

State machine:

	IDLE    --acquire-->  INIT
	INIT    --init_ok-->  READY
	INIT    --init_err--> INIT_FAIL (lock the WD), then IDLE
	READY   --release/expire/verify_fail/term--> TERMINATING
	TERMINATING --term_done--> TERMINATED, then IDLE
	TERMINATING --term_err--> TERMINATED (lock the WD), then IDLE

A RELEASE that arrives during INIT lets the in-flight sub-step finish,
skips the remaining init commands, and proceeds straight to TERMINATING.
Duplicate RELEASE frames and repeated stop-ad admin calls are no-ops
after the first.
*/
package controller
