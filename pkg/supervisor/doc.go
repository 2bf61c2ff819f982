/*
Package supervisor wires the daemon together.

Bring-up order is config store, journal, upstream transport, admin
sockets, per-WD controllers, then the optional camera pipeline; teardown
runs in reverse. The supervisor owns the only collection of controllers
and routes inbound upstream frames to them by WD id; controllers hold
references back to the shared transport and config store but never to
each other or to the supervisor.

At startup, containers left over from a crashed run (recognized by the
rrc- name prefix) are removed, as are stale admin sockets.

Shutdown is a single context cancellation: each controller gracefully
terminates a READY instance, and the supervisor waits for all of them up
to a hard deadline before returning.
*/
package supervisor
