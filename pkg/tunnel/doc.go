/*
Package tunnel supervises the SSH reverse-tunnel child process.

A tunnel is an outbound ssh connection to the upstream gateway that
forwards an upstream-allocated port back to the local container. The
child is treated as an owned resource: Open starts it and a watcher
goroutine reports its exit through Done, Close terminates it with SIGINT
and escalates to SIGKILL after a short grace period.

Liveness here means only that the child process exists; end-to-end
reachability is confirmed by the upstream.
*/
package tunnel
