/*
Package admin implements the local administrative socket.

Each advertised workspace deployment gets a Unix-domain socket at a
well-known per-WD path. Requests and responses are single-line JSON. The
server forwards every request into the owning controller's inbox and
waits for the reply within a bounded deadline; a slow controller yields
a timeout error to the caller rather than a hung CLI.

Stale sockets left behind by a crashed daemon are detected at startup
(the path exists but nothing accepts) and removed.

The Client half is used by the hardshare CLI, mapping failures onto its
documented exit codes.
*/
package admin
