/*
Package transport maintains the persistent control channel to the
upstream coordinator.

The channel is a WebSocket carrying JSON text frames (types.Frame). The
client authenticates with the current API token at dial time, announces
the advertised workspace deployments and their instance states after
every (re)connect, exchanges heartbeats, and reconnects with exponential
backoff when the connection drops.

Inbound frames are delivered to a single inbox channel in arrival order;
the supervisor routes them to per-WD controllers. Outbound frames from
any number of producers are serialized through one writer goroutine, so
per-producer order is preserved.

Reconnect policy: 1 s initial backoff doubling to a 60 s cap. After 20
minutes of continuous failure the client reports degradation through the
OnDegraded callback and stops trying; Run returns and is not restarted
within the running daemon.
*/
package transport
