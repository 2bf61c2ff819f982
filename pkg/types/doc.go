/*
Package types defines the core data structures used throughout hardshare.

This package contains the domain model shared by all other packages:
workspace deployments, instances and their lifecycle states, upstream wire
frames, and the sentinel errors used for classification across package
boundaries.

# Core Types

Workspace deployments and instances:
  - WDeployment: a persistently registered, shareable hardware configuration
  - Instance: a time-bounded allocation of a WD to a remote user
  - InstanceState: IDLE, INIT, READY, TERMINATING, INIT_FAIL, TERMINATED
  - ConnType: how the remote user reaches the instance (sshtun or proxy)

Wire protocol:
  - Frame: the JSON text frame exchanged with the upstream coordinator
  - AnnouncedWD: per-WD entry in the post-connect ANNOUNCE frame

The state machine is encoded in ValidTransition; the instance controller
consults it before every transition and tests assert against it directly.

All types are plain data. Behavior lives in the packages that own the
respective concern (config, controller, transport).
*/
package types
