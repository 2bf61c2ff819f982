/*
Package cprovider abstracts the container backend used for instances.

The instance controller depends only on the CProvider capability set:
create, start, stop, remove, exec-inside, healthy. Concrete backends are
thin translations over the provider's CLI:

  - docker, docker-rootless, podman: one adapter parameterized by binary
    (docker and podman share a command surface; the rootless variant only
    differs in which daemon the docker binary talks to)
  - lxd: the lxc client binary, whose verbs differ enough to warrant its
    own argument shapes
  - proxy: no container at all; TCP forwards to an already-running target
    with a sentinel handle

Containers created here are named rrc-<wd-prefix> unless the WD pins a
name, so that leftovers from a crashed run can be recognized and reaped
at startup.
*/
package cprovider
