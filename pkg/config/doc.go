/*
Package config implements the on-disk configuration store.

The configuration lives in a single YAML file under the user's config
directory (by default ~/.config/hardshare/main.yaml). It holds the set of
registered workspace deployments, the API token paths, and the SSH key
path, together with a schema version field.

# Access model

A Store wraps the parsed configuration behind a reader/writer gate:
Snapshot returns a deep copy for concurrent readers, Mutate applies a
structural change to the in-memory copy under the writer lock, and Persist
writes the file atomically (temp file in the same directory, fsync, rename,
fsync of the directory) so a partial write is never visible to the next
start.

Load fails with types.ErrConfigCorrupt when the file exists but cannot be
parsed, and with types.ErrSchemaUnsupported when the version field is not
recognized. Both are fatal at daemon startup.
*/
package config
