package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rerobots/hardshare/pkg/types"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "main.yaml")
	store, err := Open(path)
	require.NoError(t, err)
	return store
}

func TestOpenMissingFile(t *testing.T) {
	store := tempStore(t)
	snap := store.Snapshot()
	assert.Equal(t, SchemaVersion, snap.Version)
	assert.Empty(t, snap.WDeployments)
}

func TestPersistLoadRoundTrip(t *testing.T) {
	store := tempStore(t)

	wd := types.WDeployment{
		ID:         "b47cd57c-833b-47c1-964d-79e5e6f00dba",
		CProvider:  types.CProviderDocker,
		Image:      "rerobots/hs-generic:x86_64-latest",
		RawDevices: []string{"/dev/ttyUSB0"},
		InitInside: []string{"catkin build"},
		Addons:     map[string]map[string]string{"cam": {}},
	}
	require.NoError(t, store.Mutate(AddWDeployment(wd)))
	require.NoError(t, store.Mutate(AddToken("/tmp/jwt.txt")))
	require.NoError(t, store.Mutate(SetSSHKey("/home/u/.ssh/id_hs")))
	require.NoError(t, store.Persist())

	reopened, err := Open(store.Path())
	require.NoError(t, err)
	snap := reopened.Snapshot()

	assert.Equal(t, []string{"/tmp/jwt.txt"}, snap.APITokens)
	assert.Equal(t, "/home/u/.ssh/id_hs", snap.SSHKey)
	require.Len(t, snap.WDeployments, 1)
	assert.Equal(t, wd.ID, snap.WDeployments[0].ID)
	assert.Equal(t, wd.Image, snap.WDeployments[0].Image)
	assert.Equal(t, wd.RawDevices, snap.WDeployments[0].RawDevices)
	assert.True(t, snap.WDeployments[0].HasAddon("cam"))
}

func TestLoadCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{{{not yaml"), 0600))

	_, err := Open(path)
	assert.ErrorIs(t, err, types.ErrConfigCorrupt)
}

func TestLoadUnsupportedSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 99\n"), 0600))

	_, err := Open(path)
	assert.ErrorIs(t, err, types.ErrSchemaUnsupported)
}

// TestPersistLeavesNoTempFiles checks the atomic write cleans up after
// itself: only the config file remains in the directory
func TestPersistLeavesNoTempFiles(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, store.Persist())
	require.NoError(t, store.Persist())

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".main-"), "temp file left behind: %s", e.Name())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, store.Mutate(AddWDeployment(types.WDeployment{
		ID: "11111111-2222-3333-4444-555555555555", CProvider: types.CProviderPodman,
	})))

	snap := store.Snapshot()
	snap.WDeployments[0].Image = "tampered"
	snap.APITokens = append(snap.APITokens, "/tampered")

	fresh := store.Snapshot()
	assert.Empty(t, fresh.WDeployments[0].Image)
	assert.Empty(t, fresh.APITokens)
}

func TestMutations(t *testing.T) {
	const id = "b47cd57c-833b-47c1-964d-79e5e6f00dba"

	store := tempStore(t)
	require.NoError(t, store.Mutate(AddWDeployment(types.WDeployment{
		ID: id, CProvider: types.CProviderDocker,
	})))

	tests := []struct {
		name  string
		mut   func(*Config) error
		check func(*testing.T, *Config)
	}{
		{
			"assign image",
			AssignImage(id, "rerobots/hs-generic:armv7l-latest"),
			func(t *testing.T, c *Config) {
				assert.Equal(t, "rerobots/hs-generic:armv7l-latest", c.WDeployment(id).Image)
			},
		},
		{
			"set cprovider",
			SetCProvider(id, types.CProviderPodman),
			func(t *testing.T, c *Config) {
				assert.Equal(t, types.CProviderPodman, c.WDeployment(id).CProvider)
			},
		},
		{
			"add raw device",
			AddRawDevice(id, "/dev/video0"),
			func(t *testing.T, c *Config) {
				assert.Contains(t, c.WDeployment(id).RawDevices, "/dev/video0")
			},
		},
		{
			"add init inside",
			AddInitInside(id, "/bin/true"),
			func(t *testing.T, c *Config) {
				assert.Equal(t, []string{"/bin/true"}, c.WDeployment(id).InitInside)
			},
		},
		{
			"add terminate",
			AddTerminate(id, "sync"),
			func(t *testing.T, c *Config) {
				assert.Equal(t, []string{"sync"}, c.WDeployment(id).Terminate)
			},
		},
		{
			"set addon",
			SetAddon(id, "mistyproxy", map[string]string{"ip": "10.1.1.1"}),
			func(t *testing.T, c *Config) {
				assert.Equal(t, "10.1.1.1", c.WDeployment(id).Addons["mistyproxy"]["ip"])
			},
		},
		{
			"lock",
			SetLocked(id, true),
			func(t *testing.T, c *Config) {
				assert.True(t, c.WDeployment(id).Locked)
			},
		},
		{
			"unlock",
			SetLocked(id, false),
			func(t *testing.T, c *Config) {
				assert.False(t, c.WDeployment(id).Locked)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.Mutate(tt.mut))
			tt.check(t, store.Snapshot())
		})
	}
}

func TestMutationsUnknownWD(t *testing.T) {
	store := tempStore(t)
	err := store.Mutate(AssignImage("ffffffff-0000-0000-0000-000000000000", "x"))
	assert.ErrorIs(t, err, types.ErrUnknownWD)

	err = store.Mutate(RemoveWDeployment("ffffffff"))
	assert.ErrorIs(t, err, types.ErrUnknownWD)
}

func TestRemoveWDeploymentByPrefix(t *testing.T) {
	store := tempStore(t)
	require.NoError(t, store.Mutate(AddWDeployment(types.WDeployment{
		ID: "b47cd57c-833b-47c1-964d-79e5e6f00dba", CProvider: types.CProviderDocker,
	})))
	require.NoError(t, store.Mutate(RemoveWDeployment("b47cd57c")))
	assert.Empty(t, store.Snapshot().WDeployments)
}

func TestDuplicateWDRejected(t *testing.T) {
	store := tempStore(t)
	wd := types.WDeployment{ID: "11111111-2222-3333-4444-555555555555"}
	require.NoError(t, store.Mutate(AddWDeployment(wd)))
	assert.Error(t, store.Mutate(AddWDeployment(wd)))
}
