package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/OpenPeeDeeP/xdg"
	"gopkg.in/yaml.v3"

	"github.com/rerobots/hardshare/pkg/token"
	"github.com/rerobots/hardshare/pkg/types"
)

// SchemaVersion is the only config file version this build understands.
const SchemaVersion = 0

// Config is the persistent daemon configuration.
type Config struct {
	Version      int                 `yaml:"version"`
	APITokens    []string            `yaml:"api_tokens,omitempty"`
	ErrAPITokens map[string]string   `yaml:"err_api_tokens,omitempty"`
	SSHKey       string              `yaml:"ssh_key,omitempty"`
	WDeployments []types.WDeployment `yaml:"wdeployments,omitempty"`
}

// DefaultPath returns the config file location under the user's XDG
// config home.
func DefaultPath() string {
	d := xdg.New("", "hardshare")
	return filepath.Join(d.ConfigHome(), "main.yaml")
}

// New returns an empty configuration at the current schema version.
func New() *Config {
	return &Config{
		Version:      SchemaVersion,
		ErrAPITokens: make(map[string]string),
	}
}

// WDeployment returns the WD with the given id, or nil.
func (c *Config) WDeployment(id string) *types.WDeployment {
	for i := range c.WDeployments {
		if c.WDeployments[i].ID == id {
			return &c.WDeployments[i]
		}
	}
	return nil
}

// findWD resolves an id or unique id prefix to a WD index, or -1.
func (c *Config) findWD(id string) int {
	match := -1
	for i := range c.WDeployments {
		if c.WDeployments[i].ID == id {
			return i
		}
		if len(id) >= 8 && len(c.WDeployments[i].ID) >= len(id) && c.WDeployments[i].ID[:len(id)] == id {
			if match >= 0 {
				return -1
			}
			match = i
		}
	}
	return match
}

// clone returns a deep copy of the configuration.
func (c *Config) clone() *Config {
	out := &Config{
		Version: c.Version,
		SSHKey:  c.SSHKey,
	}
	out.APITokens = append([]string(nil), c.APITokens...)
	out.ErrAPITokens = make(map[string]string, len(c.ErrAPITokens))
	for k, v := range c.ErrAPITokens {
		out.ErrAPITokens[k] = v
	}
	for _, wd := range c.WDeployments {
		cp := wd
		cp.CArgs = append([]string(nil), wd.CArgs...)
		cp.RawDevices = append([]string(nil), wd.RawDevices...)
		cp.InitInside = append([]string(nil), wd.InitInside...)
		cp.Terminate = append([]string(nil), wd.Terminate...)
		if wd.Addons != nil {
			cp.Addons = make(map[string]map[string]string, len(wd.Addons))
			for name, params := range wd.Addons {
				pcp := make(map[string]string, len(params))
				for k, v := range params {
					pcp[k] = v
				}
				cp.Addons[name] = pcp
			}
		}
		out.WDeployments = append(out.WDeployments, cp)
	}
	return out
}

// load reads and validates the config file at path.
func load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrConfigCorrupt, path, err)
	}

	if cfg.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: found version %d, want %d",
			types.ErrSchemaUnsupported, cfg.Version, SchemaVersion)
	}

	if cfg.ErrAPITokens == nil {
		cfg.ErrAPITokens = make(map[string]string)
	}

	return &cfg, nil
}

// checkTokens re-reads every token file and refreshes err_api_tokens with
// the paths that are missing or expired. Valid records are returned.
func (c *Config) checkTokens() []*token.Record {
	c.ErrAPITokens = make(map[string]string)
	var ok []*token.Record
	for _, p := range c.APITokens {
		rec, err := token.LoadRecord(p)
		if err != nil {
			c.ErrAPITokens[p] = err.Error()
			continue
		}
		if rec.Expired() {
			c.ErrAPITokens[p] = "token expired"
			continue
		}
		ok = append(ok, rec)
	}
	return ok
}
