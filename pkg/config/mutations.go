package config

import (
	"fmt"

	"github.com/rerobots/hardshare/pkg/types"
)

// Structural mutation helpers used by the CLI and the controller. Each is
// meant to run inside Store.Mutate.

// AddWDeployment registers a new WD. The id must not collide.
func AddWDeployment(wd types.WDeployment) func(*Config) error {
	return func(c *Config) error {
		if c.WDeployment(wd.ID) != nil {
			return fmt.Errorf("workspace deployment %s already registered", wd.ID)
		}
		c.WDeployments = append(c.WDeployments, wd)
		return nil
	}
}

// RemoveWDeployment deletes a WD by id or unique prefix.
func RemoveWDeployment(id string) func(*Config) error {
	return func(c *Config) error {
		i := c.findWD(id)
		if i < 0 {
			return types.ErrUnknownWD
		}
		c.WDeployments = append(c.WDeployments[:i], c.WDeployments[i+1:]...)
		return nil
	}
}

// AddToken appends an API token file path.
func AddToken(path string) func(*Config) error {
	return func(c *Config) error {
		for _, p := range c.APITokens {
			if p == path {
				return nil
			}
		}
		c.APITokens = append(c.APITokens, path)
		return nil
	}
}

// RemoveToken drops an API token file path and any recorded error for it.
func RemoveToken(path string) func(*Config) error {
	return func(c *Config) error {
		for i, p := range c.APITokens {
			if p == path {
				c.APITokens = append(c.APITokens[:i], c.APITokens[i+1:]...)
				delete(c.ErrAPITokens, path)
				return nil
			}
		}
		return fmt.Errorf("token path %s not in config", path)
	}
}

// SetSSHKey records the private key used for tunnel children.
func SetSSHKey(path string) func(*Config) error {
	return func(c *Config) error {
		c.SSHKey = path
		return nil
	}
}

// onWD applies fn to the WD resolved from id.
func onWD(id string, fn func(*types.WDeployment) error) func(*Config) error {
	return func(c *Config) error {
		i := c.findWD(id)
		if i < 0 {
			return types.ErrUnknownWD
		}
		return fn(&c.WDeployments[i])
	}
}

// SetCProvider selects the container backend for a WD.
func SetCProvider(id string, kind types.CProviderKind) func(*Config) error {
	return onWD(id, func(wd *types.WDeployment) error {
		switch kind {
		case types.CProviderDocker, types.CProviderDockerRootless,
			types.CProviderPodman, types.CProviderLXD, types.CProviderProxy:
			wd.CProvider = kind
			return nil
		}
		return fmt.Errorf("unknown cprovider %q", kind)
	})
}

// AssignImage sets the container image reference for a WD.
func AssignImage(id, image string) func(*Config) error {
	return onWD(id, func(wd *types.WDeployment) error {
		wd.Image = image
		return nil
	})
}

// AddRawDevice exposes a host device path inside instances of the WD.
func AddRawDevice(id, path string) func(*Config) error {
	return onWD(id, func(wd *types.WDeployment) error {
		for _, d := range wd.RawDevices {
			if d == path {
				return nil
			}
		}
		wd.RawDevices = append(wd.RawDevices, path)
		return nil
	})
}

// RemoveRawDevice stops exposing a host device path.
func RemoveRawDevice(id, path string) func(*Config) error {
	return onWD(id, func(wd *types.WDeployment) error {
		for i, d := range wd.RawDevices {
			if d == path {
				wd.RawDevices = append(wd.RawDevices[:i], wd.RawDevices[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("raw device %s not configured", path)
	})
}

// AddInitInside appends a command run inside the container during INIT.
func AddInitInside(id, cmd string) func(*Config) error {
	return onWD(id, func(wd *types.WDeployment) error {
		wd.InitInside = append(wd.InitInside, cmd)
		return nil
	})
}

// RemoveInitInside drops the init command at the given position.
func RemoveInitInside(id string, index int) func(*Config) error {
	return onWD(id, func(wd *types.WDeployment) error {
		if index < 0 || index >= len(wd.InitInside) {
			return fmt.Errorf("init_inside index %d out of range", index)
		}
		wd.InitInside = append(wd.InitInside[:index], wd.InitInside[index+1:]...)
		return nil
	})
}

// AddTerminate appends a command run during TERMINATING.
func AddTerminate(id, cmd string) func(*Config) error {
	return onWD(id, func(wd *types.WDeployment) error {
		wd.Terminate = append(wd.Terminate, cmd)
		return nil
	})
}

// RemoveTerminate drops the terminate command at the given position.
func RemoveTerminate(id string, index int) func(*Config) error {
	return onWD(id, func(wd *types.WDeployment) error {
		if index < 0 || index >= len(wd.Terminate) {
			return fmt.Errorf("terminate index %d out of range", index)
		}
		wd.Terminate = append(wd.Terminate[:index], wd.Terminate[index+1:]...)
		return nil
	})
}

// SetAddon configures an add-on with its parameters on a WD.
func SetAddon(id, name string, params map[string]string) func(*Config) error {
	return onWD(id, func(wd *types.WDeployment) error {
		if wd.Addons == nil {
			wd.Addons = make(map[string]map[string]string)
		}
		if params == nil {
			params = map[string]string{}
		}
		wd.Addons[name] = params
		return nil
	})
}

// RemoveAddon removes an add-on from a WD.
func RemoveAddon(id, name string) func(*Config) error {
	return onWD(id, func(wd *types.WDeployment) error {
		if _, ok := wd.Addons[name]; !ok {
			return fmt.Errorf("addon %s not configured", name)
		}
		delete(wd.Addons, name)
		return nil
	})
}

// SetLocked sets or clears the per-WD lock.
func SetLocked(id string, locked bool) func(*Config) error {
	return onWD(id, func(wd *types.WDeployment) error {
		wd.Locked = locked
		return nil
	})
}
