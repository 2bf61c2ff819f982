package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/types"
)

// configCmd applies structural edits to the on-disk configuration. Every
// flag maps onto one config mutation; several may be combined in one
// invocation and they persist together.
var configCmd = &cobra.Command{
	Use:   "config [WD]",
	Short: "Edit the hardshare configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		// Global mutations need no WD; scoped ones resolve one target.
		var muts []func(*config.Config) error
		var scoped []func(id string) func(*config.Config) error

		if v, _ := cmd.Flags().GetString("add-token"); v != "" {
			muts = append(muts, config.AddToken(v))
		}
		if v, _ := cmd.Flags().GetString("rm-token"); v != "" {
			muts = append(muts, config.RemoveToken(v))
		}
		if v, _ := cmd.Flags().GetString("ssh-key"); v != "" {
			muts = append(muts, config.SetSSHKey(v))
		}

		if v, _ := cmd.Flags().GetString("assign-image"); v != "" {
			img := v
			scoped = append(scoped, func(id string) func(*config.Config) error {
				return config.AssignImage(id, img)
			})
		}
		if v, _ := cmd.Flags().GetString("cprovider"); v != "" {
			kind := types.CProviderKind(v)
			scoped = append(scoped, func(id string) func(*config.Config) error {
				return config.SetCProvider(id, kind)
			})
		}
		if v, _ := cmd.Flags().GetString("add-raw-device"); v != "" {
			dev := v
			scoped = append(scoped, func(id string) func(*config.Config) error {
				return config.AddRawDevice(id, dev)
			})
		}
		if v, _ := cmd.Flags().GetString("rm-raw-device"); v != "" {
			dev := v
			scoped = append(scoped, func(id string) func(*config.Config) error {
				return config.RemoveRawDevice(id, dev)
			})
		}
		if v, _ := cmd.Flags().GetString("add-init-inside"); v != "" {
			c := v
			scoped = append(scoped, func(id string) func(*config.Config) error {
				return config.AddInitInside(id, c)
			})
		}
		if cmd.Flags().Changed("rm-init-inside") {
			i, _ := cmd.Flags().GetInt("rm-init-inside")
			scoped = append(scoped, func(id string) func(*config.Config) error {
				return config.RemoveInitInside(id, i)
			})
		}
		if v, _ := cmd.Flags().GetString("add-terminate"); v != "" {
			c := v
			scoped = append(scoped, func(id string) func(*config.Config) error {
				return config.AddTerminate(id, c)
			})
		}
		if cmd.Flags().Changed("rm-terminate") {
			i, _ := cmd.Flags().GetInt("rm-terminate")
			scoped = append(scoped, func(id string) func(*config.Config) error {
				return config.RemoveTerminate(id, i)
			})
		}

		if len(muts) == 0 && len(scoped) == 0 {
			return fmt.Errorf("nothing to do; see `hardshare config --help`")
		}

		if len(scoped) > 0 {
			wd, err := resolveWD(store, args)
			if err != nil {
				return err
			}
			for _, build := range scoped {
				muts = append(muts, build(wd.ID))
			}
		}

		for _, mut := range muts {
			if err := store.Mutate(mut); err != nil {
				return configError(err)
			}
		}
		if err := store.Persist(); err != nil {
			return configError(err)
		}
		return nil
	},
}

func init() {
	configCmd.Flags().String("add-token", "", "Add an API token file path")
	configCmd.Flags().String("rm-token", "", "Remove an API token file path")
	configCmd.Flags().String("ssh-key", "", "Set the SSH private key path")
	configCmd.Flags().String("assign-image", "", "Set the container image for the WD")
	configCmd.Flags().String("cprovider", "", "Set the container provider for the WD")
	configCmd.Flags().String("add-raw-device", "", "Expose a host device path in the WD")
	configCmd.Flags().String("rm-raw-device", "", "Stop exposing a host device path")
	configCmd.Flags().String("add-init-inside", "", "Append an init-inside command")
	configCmd.Flags().Int("rm-init-inside", -1, "Remove the init-inside command at this index")
	configCmd.Flags().String("add-terminate", "", "Append a terminate command")
	configCmd.Flags().Int("rm-terminate", -1, "Remove the terminate command at this index")
}
