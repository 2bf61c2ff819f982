package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rerobots/hardshare/pkg/admin"
	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/supervisor"
	"github.com/rerobots/hardshare/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const defaultImage = "rerobots/hs-generic:x86_64-latest"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// cliError carries the documented CLI exit code alongside the message.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }

func configError(err error) error { return &cliError{code: admin.ExitConfigError, err: err} }
func daemonError(err error) error { return &cliError{code: admin.ExitDaemonStopped, err: err} }

func exitCode(err error) int {
	if ce, ok := err.(*cliError); ok {
		return ce.code
	}
	return admin.ExitGeneralError
}

var rootCmd = &cobra.Command{
	Use:   "hardshare",
	Short: "hardshare - share your hardware through rerobots",
	Long: `hardshare is the host-side agent that makes a physical device
available as a short-lived, remotely reachable sandbox instance. It
advertises workspace deployments to the upstream coordinator, creates a
container around the device when one is allocated, opens a reverse
tunnel for the remote user, and tears everything down on release.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"hardshare version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringP("config-path", "c", "", "Config file path (default: per-user config dir)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(dissolveCmd)
	rootCmd.AddCommand(adCmd)
	rootCmd.AddCommand(stopAdCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(attachCameraCmd)
	rootCmd.AddCommand(stopCamerasCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(configAddonCmd)
	rootCmd.AddCommand(lockCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(terminateCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
		Output:     os.Stderr,
	})
}

// openStore opens the config store at the configured path.
func openStore() (*config.Store, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config-path")
	store, err := config.Open(path)
	if err != nil {
		return nil, configError(err)
	}
	return store, nil
}

// resolveWD picks the target WD: the argument (id or prefix) if given,
// otherwise the only registered WD.
func resolveWD(store *config.Store, args []string) (*types.WDeployment, error) {
	snap := store.Snapshot()
	if len(args) > 0 {
		for i := range snap.WDeployments {
			wd := &snap.WDeployments[i]
			if wd.ID == args[0] || strings.HasPrefix(wd.ID, args[0]) {
				return wd, nil
			}
		}
		return nil, configError(fmt.Errorf("no workspace deployment matches %q", args[0]))
	}
	if len(snap.WDeployments) == 0 {
		return nil, configError(fmt.Errorf("no workspace deployments registered; run `hardshare register`"))
	}
	return &snap.WDeployments[0], nil
}

// adminDo sends one request to the WD's admin socket.
func adminDo(wd *types.WDeployment, req admin.Request) (*admin.Response, error) {
	resp, err := admin.NewClient(wd.IDPrefix()).Do(req)
	if err != nil {
		return nil, daemonError(err)
	}
	if resp.Err != "" {
		return nil, fmt.Errorf("%s", resp.Err)
	}
	return resp, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a fresh hardshare configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		if err := store.Persist(); err != nil {
			return configError(err)
		}
		fmt.Printf("Configuration written to %s\n", store.Path())
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered workspace deployments",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		snap := store.Snapshot()

		fmt.Printf("Config: %s\n", store.Path())
		if snap.SSHKey != "" {
			fmt.Printf("SSH key: %s\n", snap.SSHKey)
		}
		for _, p := range snap.APITokens {
			if why, bad := snap.ErrAPITokens[p]; bad {
				fmt.Printf("Token: %s (error: %s)\n", p, why)
			} else {
				fmt.Printf("Token: %s\n", p)
			}
		}

		if len(snap.WDeployments) == 0 {
			fmt.Println("No workspace deployments registered.")
			return nil
		}
		for _, wd := range snap.WDeployments {
			fmt.Printf("\n%s\n", wd.ID)
			fmt.Printf("  cprovider: %s\n", wd.CProvider)
			fmt.Printf("  image: %s\n", wd.Image)
			if len(wd.RawDevices) > 0 {
				fmt.Printf("  raw devices: %s\n", strings.Join(wd.RawDevices, ", "))
			}
			if len(wd.InitInside) > 0 {
				fmt.Printf("  init inside: %s\n", strings.Join(wd.InitInside, "; "))
			}
			if len(wd.Terminate) > 0 {
				fmt.Printf("  terminate: %s\n", strings.Join(wd.Terminate, "; "))
			}
			if len(wd.Addons) > 0 {
				names := make([]string, 0, len(wd.Addons))
				for name := range wd.Addons {
					names = append(names, name)
				}
				fmt.Printf("  addons: %s\n", strings.Join(names, ", "))
			}
			fmt.Printf("  locked: %v\n", wd.Locked)
		}
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new workspace deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}

		kind, _ := cmd.Flags().GetString("cprovider")
		image, _ := cmd.Flags().GetString("image")

		wd := types.WDeployment{
			ID:        uuid.New().String(),
			CProvider: types.CProviderKind(kind),
			Image:     image,
		}
		if err := store.Mutate(config.AddWDeployment(wd)); err != nil {
			return configError(err)
		}
		if err := store.Persist(); err != nil {
			return configError(err)
		}
		fmt.Printf("Registered workspace deployment %s\n", wd.ID)
		return nil
	},
}

var dissolveCmd = &cobra.Command{
	Use:   "dissolve [WD]",
	Short: "Permanently remove a workspace deployment",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		wd, err := resolveWD(store, args)
		if err != nil {
			return err
		}

		fmt.Printf("This permanently removes %s from this host.\n", wd.ID)
		fmt.Printf("Type the first 8 characters of the id to confirm: ")
		reader := bufio.NewReader(os.Stdin)
		line, _ := reader.ReadString('\n')
		if strings.TrimSpace(line) != wd.IDPrefix() {
			return fmt.Errorf("confirmation mismatch; nothing removed")
		}

		if err := store.Mutate(config.RemoveWDeployment(wd.ID)); err != nil {
			return configError(err)
		}
		if err := store.Persist(); err != nil {
			return configError(err)
		}
		fmt.Printf("Removed %s\n", wd.ID)
		return nil
	},
}

var adCmd = &cobra.Command{
	Use:   "ad",
	Short: "Advertise workspace deployments and serve instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		detach, _ := cmd.Flags().GetBool("detach")
		if detach {
			return detachDaemon()
		}

		store, err := openStore()
		if err != nil {
			return err
		}

		upstreamURL, _ := cmd.Flags().GetString("url")
		ingestURL, _ := cmd.Flags().GetString("ingest-url")
		gatewayHost, _ := cmd.Flags().GetString("gateway-host")
		gatewayPort, _ := cmd.Flags().GetInt("gateway-port")
		gatewayUser, _ := cmd.Flags().GetString("gateway-user")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
		dataDir, _ := cmd.Flags().GetString("data-dir")

		if dataDir == "" {
			dataDir = filepath.Dir(store.Path())
		}

		sup, err := supervisor.New(supervisor.Config{
			Store:        store,
			DataDir:      dataDir,
			UpstreamURL:  upstreamURL,
			CamIngestURL: ingestURL,
			GatewayHost:  gatewayHost,
			GatewayPort:  gatewayPort,
			GatewayUser:  gatewayUser,
			MetricsAddr:  metricsAddr,
		})
		if err != nil {
			return configError(err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return sup.Run(ctx)
	},
}

// detachDaemon re-execs `hardshare ad` in the background.
func detachDaemon() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"ad"}
	for _, a := range os.Args[1:] {
		if a != "-d" && a != "--detach" && a != "ad" {
			args = append(args, a)
		}
	}

	child := exec.Command(self, args...)
	child.Stdout = nil
	child.Stderr = nil
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return err
	}
	fmt.Printf("hardshare daemon started (pid %d)\n", child.Process.Pid)
	return nil
}

var stopAdCmd = &cobra.Command{
	Use:   "stop-ad [WD]",
	Short: "Stop the advertising daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		wd, err := resolveWD(store, args)
		if err != nil {
			return err
		}
		if _, err := adminDo(wd, admin.Request{Cmd: admin.CmdStopAd}); err != nil {
			return err
		}
		fmt.Println("Daemon stopping.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [WD]",
	Short: "Show daemon and instance status",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		wd, err := resolveWD(store, args)
		if err != nil {
			return err
		}
		resp, err := adminDo(wd, admin.Request{Cmd: admin.CmdStatus})
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(resp.Payload, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var attachCameraCmd = &cobra.Command{
	Use:   "attach-camera DEVICE [WD]",
	Short: "Start streaming a local camera to instances",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		wd, err := resolveWD(store, args[1:])
		if err != nil {
			return err
		}

		cropsArg, _ := cmd.Flags().GetString("crop")
		crops := make(map[string][]int)
		if cropsArg != "" {
			if err := json.Unmarshal([]byte(cropsArg), &crops); err != nil {
				return fmt.Errorf("malformed --crop map: %w", err)
			}
		} else {
			// No crop map: full-frame for the target WD.
			crops[wd.ID] = nil
		}
		for id, box := range crops {
			if box == nil {
				crops[id] = []int{0, 0, 1 << 14, 1 << 14}
			}
		}

		_, err = adminDo(wd, admin.Request{
			Cmd:          admin.CmdAttachCamera,
			CameraDevice: args[0],
			CameraCrops:  crops,
		})
		if err != nil {
			return err
		}
		fmt.Println("Camera attached.")
		return nil
	},
}

var stopCamerasCmd = &cobra.Command{
	Use:   "stop-cameras [WD]",
	Short: "Stop all camera streams",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		wd, err := resolveWD(store, args)
		if err != nil {
			return err
		}
		if _, err := adminDo(wd, admin.Request{Cmd: admin.CmdStopCameras}); err != nil {
			return err
		}
		fmt.Println("Cameras stopped.")
		return nil
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock [WD]",
	Short: "Suppress new instances on a workspace deployment",
	RunE:  func(cmd *cobra.Command, args []string) error { return setLock(args, true) },
}

var unlockCmd = &cobra.Command{
	Use:   "unlock [WD]",
	Short: "Allow new instances on a workspace deployment",
	RunE:  func(cmd *cobra.Command, args []string) error { return setLock(args, false) },
}

// setLock updates the lock through the daemon when it runs, falling
// back to a direct config edit otherwise.
func setLock(args []string, locked bool) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	wd, err := resolveWD(store, args)
	if err != nil {
		return err
	}

	cmdName := admin.CmdUnlock
	if locked {
		cmdName = admin.CmdLock
	}
	if _, err := adminDo(wd, admin.Request{Cmd: cmdName}); err == nil {
		fmt.Printf("%s locked=%v\n", wd.ID, locked)
		return nil
	}

	if err := store.Mutate(config.SetLocked(wd.ID, locked)); err != nil {
		return configError(err)
	}
	if err := store.Persist(); err != nil {
		return configError(err)
	}
	fmt.Printf("%s locked=%v\n", wd.ID, locked)
	return nil
}

var monitorCmd = &cobra.Command{
	Use:   "monitor [WD]",
	Short: "Show recent instance lifecycle events",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		wd, err := resolveWD(store, args)
		if err != nil {
			return err
		}
		resp, err := adminDo(wd, admin.Request{Cmd: admin.CmdMonitor})
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(resp.Payload, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload [WD]",
	Short: "Reload the daemon configuration from disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		wd, err := resolveWD(store, args)
		if err != nil {
			return err
		}
		if _, err := adminDo(wd, admin.Request{Cmd: admin.CmdReloadConfig}); err != nil {
			return err
		}
		fmt.Println("Configuration reloaded.")
		return nil
	},
}

var terminateCmd = &cobra.Command{
	Use:   "terminate [WD]",
	Short: "Terminate the active instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		wd, err := resolveWD(store, args)
		if err != nil {
			return err
		}
		if _, err := adminDo(wd, admin.Request{Cmd: admin.CmdTerminateInstance}); err != nil {
			return err
		}
		fmt.Println("Instance terminating.")
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and provider availability",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		snap := store.Snapshot()

		problems := 0
		warn := func(format string, a ...interface{}) {
			problems++
			fmt.Printf("  ✗ "+format+"\n", a...)
		}

		fmt.Printf("Config: %s\n", store.Path())

		if len(snap.APITokens) == 0 {
			warn("no API token configured")
		}
		store.Tokens()
		for p, why := range store.Snapshot().ErrAPITokens {
			warn("token %s: %s", p, why)
		}

		if snap.SSHKey != "" {
			if _, err := os.Stat(snap.SSHKey); err != nil {
				warn("ssh key %s not readable", snap.SSHKey)
			}
		}

		binaries := map[types.CProviderKind]string{
			types.CProviderDocker:         "docker",
			types.CProviderDockerRootless: "docker",
			types.CProviderPodman:         "podman",
			types.CProviderLXD:            "lxc",
		}
		for _, wd := range snap.WDeployments {
			if bin, ok := binaries[wd.CProvider]; ok {
				if _, err := exec.LookPath(bin); err != nil {
					warn("wd %s: provider binary %q not found", wd.IDPrefix(), bin)
				}
			}
			for _, dev := range wd.RawDevices {
				if _, err := os.Stat(dev); err != nil {
					warn("wd %s: raw device %s absent", wd.IDPrefix(), dev)
				}
			}
		}

		if problems == 0 {
			fmt.Println("  ✓ everything looks good")
			return nil
		}
		return configError(fmt.Errorf("%d problem(s) found", problems))
	},
}

var rulesCmd = &cobra.Command{
	Use:   "rules [WD]",
	Short: "Show how capability rules are handled",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		wd, err := resolveWD(store, args)
		if err != nil {
			return err
		}

		addSubject, _ := cmd.Flags().GetString("allow")
		denySubject, _ := cmd.Flags().GetString("deny")

		// Rulesets reach the controller only through upstream CONTROL_RULE
		// frames; the CLI installs nothing and only echoes the rule it was
		// given.
		switch {
		case addSubject != "":
			fmt.Printf("allow %s CAP_INSTANTIATE on %s (not applied locally; rules come from the upstream)\n", addSubject, wd.IDPrefix())
		case denySubject != "":
			fmt.Printf("deny %s CAP_INSTANTIATE on %s (not applied locally; rules come from the upstream)\n", denySubject, wd.IDPrefix())
		default:
			fmt.Printf("Rules for %s are managed by the upstream; default is deny.\n", wd.ID)
		}
		return nil
	},
}

var configAddonCmd = &cobra.Command{
	Use:   "config-addon NAME [WD]",
	Short: "Configure an add-on on a workspace deployment",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		wd, err := resolveWD(store, args[1:])
		if err != nil {
			return err
		}

		remove, _ := cmd.Flags().GetBool("remove")
		if remove {
			if err := store.Mutate(config.RemoveAddon(wd.ID, args[0])); err != nil {
				return configError(err)
			}
		} else {
			params := make(map[string]string)
			kvs, _ := cmd.Flags().GetStringSlice("param")
			for _, kv := range kvs {
				parts := strings.SplitN(kv, "=", 2)
				if len(parts) != 2 {
					return fmt.Errorf("malformed --param %q, want key=value", kv)
				}
				params[parts[0]] = parts[1]
			}
			if err := store.Mutate(config.SetAddon(wd.ID, args[0], params)); err != nil {
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
	registerCmd.Flags().String("cprovider", string(types.CProviderDocker), "Container provider (docker, docker-rootless, podman, lxd, proxy)")
	registerCmd.Flags().String("image", defaultImage, "Container image reference")

	adCmd.Flags().BoolP("detach", "d", false, "Run the daemon in the background")
	adCmd.Flags().String("url", "wss://api.rerobots.net/hardshare/ad", "Upstream control endpoint")
	adCmd.Flags().String("ingest-url", "wss://api.rerobots.net/hardshare/cam", "Camera ingest endpoint")
	adCmd.Flags().String("gateway-host", "tun.rerobots.net", "Tunnel gateway host")
	adCmd.Flags().Int("gateway-port", 2210, "Tunnel gateway port")
	adCmd.Flags().String("gateway-user", "hs", "Tunnel gateway user")
	adCmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics at this address (disabled if empty)")
	adCmd.Flags().String("data-dir", "", "Daemon data directory (default: config dir)")

	attachCameraCmd.Flags().String("crop", "", `JSON crop map: {"<wd-id>": [x0,y0,x1,y1], ...}`)

	rulesCmd.Flags().String("allow", "", "Allow a subject to instantiate")
	rulesCmd.Flags().String("deny", "", "Deny a subject from instantiating")

	configAddonCmd.Flags().Bool("remove", false, "Remove the add-on instead of configuring it")
	configAddonCmd.Flags().StringSlice("param", nil, "Add-on parameter key=value (repeatable)")
}
