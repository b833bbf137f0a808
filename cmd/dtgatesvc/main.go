package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dtgate/dtgate/internal/plugin"
	"github.com/dtgate/dtgate/internal/service"
	"github.com/dtgate/dtgate/internal/store"
)

// Version is stamped by the release build.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dtgatesvc",
	Short: "Install and supervise replication engines as services",
	Long: `dtgatesvc keeps replication engines running without an operator.

An installed mapping gets a svc- marker under config/ and, on Windows,
a service manager entry that starts the supervisor at boot. The
supervisor restarts the engine whenever a server outage makes it exit,
and stands down when the engine stops cleanly or a failed cycle blocks
the mapping.

The root directory defaults to the DTG_ROOT environment variable, then
the current directory.

Examples:
  dtgatesvc install jobs-to-bugz
  dtgatesvc run jobs-to-bugz /opt/dtgate
  dtgatesvc remove jobs-to-bugz
  dtgatesvc remove-all`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var installCmd = &cobra.Command{
	Use:   "install <mapping-id> [<root-dir>]",
	Short: "Register a mapping for supervision",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := openRoot(args)
		if err != nil {
			return err
		}
		if err := service.Install(root, args[0]); err != nil {
			return err
		}
		fmt.Printf("installed mapping %s\n", args[0])
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <mapping-id> [<root-dir>]",
	Short: "Unregister a supervised mapping",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := openRoot(args)
		if err != nil {
			return err
		}
		if err := service.Remove(root, args[0]); err != nil {
			return err
		}
		fmt.Printf("removed mapping %s\n", args[0])
		return nil
	},
}

var removeAllCmd = &cobra.Command{
	Use:   "remove-all [<root-dir>]",
	Short: "Unregister every supervised mapping",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := viper.GetString("root")
		if len(args) == 1 {
			dir = args[0]
		}
		root, err := store.NewRoot(dir)
		if err != nil {
			return err
		}
		removed, err := service.RemoveAll(root)
		for _, id := range removed {
			fmt.Printf("removed mapping %s\n", id)
		}
		return err
	},
}

var listCmd = &cobra.Command{
	Use:   "list [<root-dir>]",
	Short: "List supervised mappings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := viper.GetString("root")
		if len(args) == 1 {
			dir = args[0]
		}
		root, err := store.NewRoot(dir)
		if err != nil {
			return err
		}
		ids, err := service.List(root)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <mapping-id> [<root-dir>]",
	Short: "Supervise a mapping's engine until stopped",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := openRoot(args)
		if err != nil {
			return err
		}
		if _, err := os.Stat(root.ServiceMarker(args[0])); err != nil {
			return fmt.Errorf("mapping %s is not installed as a service", args[0])
		}
		reg := plugin.Default()
		if err := reg.LoadDir(root.PluginsDir(), stderrLog{}); err != nil {
			return fmt.Errorf("load plugins: %w", err)
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return service.RunService(ctx, root, args[0], reg, clock.WallClock, stderrLog{})
	},
}

func openRoot(args []string) (*store.Root, error) {
	dir := viper.GetString("root")
	if len(args) == 2 {
		dir = args[1]
	}
	root, err := store.NewRoot(dir)
	if err != nil {
		return nil, err
	}
	return root, root.EnsureLayout()
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("dtgatesvc {{.Version}}\n")
	rootCmd.AddCommand(installCmd, removeCmd, removeAllCmd, listCmd, runCmd)

	viper.SetEnvPrefix("dtg")
	viper.BindEnv("root")
	viper.SetDefault("root", ".")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dtgatesvc:", err)
		os.Exit(1)
	}
}

// stderrLog is the supervisor's console logger; the engine keeps its
// own per-mapping log file.
type stderrLog struct{}

func (stderrLog) Infof(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func (stderrLog) Warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}

func (stderrLog) Errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
