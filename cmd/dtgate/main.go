package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dtgate/dtgate/internal/engine"
	"github.com/dtgate/dtgate/internal/plugin"
	"github.com/dtgate/dtgate/internal/store"
)

// Version is stamped by the release build.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "dtgate <mapping-id> [<root-dir>]",
	Short: "Replicate defect records between an SCM and a defect tracker",
	Long: `dtgate runs the replication engine for one configured mapping.

The mapping, its two sources and its watermark settings are read from
the config/ directory under the root; repl/ holds the per-mapping log
and the run/stop/err marker files. The root directory defaults to the
DTG_ROOT environment variable, then the current directory.

Examples:
  dtgate jobs-to-bugz                # replicate mapping jobs-to-bugz
  dtgate jobs-to-bugz /opt/dtgate    # explicit root directory
  DTG_ROOT=/opt/dtgate dtgate jobs-to-bugz`,
	Args:          cobra.RangeArgs(1, 2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runEngine,
}

func init() {
	rootCmd.Version = Version
	rootCmd.SetVersionTemplate("dtgate {{.Version}}\n")
	rootCmd.Flags().BoolP("version", "V", false, "print the version and exit")

	viper.SetEnvPrefix("dtg")
	viper.BindEnv("root")
	viper.SetDefault("root", ".")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "dtgate:", err)
		os.Exit(1)
	}
}

func runEngine(cmd *cobra.Command, args []string) error {
	id := args[0]
	dir := viper.GetString("root")
	if len(args) == 2 {
		dir = args[1]
	}
	root, err := store.NewRoot(dir)
	if err != nil {
		return err
	}

	reg := plugin.Default()
	if err := reg.LoadDir(root.PluginsDir(), stderrLog{}); err != nil {
		return fmt.Errorf("load plugins: %w", err)
	}

	eng, err := engine.New(root, id, reg, clock.WallClock)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return eng.Run(ctx)
}

// stderrLog carries plugin-loader messages before the mapping log is
// open.
type stderrLog struct{}

func (stderrLog) Infof(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func (stderrLog) Warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "warning: "+format+"\n", args...)
}
