package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/armadaproject/lcg/internal/lcgctl"
)

const (
	configDirFlag  = "config-dir"
	configFileFlag = "config"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lcgctl",
		Short: "lcgctl submits and monitors jobs on LCG/gLite grid middleware.",
		Long: `lcgctl submits and monitors jobs on LCG/gLite grid middleware.

Jobs are described in a YAML job file. GLITE jobs with subjobs are submitted in
collections; job state is kept in a local database between invocations.

Configuration is read from config.yaml in --config-dir, with any --config files
merged on top and LCG_ prefixed environment variables applied last.`,
		SilenceUsage: true,
	}
	addConfigFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		submitCmd(lcgctl.New()),
		resubmitCmd(lcgctl.New()),
		killCmd(lcgctl.New()),
		reconcileCmd(lcgctl.New()),
		matchCmd(lcgctl.New()),
		statusCmd(lcgctl.New()),
	)
	return cmd
}

func addConfigFlags(flags *pflag.FlagSet) {
	flags.String(configDirFlag, "config/lcgctl", "Directory containing the base config.yaml.")
	flags.StringSlice(configFileFlag, nil, "Additional config files merged over the base config, in order.")
}

// initApp reads the config flags into the app params and builds the app.
func initApp(cmd *cobra.Command, app *lcgctl.App) error {
	dir, err := cmd.Flags().GetString(configDirFlag)
	if err != nil {
		return err
	}
	files, err := cmd.Flags().GetStringSlice(configFileFlag)
	if err != nil {
		return err
	}
	app.Params.ConfigDir = dir
	app.Params.ConfigFiles = files
	return app.Init(cmd.Context())
}

// signalContext returns a context that is cancelled on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
