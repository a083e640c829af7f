package cmd

import (
	"github.com/spf13/cobra"

	"github.com/armadaproject/lcg/internal/lcgctl"
)

func submitCmd(app *lcgctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <job file>",
		Short: "Submit the job described by a job file.",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.Close()
			return app.Submit(cmd.Context(), args[0])
		},
	}
	return cmd
}

func resubmitCmd(app *lcgctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resubmit <job id>",
		Short: "Resubmit a finished job or subjob.",
		Long: `Resubmit a finished job or subjob, given as <job> or <job>.<subjob>.

For a job with subjobs every completed, failed or killed subjob is resubmitted,
unless --subjobs restricts the resubmission.`,
		Args: cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.Close()
			subjobs, err := cmd.Flags().GetIntSlice("subjobs")
			if err != nil {
				return err
			}
			return app.Resubmit(cmd.Context(), args[0], subjobs)
		},
	}
	cmd.Flags().IntSlice("subjobs", nil, "Ids of the subjobs to resubmit.")
	return cmd
}

func killCmd(app *lcgctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kill <job id>",
		Short: "Kill a job or subjob.",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.Close()
			return app.Kill(cmd.Context(), args[0])
		},
	}
	return cmd
}

func reconcileCmd(app *lcgctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Update active jobs from the middleware and retrieve finished outputs.",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.Close()
			watch, err := cmd.Flags().GetBool("watch")
			if err != nil {
				return err
			}
			if !watch {
				return app.Reconcile(cmd.Context())
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return app.Watch(ctx)
		},
	}
	cmd.Flags().Bool("watch", false, "Keep reconciling at the configured interval until interrupted.")
	return cmd
}

func matchCmd(app *lcgctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "match <job id>",
		Short: "List the computing elements a job could run on.",
		Args:  cobra.ExactArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.Close()
			return app.Match(cmd.Context(), args[0])
		},
	}
	return cmd
}

func statusCmd(app *lcgctl.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [job id...]",
		Short: "Print the status of jobs. Prints every active job if no id is given.",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initApp(cmd, app)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer app.Close()
			return app.Status(cmd.Context(), args)
		},
	}
	return cmd
}
