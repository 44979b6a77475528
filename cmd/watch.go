package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:   "watch [name=value...]",
	Short: "Re-runs steps whenever their inputs change",
	Long: `Watches the inputs of all watch() rules declared in the build script and re-runs the mapped steps
whenever a matching file changes. Without watch rules, the inputs of the "default" step set are watched.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd, args)
		if err != nil {
			return err
		}
		defer env.orch.Close()

		if len(env.targets) > 0 {
			env.logger.Warn().Msgf("ignoring targets %v; watch uses the rules from %s", env.targets, env.script)
		}

		ctx, stop := signal.NotifyContext(env.ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		return env.orch.Watch(ctx)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
