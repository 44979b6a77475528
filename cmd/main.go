// Package cmd implements the assetpipe CLI
package cmd

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ngld/assetpipe/pkg"
	"github.com/ngld/assetpipe/pkg/config"
	"github.com/ngld/assetpipe/pkg/pipeline"
)

var rootCmd = &cobra.Command{
	Use:   "assetpipe [target...] [name=value...]",
	Short: "Builds front-end assets",
	Long: `This command loads the first assets.star file it finds and runs the given steps or step sets.
Without targets, the "default" step set is run. Arguments of the form name=value set script options.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := setup(cmd, args)
		if err != nil {
			return err
		}
		defer env.orch.Close()

		list, err := cmd.Flags().GetBool("list")
		if err != nil {
			return err
		}

		if list {
			printTargets(cmd, env)
			return nil
		}

		targets := env.targets
		if len(targets) == 0 {
			targets = []string{pipeline.DefaultSet}
		}

		// resolve everything first to make sure a typo doesn't leave a half finished build behind
		steps, err := resolveTargets(env.orch, targets)
		if err != nil {
			return err
		}

		bar := getProgressBar(env.cfg, len(steps))
		for _, step := range steps {
			bar.Describe(step.Name)
			err = env.orch.RunStep(env.ctx, step.Name)
			if err != nil {
				return err
			}
			_ = bar.Add(1)
		}

		return bar.Finish()
	},
}

// resolveTargets expands all targets into a flat list of steps. Steps listed by several targets only run once.
func resolveTargets(orch *pipeline.Orchestrator, targets []string) ([]*pipeline.Step, error) {
	seen := make(map[string]bool)
	result := make([]*pipeline.Step, 0)

	for _, name := range targets {
		steps, err := orch.Resolve(name)
		if err != nil {
			return nil, err
		}

		for _, step := range steps {
			if !seen[step.Name] {
				seen[step.Name] = true
				result = append(result, step)
			}
		}
	}

	return result, nil
}

func getProgressBar(cfg *config.Config, length int) *progressbar.ProgressBar {
	if cfg.Log.JSON || os.Getenv("CI") == "true" || length < 2 {
		return progressbar.NewOptions(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.NewOptions(length,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
}

type cliEnv struct {
	ctx     context.Context
	logger  *zerolog.Logger
	cfg     *config.Config
	orch    *pipeline.Orchestrator
	options map[string]pipeline.ScriptOption
	script  string
	targets []string
}

func splitArgs(args []string) (targets []string, options map[string]string) {
	targets = make([]string, 0, len(args))
	options = make(map[string]string)

	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			targets = append(targets, part)
		}
	}

	return
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Log.JSON {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(NewConsoleWriter())
	}

	return logger.Level(cfg.LogLevel())
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, loader := config.Loader()
	err := loader.Load()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load config")
	}

	flags := cmd.Flags()
	if flags.Changed("script") {
		cfg.Script, err = flags.GetString("script")
		if err != nil {
			return nil, err
		}
	}

	if flags.Changed("log-level") {
		cfg.Log.Level, err = flags.GetString("log-level")
		if err != nil {
			return nil, err
		}
	}

	if flags.Changed("json") {
		cfg.Log.JSON, err = flags.GetBool("json")
		if err != nil {
			return nil, err
		}
	}

	return cfg, cfg.Validate()
}

// setup loads the configuration and the build script shared by all commands
func setup(cmd *cobra.Command, args []string) (*cliEnv, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	dryRun, err := cmd.Flags().GetBool("dry")
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = pipeline.WithLogger(ctx, &logger)

	wd, err := os.Getwd()
	if err != nil {
		return nil, eris.Wrap(err, "failed to retrieve the current working directory")
	}

	script, err := pkg.FindUp(wd, cfg.Script)
	if err != nil {
		return nil, err
	}

	targets, optionValues := splitArgs(args)
	logger.Debug().Str("path", script).Msgf("loading %s", script)

	orch, options, err := pipeline.Load(ctx, script, filepath.Dir(script), optionValues,
		pipeline.WithSassCompiler(pipeline.NewDartSass(cfg.Sass.Binary, cfg.Sass.Timeout)),
		pipeline.WithDryRun(dryRun),
		pipeline.WithDebounce(cfg.Watch.Debounce),
	)
	if err != nil {
		return nil, err
	}

	return &cliEnv{
		ctx:     ctx,
		logger:  &logger,
		cfg:     cfg,
		orch:    orch,
		options: options,
		script:  script,
		targets: targets,
	}, nil
}

func printTargets(cmd *cobra.Command, env *cliEnv) {
	out := cmd.OutOrStdout()

	pkg.PrintTask(out, "Steps")
	for _, step := range env.orch.Steps() {
		pkg.PrintSubtask(out, step.Name, step.Desc)
	}

	pkg.PrintTask(out, "Step sets")
	for _, set := range env.orch.Sets() {
		desc := set.Desc
		if desc == "" {
			desc = strings.Join(set.Steps, ", ")
		}
		pkg.PrintSubtask(out, set.Name, desc)
	}

	if len(env.options) > 0 {
		pkg.PrintTask(out, "Options")
		for _, name := range sortedOptionNames(env.options) {
			opt := env.options[name]
			pkg.PrintSubtask(out, name+"="+opt.Default(), opt.Help)
		}
	}
}

func sortedOptionNames(options map[string]pipeline.ScriptOption) []string {
	names := make([]string, 0, len(options))
	for name := range options {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolP("dry", "n", false, "dry run; only print the artifacts that would be written")
	flags.StringP("script", "s", "", "build script to load (default assets.star)")
	flags.String("log-level", "", "one of trace, debug, info, warn, error (default info)")
	flags.Bool("json", false, "log JSON lines instead of pretty console messages")
	rootCmd.Flags().BoolP("list", "l", false, "list all steps, step sets and script options")
}

// Execute runs the CLI and exits with status 1 on failure
func Execute() {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		logger := zerolog.New(NewConsoleWriter())
		logger.Error().Err(err).Msg("assetpipe failed")
		os.Exit(1)
	}
}
