package pipeline

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"runtime"

	"github.com/aidarkhanov/nanoid"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	yamlCache    map[string]interface{}
	filepath     string
	projectRoot  string
	steps        []*Step
	sets         []*StepSet
	rules        []*WatchRule
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

type starlarkIterable interface {
	Len() int
	Iterate() starlark.Iterator
}

func starlarkIterable2stringSlice(input starlarkIterable, field string) ([]string, error) {
	if value, ok := input.(*starlark.List); ok && value == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case StarlarkPath:
			result = append(result, string(value))
		default:
			return nil, eris.Errorf("expected all items in %s to be strings or paths but found %s", field, item.Type())
		}
	}
	return result, nil
}

// starlarkStepNames accepts step values as well as plain step names
func starlarkStepNames(input *starlark.List, field string) ([]string, error) {
	if input == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case *Step:
			result = append(result, value.Name)
		default:
			return nil, eris.Errorf("expected all items in %s to be steps or step names but found %s", field, item.Type())
		}
	}
	return result, nil
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Info().
		Msgf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	log(ctx.ctx).Warn().
		Msgf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
}

// * Declarations

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func step(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var inputs *starlark.List
	var stages *starlark.List
	var output string
	var dest string

	step := new(Step)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &step.Name, "inputs", &inputs, "stages?", &stages,
		"output?", &output, "dest?", &dest, "desc?", &step.Desc, "base?", &step.Base, "precompress?", &step.Precompress)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if step.Base == "" {
		step.Base = "."
	}
	step.Base = normalizePath(ctx, step.Base)

	patterns, err := starlarkIterable2stringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	step.Inputs = make([]string, len(patterns))
	for idx, item := range patterns {
		step.Inputs[idx] = normalizePattern(ctx, step.Base, item)
	}

	if output != "" {
		step.Output = normalizePath(ctx, step.Base, output)
	}
	if dest != "" {
		step.Dest = normalizePath(ctx, step.Base, dest)
	}

	step.Stages = make([]Stage, 0)
	if stages != nil {
		iter := stages.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			value, ok := item.(stageValue)
			if !ok {
				return nil, eris.Errorf("%s: unexpected type %s in stages, use scss(), concat(), minify() or shell()", fn.Name(), item.Type())
			}
			step.Stages = append(step.Stages, value.stage)
		}
	}

	ctx.steps = append(ctx.steps, step)
	return step, nil
}

func stepSet(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var steps *starlark.List
	set := new(StepSet)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &set.Name, "steps", &steps, "desc?", &set.Desc)
	if err != nil {
		return nil, err
	}

	set.Steps, err = starlarkStepNames(steps, "steps")
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	ctx.sets = append(ctx.sets, set)
	return starlark.String(set.Name), nil
}

func watch(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var inputs *starlark.List
	var steps *starlark.List
	rule := new(WatchRule)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "inputs", &inputs, "steps", &steps, "name?", &rule.Name, "base?", &rule.Base)
	if err != nil {
		return nil, err
	}

	if rule.Name == "" {
		rule.Name = "watch#" + nanoid.New()
	}

	ctx := getCtx(thread)
	if rule.Base == "" {
		rule.Base = "."
	}
	rule.Base = normalizePath(ctx, rule.Base)

	patterns, err := starlarkIterable2stringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	rule.Inputs = make([]string, len(patterns))
	for idx, item := range patterns {
		rule.Inputs[idx] = normalizePattern(ctx, rule.Base, item)
	}

	rule.Steps, err = starlarkStepNames(steps, "steps")
	if err != nil {
		return nil, err
	}

	ctx.rules = append(ctx.rules, rule)
	return starlark.String(rule.Name), nil
}

func loadDotEnv(projectRoot string) (map[string]string, error) {
	envFile := filepath.Join(projectRoot, ".env")
	if _, err := os.Stat(envFile); err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, eris.Wrapf(err, "failed to check %s", envFile)
	}

	values, err := godotenv.Read(envFile)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", envFile)
	}

	return values, nil
}

// Load executes the given build script and returns an orchestrator holding the declared steps, sets and watch
// rules, as well as the options the script declared. The script's top level runs in the init phase where
// option() may be used. If the script defines a configure() function, it's called afterwards.
func Load(ctx context.Context, filename, projectRoot string, options map[string]string, opts ...Option) (*Orchestrator, map[string]ScriptOption, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, err
	}

	envOverrides, err := loadDotEnv(projectRoot)
	if err != nil {
		return nil, nil, err
	}

	builtins := starlark.StringDict{
		"OS":           starlark.String(runtime.GOOS),
		"ARCH":         starlark.String(runtime.GOARCH),
		"info":         starlark.NewBuiltin("info", starInfo),
		"warn":         starlark.NewBuiltin("warn", starWarn),
		"error":        starlark.NewBuiltin("error", starError),
		"resolve_path": starlark.NewBuiltin("resolve_path", resolvePath),
		"option":       starlark.NewBuiltin("option", option),
		"getenv":       starlark.NewBuiltin("getenv", getenv),
		"setenv":       starlark.NewBuiltin("setenv", setenv),
		"prepend_path": starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":    starlark.NewBuiltin("read_yaml", readYaml),
		"isdir":        starlark.NewBuiltin("isdir", starIsdir),
		"isfile":       starlark.NewBuiltin("isfile", starIsfile),
		"step":         starlark.NewBuiltin("step", step),
		"step_set":     starlark.NewBuiltin("step_set", stepSet),
		"watch":        starlark.NewBuiltin("watch", watch),
		"scss":         starlark.NewBuiltin("scss", starScss),
		"concat":       starlark.NewBuiltin("concat", starConcat),
		"minify":       starlark.NewBuiltin("minify", starMinify),
		"shell":        starlark.NewBuiltin("shell", starShell),
	}

	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: envOverrides,
		yamlCache:    make(map[string]interface{}),
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	script, err := ioutil.ReadFile(filename)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to read file")
	}

	scriptName := simplifyPath(&threadCtx, filename)
	globals, err := starlark.ExecFile(thread, scriptName, script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("failed to execute %s:\n%s", scriptName, evalError.Backtrace())}
		}
		return nil, nil, &ConfigurationError{Reason: fmt.Sprintf("failed to execute %s: %s", scriptName, err)}
	}

	if configure, ok := globals["configure"]; ok {
		configureFunc, ok := configure.(starlark.Callable)
		if !ok {
			return nil, nil, configErrorf("%s did declare a configure value but it's not a function", scriptName)
		}

		threadCtx.initPhase = false
		_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
		if err != nil {
			if evalError, ok := err.(*starlark.EvalError); ok {
				return nil, nil, &ConfigurationError{Reason: evalError.Backtrace()}
			}
			return nil, nil, configErrorf("failed configure call in %s: %s", scriptName, err)
		}
	}

	opts = append([]Option{WithEnv(getEnvVars(&threadCtx)), WithDir(projectRoot)}, opts...)
	orch := New(opts...)

	for _, item := range threadCtx.steps {
		if err := orch.Register(item); err != nil {
			return nil, nil, err
		}
	}

	for _, item := range threadCtx.sets {
		if err := orch.RegisterSet(item); err != nil {
			return nil, nil, err
		}
	}

	for _, item := range threadCtx.rules {
		if err := orch.RegisterWatch(item); err != nil {
			return nil, nil, err
		}
	}

	if err := orch.Validate(); err != nil {
		return nil, nil, err
	}

	return orch, threadCtx.options, nil
}
