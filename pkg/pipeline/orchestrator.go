package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/gobwas/glob"
)

// DefaultSet is the name of the step set that runs when no target is given
const DefaultSet = "default"

// reserved names can't be used for steps or sets since the CLI treats them as commands
var reservedNames = map[string]bool{
	"watch": true,
}

type registeredStep struct {
	*Step
	exclude []glob.Glob
}

type registeredRule struct {
	*WatchRule
	include []glob.Glob
	exclude []glob.Glob
	dirs    []string
}

// Orchestrator holds all declared steps, step sets and watch rules
type Orchestrator struct {
	steps     map[string]*registeredStep
	stepOrder []string
	sets      map[string]*StepSet
	setOrder  []string
	rules     []*registeredRule

	sass     SassCompiler
	env      []string
	dir      string
	dryRun   bool
	debounce time.Duration
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithSassCompiler sets the compiler used by compile-scss stages
func WithSassCompiler(c SassCompiler) Option {
	return func(o *Orchestrator) {
		o.sass = c
	}
}

// WithEnv sets the environment passed to shell stages
func WithEnv(env []string) Option {
	return func(o *Orchestrator) {
		o.env = env
	}
}

// WithDir sets the working directory of shell stages
func WithDir(dir string) Option {
	return func(o *Orchestrator) {
		o.dir = dir
	}
}

// WithDryRun makes the orchestrator log the artifacts it would write instead of writing them
func WithDryRun(dryRun bool) Option {
	return func(o *Orchestrator) {
		o.dryRun = dryRun
	}
}

// WithDebounce sets the quiet period the watcher waits for before it triggers a step
func WithDebounce(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.debounce = d
	}
}

// New returns an empty orchestrator
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		steps:    make(map[string]*registeredStep),
		sets:     make(map[string]*StepSet),
		env:      os.Environ(),
		debounce: 100 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// baseDir returns the absolute directory relative paths of a step or rule are resolved against
func baseDir(base string) string {
	if base == "" {
		base = "."
	}

	abs, err := filepath.Abs(base)
	if err != nil {
		return base
	}
	return abs
}

func (o *Orchestrator) nameTaken(name string) bool {
	_, isStep := o.steps[name]
	_, isSet := o.sets[name]
	return isStep || isSet
}

// Register adds a step
func (o *Orchestrator) Register(step *Step) error {
	if step == nil || step.Name == "" {
		return configErrorf("steps need a name")
	}

	if reservedNames[step.Name] {
		return configErrorf("the name %q is reserved, please use a different name", step.Name)
	}

	if o.nameTaken(step.Name) {
		return configErrorf("step %s is already declared", step.Name)
	}

	if len(step.Inputs) == 0 {
		return configErrorf("step %s has no inputs", step.Name)
	}

	if (step.Output == "") == (step.Dest == "") {
		return configErrorf("step %s needs exactly one of output or dest", step.Name)
	}

	for idx, stage := range step.Stages {
		if stage == nil {
			return configErrorf("stage #%d of step %s is empty", idx, step.Name)
		}

		if concat, ok := stage.(*Concat); ok && concat.Target == "" {
			return configErrorf("concat stage #%d of step %s needs a file name", idx, step.Name)
		}
	}

	base := baseDir(step.Base)
	_, exclude := splitPatterns(base, step.Inputs)
	excludeGlobs, err := compileGlobs(base, exclude)
	if err != nil {
		return configErrorf("step %s: %s", step.Name, err)
	}

	o.steps[step.Name] = &registeredStep{
		Step:    step,
		exclude: excludeGlobs,
	}
	o.stepOrder = append(o.stepOrder, step.Name)
	return nil
}

// RegisterSet adds a step set. All referenced steps must already be registered.
func (o *Orchestrator) RegisterSet(set *StepSet) error {
	if set == nil || set.Name == "" {
		return configErrorf("step sets need a name")
	}

	if reservedNames[set.Name] {
		return configErrorf("the name %q is reserved, please use a different name", set.Name)
	}

	if o.nameTaken(set.Name) {
		return configErrorf("step set %s conflicts with an existing step or set", set.Name)
	}

	for _, name := range set.Steps {
		if _, ok := o.steps[name]; !ok {
			return configErrorf("step set %s references unknown step %s", set.Name, name)
		}
	}

	o.sets[set.Name] = set
	o.setOrder = append(o.setOrder, set.Name)
	return nil
}

// RegisterWatch adds a watch rule. All referenced steps must already be registered.
func (o *Orchestrator) RegisterWatch(rule *WatchRule) error {
	r, err := o.compileRule(rule)
	if err != nil {
		return err
	}

	o.rules = append(o.rules, r)
	return nil
}

func (o *Orchestrator) compileRule(rule *WatchRule) (*registeredRule, error) {
	if rule == nil || len(rule.Inputs) == 0 {
		return nil, configErrorf("watch rules need at least one input pattern")
	}

	if len(rule.Steps) == 0 {
		return nil, configErrorf("watch rule %s doesn't trigger any steps", rule.Name)
	}

	for _, name := range rule.Steps {
		if _, ok := o.steps[name]; !ok {
			return nil, configErrorf("watch rule %s references unknown step %s", rule.Name, name)
		}
	}

	base := baseDir(rule.Base)
	include, exclude := splitPatterns(base, rule.Inputs)
	includeGlobs, err := compileGlobs(base, include)
	if err != nil {
		return nil, configErrorf("watch rule %s: %s", rule.Name, err)
	}

	excludeGlobs, err := compileGlobs(base, exclude)
	if err != nil {
		return nil, configErrorf("watch rule %s: %s", rule.Name, err)
	}

	dirs := make([]string, 0, len(include))
	for _, pattern := range include {
		dirs = append(dirs, globBase(base, pattern))
	}

	return &registeredRule{
		WatchRule: rule,
		include:   includeGlobs,
		exclude:   excludeGlobs,
		dirs:      dirs,
	}, nil
}

// Validate checks the declarations as a whole. It should be called once everything has been registered.
func (o *Orchestrator) Validate() error {
	if _, ok := o.sets[DefaultSet]; !ok {
		return configErrorf("no %q step set declared", DefaultSet)
	}

	return nil
}

// Steps returns all registered steps in declaration order
func (o *Orchestrator) Steps() []*Step {
	result := make([]*Step, len(o.stepOrder))
	for idx, name := range o.stepOrder {
		result[idx] = o.steps[name].Step
	}
	return result
}

// Sets returns all registered step sets in declaration order
func (o *Orchestrator) Sets() []*StepSet {
	result := make([]*StepSet, len(o.setOrder))
	for idx, name := range o.setOrder {
		result[idx] = o.sets[name]
	}
	return result
}

// WatchRules returns all registered watch rules
func (o *Orchestrator) WatchRules() []*WatchRule {
	result := make([]*WatchRule, len(o.rules))
	for idx, rule := range o.rules {
		result[idx] = rule.WatchRule
	}
	return result
}

// Resolve maps a target to the steps it consists of. An empty target resolves the default set.
func (o *Orchestrator) Resolve(target string) ([]*Step, error) {
	if target == "" {
		target = DefaultSet
	}

	if step, ok := o.steps[target]; ok {
		return []*Step{step.Step}, nil
	}

	set, ok := o.sets[target]
	if !ok {
		return nil, &UnknownTargetError{Target: target}
	}

	result := make([]*Step, len(set.Steps))
	for idx, name := range set.Steps {
		result[idx] = o.steps[name].Step
	}
	return result, nil
}

// Run executes the given step or step set. Steps of a set are executed in declaration order and
// the first failure aborts the set.
func (o *Orchestrator) Run(ctx context.Context, target string) error {
	steps, err := o.Resolve(target)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		err = o.runStep(ctx, o.steps[step.Name])
		if err != nil {
			return err
		}
	}

	return nil
}

// Close releases the resources held by the orchestrator (i.e. the Sass compiler process)
func (o *Orchestrator) Close() error {
	if o.sass != nil {
		return o.sass.Close()
	}
	return nil
}

func (o *Orchestrator) stageContext(step *Step) *StageContext {
	dir := o.dir
	if dir == "" {
		dir = baseDir(step.Base)
	}

	return &StageContext{
		Step: step,
		Sass: o.sass,
		Env:  o.env,
		Dir:  dir,
	}
}
