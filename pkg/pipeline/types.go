package pipeline

import (
	"fmt"
	"path"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
)

// File is a single unit of content flowing through a step's stages
type File struct {
	// Rel is the slash separated path relative to the glob base of the pattern that matched the source.
	Rel string
	// Source is the absolute path of the file the content was read from. Synthesized files (i.e. the
	// result of concat) point at a path inside the first merged file's directory.
	Source   string
	Contents []byte
}

// Ext returns the lower-case extension of the file's relative name
func (f *File) Ext() string {
	return strings.ToLower(path.Ext(f.Rel))
}

func (f *File) withExt(ext string) *File {
	rel := strings.TrimSuffix(f.Rel, path.Ext(f.Rel)) + ext
	return &File{
		Rel:      rel,
		Source:   f.Source,
		Contents: f.Contents,
	}
}

// Step describes one named build operation
type Step struct {
	Name string
	Desc string
	// Base is the directory relative inputs, Output and Dest are resolved against. Defaults to the
	// current working directory.
	Base   string
	Inputs []string
	Stages []Stage
	// Output is the path of the single artifact this step produces. Mutually exclusive with Dest.
	Output string
	// Dest receives every file left after the stages under its relative name.
	Dest        string
	Precompress bool
}

// StepSet groups several steps into one target
type StepSet struct {
	Name  string
	Desc  string
	Steps []string
}

// WatchRule maps input patterns to the steps that should be re-run when a matching file changes
type WatchRule struct {
	Name   string
	Base   string
	Inputs []string
	Steps  []string
}

// ScriptOption describes an option() declared by a build script
type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// Implement starlark.Value for *Step so scripts can pass steps to step_set() and watch()

// String returns a string representation of the step
func (s *Step) String() string {
	return fmt.Sprintf("<Step %s: %s>", s.Name, s.Desc)
}

// Type always returns "step" to indicate this type
func (s *Step) Type() string {
	return "step"
}

// Freeze doesn't do anything since steps are immutable once declared
func (s *Step) Freeze() {}

// Truth always returns true since a step can't be None
func (s *Step) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since steps are not hashable
func (s *Step) Hash() (uint32, error) {
	return 0, eris.New("step is not a hashable type")
}

// stageValue wraps a Stage for the Starlark runtime
type stageValue struct {
	stage Stage
}

func (v stageValue) String() string {
	return fmt.Sprintf("<Stage %s>", v.stage.Name())
}

func (v stageValue) Type() string {
	return "stage"
}

func (v stageValue) Freeze() {}

func (v stageValue) Truth() starlark.Bool {
	return starlark.True
}

func (v stageValue) Hash() (uint32, error) {
	return 0, eris.New("stage is not a hashable type")
}

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}
