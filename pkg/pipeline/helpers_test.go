package pipeline

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSass returns the source unchanged so tests don't need a Dart Sass binary
type fakeSass struct {
	lock   sync.Mutex
	calls  []SassRequest
	err    error
	closed bool
}

func (f *fakeSass) Compile(ctx context.Context, req SassRequest) ([]byte, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.calls = append(f.calls, req)
	if f.err != nil {
		return nil, f.err
	}
	return req.Source, nil
}

func (f *fakeSass) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.closed = true
	return nil
}

func (f *fakeSass) setErr(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.err = err
}

type failStage struct{}

func (failStage) Name() string {
	return "fail"
}

func (failStage) Apply(ctx context.Context, sc *StageContext, files []*File) ([]*File, error) {
	return nil, errors.New("stage exploded")
}

func writeFile(t *testing.T, root, rel, content string) string {
	t.Helper()

	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, ioutil.WriteFile(path, []byte(content), 0o644))
	return path
}

func readFile(t *testing.T, path string) string {
	t.Helper()

	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func requireMissing(t *testing.T, path string) {
	t.Helper()

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err), "expected %s to be missing", path)
}

// packCSSFixture lays out the stylesheet sources used by the "pack-css" step
func packCSSFixture(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	writeFile(t, root, "assets/main.scss", "main { color: red; }\n")
	writeFile(t, root, "assets/vendor/prism/css/prism.css", ".token { margin: 0 }\n")
	return root
}

func packCSSStep(root string) *Step {
	return &Step{
		Name:   "pack-css",
		Base:   root,
		Inputs: []string{"assets/main.scss", "assets/vendor/prism/css/*.css"},
		Stages: []Stage{&CompileSCSS{}, NewConcat("main.min.css"), Minify{}},
		Output: "assets/main.min.css",
	}
}

func newTestOrchestrator(t *testing.T, sass SassCompiler, steps ...*Step) *Orchestrator {
	t.Helper()

	o := New(WithSassCompiler(sass), WithDebounce(10*time.Millisecond))
	names := make([]string, 0, len(steps))
	for _, step := range steps {
		require.NoError(t, o.Register(step))
		names = append(names, step.Name)
	}

	require.NoError(t, o.RegisterSet(&StepSet{Name: DefaultSet, Steps: names}))
	require.NoError(t, o.Validate())
	return o
}
