package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCoalescer_TriggersDuringRun_CauseExactlyOneFollowUp(t *testing.T) {
	var wg sync.WaitGroup
	var count int32
	started := make(chan struct{}, 10)
	release := make(chan struct{})

	c := newCoalescer(func() {
		n := atomic.AddInt32(&count, 1)
		started <- struct{}{}
		if n == 1 {
			<-release
		}
	}, 0, &wg)

	c.schedule()
	<-started

	for i := 0; i < 5; i++ {
		c.schedule()
	}
	close(release)
	wg.Wait()

	require.EqualValues(t, 2, atomic.LoadInt32(&count))
}

func TestCoalescer_Debounce_CollapsesBursts(t *testing.T) {
	var wg sync.WaitGroup
	var count int32

	c := newCoalescer(func() {
		atomic.AddInt32(&count, 1)
	}, 30*time.Millisecond, &wg)

	for i := 0; i < 5; i++ {
		c.schedule()
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	wg.Wait()
	require.EqualValues(t, 1, atomic.LoadInt32(&count))
}

func TestCoalescer_Stopped_IgnoresTriggers(t *testing.T) {
	var wg sync.WaitGroup
	var count int32

	c := newCoalescer(func() {
		atomic.AddInt32(&count, 1)
	}, 10*time.Millisecond, &wg)

	c.schedule()
	c.stop()
	c.schedule()

	time.Sleep(50 * time.Millisecond)
	wg.Wait()
	require.EqualValues(t, 0, atomic.LoadInt32(&count))
}

func TestIsOutputOf(t *testing.T) {
	root := t.TempDir()
	o := New()
	require.NoError(t, o.Register(packCSSStep(root)))
	require.NoError(t, o.Register(copyStep(root, "copy")))

	require.True(t, o.isOutputOf("pack-css", filepath.Join(root, "assets", "main.min.css")))
	require.True(t, o.isOutputOf("pack-css", filepath.Join(root, "assets", "main.min.css.br")))
	require.False(t, o.isOutputOf("pack-css", filepath.Join(root, "assets", "main.scss")))
	require.True(t, o.isOutputOf("copy", filepath.Join(root, "out", "copy", "a.css")))
	require.False(t, o.isOutputOf("copy", filepath.Join(root, "out", "copy-other", "a.css")))
	require.False(t, o.isOutputOf("missing", root))
}

func TestDefaultRules_OneRulePerDefaultStep(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, &fakeSass{}, packCSSStep(root), copyStep(root, "copy"))

	rules, err := o.defaultRules()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Equal(t, []string{"pack-css"}, rules[0].Steps)
	require.Equal(t, []string{filepath.Join(root, "assets"), filepath.Join(root, "assets", "vendor", "prism", "css")}, rules[0].dirs)
	require.Equal(t, []string{"copy"}, rules[1].Steps)
}

func TestWatch_ChangedInput_RerunsMappedStep(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.css", ".a{}")
	o := newTestOrchestrator(t, &fakeSass{}, copyStep(root, "copy"))
	require.NoError(t, o.RegisterWatch(&WatchRule{
		Name:   "styles",
		Base:   root,
		Inputs: []string{"src/**/*.css"},
		Steps:  []string{"copy"},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- o.Watch(ctx)
	}()

	target := filepath.Join(root, "out", "copy", "a.css")
	counter := 0
	require.Eventually(t, func() bool {
		// keep touching the input until the watcher picked it up
		counter++
		content := fmt.Sprintf(".a{color:red} /* %d */", counter)
		if err := ioutil.WriteFile(filepath.Join(root, "src", "a.css"), []byte(content), 0o644); err != nil {
			return false
		}

		_, err := os.Stat(target)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Watch didn't return after the context was cancelled")
	}
}

// flakyStage fails while any input contains "broken"
type flakyStage struct {
	failures *int32
}

func (flakyStage) Name() string {
	return "flaky"
}

func (f flakyStage) Apply(ctx context.Context, sc *StageContext, files []*File) ([]*File, error) {
	for _, file := range files {
		if strings.Contains(string(file.Contents), "broken") {
			atomic.AddInt32(f.failures, 1)
			return nil, errors.New("broken input")
		}
	}
	return files, nil
}

// runWatch starts Watch in the background. The returned func cancels it and waits for it to return.
func runWatch(t *testing.T, o *Orchestrator) func() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- o.Watch(ctx)
	}()

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Watch didn't return after the context was cancelled")
		}
	}
}

// touchUntil keeps rewriting path until cond holds
func touchUntil(t *testing.T, path, content string, cond func() bool) {
	counter := 0
	require.Eventually(t, func() bool {
		counter++
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return false
		}
		data := fmt.Sprintf("%s /* %d */", content, counter)
		if err := ioutil.WriteFile(path, []byte(data), 0o644); err != nil {
			return false
		}
		return cond()
	}, 5*time.Second, 50*time.Millisecond)
}

func exists(path string) func() bool {
	return func() bool {
		_, err := os.Stat(path)
		return err == nil
	}
}

func TestWatch_FailedRebuild_KeepsWatching(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.css", ".a{}")

	var failures int32
	step := copyStep(root, "copy")
	step.Stages = []Stage{flakyStage{failures: &failures}}
	o := newTestOrchestrator(t, &fakeSass{}, step)

	stop := runWatch(t, o)
	defer stop()

	input := filepath.Join(root, "src", "a.css")
	touchUntil(t, input, "broken", func() bool {
		return atomic.LoadInt32(&failures) > 0
	})
	requireMissing(t, filepath.Join(root, "out", "copy", "a.css"))

	touchUntil(t, input, ".a{color:red}", exists(filepath.Join(root, "out", "copy", "a.css")))
}

func TestWatch_RuleDirCreatedLater_IsPickedUp(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.css", ".a{}")
	o := newTestOrchestrator(t, &fakeSass{}, copyStep(root, "copy"))
	require.NoError(t, o.RegisterWatch(&WatchRule{
		Name:   "scripts",
		Base:   root,
		Inputs: []string{"assets/js/**/*.js"},
		Steps:  []string{"copy"},
	}))

	stop := runWatch(t, o)
	defer stop()

	touchUntil(t, filepath.Join(root, "assets", "js", "app", "main.js"), "var a;", exists(filepath.Join(root, "out", "copy", "a.css")))
}

func TestIsWithin(t *testing.T) {
	dir := filepath.FromSlash("/site/out")
	require.True(t, isWithin(dir, dir))
	require.True(t, isWithin(dir, filepath.FromSlash("/site/out/a.css")))
	require.False(t, isWithin(dir, filepath.FromSlash("/site/output/a.css")))
	require.False(t, isWithin(dir, filepath.FromSlash("/site")))
	require.True(t, isWithin(filepath.FromSlash("/"), filepath.FromSlash("/site")))
}

func TestWatch_UnknownStepInRule_ReturnsConfigurationError(t *testing.T) {
	root := t.TempDir()
	o := newTestOrchestrator(t, &fakeSass{}, copyStep(root, "copy"))

	err := o.Watch(context.Background(), &WatchRule{Name: "w", Base: root, Inputs: []string{"*.css"}, Steps: []string{"nope"}})
	requireConfigError(t, err)
}
