package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
)

// coalescer makes sure a step never runs concurrently with itself and that any number of triggers arriving
// while a run is in flight results in at most one follow-up run.
type coalescer struct {
	run      func()
	debounce time.Duration
	wg       *sync.WaitGroup

	lock    sync.Mutex
	timer   *time.Timer
	running bool
	pending bool
	stopped bool
}

func newCoalescer(run func(), debounce time.Duration, wg *sync.WaitGroup) *coalescer {
	return &coalescer{
		run:      run,
		debounce: debounce,
		wg:       wg,
	}
}

// schedule triggers a run once no further events arrived for the debounce period
func (c *coalescer) schedule() {
	if c.debounce <= 0 {
		c.trigger()
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	if c.stopped {
		return
	}

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, c.trigger)
}

func (c *coalescer) trigger() {
	c.lock.Lock()
	if c.stopped {
		c.lock.Unlock()
		return
	}

	if c.running {
		c.pending = true
		c.lock.Unlock()
		return
	}

	c.running = true
	c.wg.Add(1)
	c.lock.Unlock()

	go c.loop()
}

func (c *coalescer) loop() {
	defer c.wg.Done()

	for {
		c.run()

		c.lock.Lock()
		if !c.pending || c.stopped {
			c.running = false
			c.pending = false
			c.lock.Unlock()
			return
		}

		c.pending = false
		c.lock.Unlock()
	}
}

func (c *coalescer) stop() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
	}
}

// defaultRules derives one watch rule per step of the default set from the step's inputs
func (o *Orchestrator) defaultRules() ([]*registeredRule, error) {
	steps, err := o.Resolve(DefaultSet)
	if err != nil {
		return nil, err
	}

	result := make([]*registeredRule, 0, len(steps))
	for _, step := range steps {
		rule, err := o.compileRule(&WatchRule{
			Name:   step.Name,
			Base:   step.Base,
			Inputs: step.Inputs,
			Steps:  []string{step.Name},
		})
		if err != nil {
			return nil, err
		}

		result = append(result, rule)
	}

	return result, nil
}

// isOutputOf reports whether path is an artifact (or lies inside the destination directory) of the named
// step. Such changes must not re-trigger the step that produced them.
func (o *Orchestrator) isOutputOf(name, path string) bool {
	step, ok := o.steps[name]
	if !ok {
		return false
	}

	base := baseDir(step.Base)
	if step.Output != "" {
		target := absPattern(base, step.Output)
		return path == target || path == target+".br"
	}

	return isWithin(absPattern(base, step.Dest), path)
}

// Watch monitors the input patterns of the given rules and re-runs the mapped steps whenever a matching file
// changes. Without rules, all registered rules are used. If no rule has been registered either, every step of
// the default set is watched through its own inputs. Watch blocks until the context is cancelled and waits
// for running steps before it returns.
func (o *Orchestrator) Watch(ctx context.Context, rules ...*WatchRule) error {
	var active []*registeredRule
	switch {
	case len(rules) > 0:
		for _, rule := range rules {
			r, err := o.compileRule(rule)
			if err != nil {
				return err
			}
			active = append(active, r)
		}
	case len(o.rules) > 0:
		active = o.rules
	default:
		var err error
		active, err = o.defaultRules()
		if err != nil {
			return err
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "failed to create file watcher")
	}
	defer watcher.Close()

	var dirs []string
	for _, rule := range active {
		for _, dir := range rule.dirs {
			if err := watchDir(watcher, dir); err != nil {
				log(ctx).Warn().Err(err).Str("path", dir).Msgf("can't watch %s", dir)
			}
			dirs = append(dirs, dir)
		}
	}

	var wg sync.WaitGroup
	workers := make(map[string]*coalescer)
	worker := func(name string) *coalescer {
		c, ok := workers[name]
		if !ok {
			c = newCoalescer(func() {
				err := o.RunStep(ctx, name)
				if err != nil && ctx.Err() == nil {
					log(ctx).Error().Err(err).Str("step", name).Msg("rebuild failed")
				}
			}, o.debounce, &wg)
			workers[name] = c
		}
		return c
	}

	log(ctx).Info().Msgf("watching %d rules", len(active))

	defer func() {
		for _, c := range workers {
			c.stop()
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			log(ctx).Info().Msg("stopped watching")
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if ev.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchCreatedDir(watcher, dirs, ev.Name); err != nil {
						log(ctx).Warn().Err(err).Str("path", ev.Name).Msgf("can't watch %s", ev.Name)
					}
				}
			}

			if ev.Op == fsnotify.Chmod || shouldIgnoreEvent(ev.Name) {
				continue
			}

			for _, rule := range active {
				if !matchesAny(rule.include, ev.Name) || matchesAny(rule.exclude, ev.Name) {
					continue
				}

				log(ctx).Debug().
					Str("path", ev.Name).
					Msgf("%s %s triggered rule %s", ev.Op.String(), ev.Name, rule.Name)
				for _, name := range rule.Steps {
					if !o.isOutputOf(name, ev.Name) {
						worker(name).schedule()
					}
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log(ctx).Warn().Err(err).Msg("watcher error")
		}
	}
}

// watchDir watches dir and everything below it. Until dir exists, its closest existing parent is watched
// instead so that watchCreatedDir notices when it shows up.
func watchDir(w *fsnotify.Watcher, dir string) error {
	_, err := os.Stat(dir)
	if err == nil {
		return addDirsRecursive(w, dir)
	}
	if !os.IsNotExist(err) {
		return err
	}

	parent := dir
	for {
		next := filepath.Dir(parent)
		if next == parent {
			return eris.Errorf("none of the parents of %s exist", dir)
		}
		parent = next

		info, err := os.Stat(parent)
		if err == nil {
			if !info.IsDir() {
				return eris.Errorf("%s is not a directory", parent)
			}
			return w.Add(parent)
		}
		if !os.IsNotExist(err) {
			return err
		}
	}
}

// watchCreatedDir adds a newly created directory if it lies inside one of the watched dirs. If it's a parent
// of a watched dir that didn't exist so far, the watch moves one step closer to that dir.
func watchCreatedDir(w *fsnotify.Watcher, dirs []string, path string) error {
	for _, dir := range dirs {
		if isWithin(dir, path) {
			return addDirsRecursive(w, path)
		}
	}

	for _, dir := range dirs {
		if isWithin(path, dir) {
			if err := watchDir(w, dir); err != nil {
				return err
			}
		}
	}
	return nil
}

// isWithin reports whether path is dir or lies below it
func isWithin(dir, path string) bool {
	return path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, string(filepath.Separator))+string(filepath.Separator))
}

func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	if _, err := os.Stat(root); err != nil {
		return err
	}

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}

		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != root {
				return filepath.SkipDir
			}

			return w.Add(path)
		}
		return nil
	})
}

// shouldIgnoreEvent returns true for hidden files as well as editor swap and backup files
func shouldIgnoreEvent(path string) bool {
	base := filepath.Base(path)

	return strings.HasPrefix(base, ".") ||
		strings.HasSuffix(base, "~") ||
		strings.HasSuffix(base, ".swp") ||
		strings.HasSuffix(base, ".swx") ||
		strings.HasPrefix(base, "#") && strings.HasSuffix(base, "#")
}
