package pipeline

import (
	"context"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bep/godartsass/v2"
	"github.com/rotisserie/eris"
)

// SassRequest describes a single stylesheet compilation
type SassRequest struct {
	Source []byte
	// Path is the absolute path of the stylesheet, used for diagnostics
	Path string
	// Syntax is either "scss" or "sass"
	Syntax       string
	Style        string
	IncludePaths []string
}

// SassCompiler turns SCSS / indented Sass into plain CSS
type SassCompiler interface {
	Compile(ctx context.Context, req SassRequest) ([]byte, error)
	Close() error
}

// DartSass compiles stylesheets by talking to the Dart Sass embedded compiler. The compiler process is
// started on the first compilation and shared by all steps.
type DartSass struct {
	Binary  string
	Timeout time.Duration

	lock       sync.Mutex
	transpiler *godartsass.Transpiler
}

// NewDartSass returns a compiler using the given sass executable (looked up in $PATH if not absolute)
func NewDartSass(binary string, timeout time.Duration) *DartSass {
	return &DartSass{
		Binary:  binary,
		Timeout: timeout,
	}
}

func (d *DartSass) start() (*godartsass.Transpiler, error) {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.transpiler != nil {
		return d.transpiler, nil
	}

	t, err := godartsass.Start(godartsass.Options{
		DartSassEmbeddedFilename: d.Binary,
		Timeout:                  d.Timeout,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to start %s", d.Binary)
	}

	d.transpiler = t
	return t, nil
}

// Compile sends a single stylesheet to the compiler. It returns ctx.Err() as soon as ctx is done; a running
// compilation finishes (or hits Timeout) in the background.
func (d *DartSass) Compile(ctx context.Context, req SassRequest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t, err := d.start()
	if err != nil {
		return nil, err
	}

	args := godartsass.Args{
		Source:       string(req.Source),
		IncludePaths: req.IncludePaths,
		OutputStyle:  godartsass.OutputStyleExpanded,
		SourceSyntax: godartsass.SourceSyntaxSCSS,
	}
	if req.Style == "compressed" {
		args.OutputStyle = godartsass.OutputStyleCompressed
	}
	if req.Syntax == "sass" {
		args.SourceSyntax = godartsass.SourceSyntaxSASS
	}

	type response struct {
		result godartsass.Result
		err    error
	}
	done := make(chan response, 1)
	go func() {
		result, err := t.Execute(args)
		done <- response{result, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case resp := <-done:
		if resp.err != nil {
			return nil, eris.Errorf("%s: %s", req.Path, resp.err.Error())
		}
		return []byte(resp.result.CSS), nil
	}
}

// Close stops the compiler process if it was started
func (d *DartSass) Close() error {
	d.lock.Lock()
	defer d.lock.Unlock()

	if d.transpiler == nil {
		return nil
	}

	err := d.transpiler.Close()
	d.transpiler = nil
	return err
}

// CompileSCSS compiles .scss and .sass files to CSS. Partials are dropped and all other files are passed
// through untouched.
type CompileSCSS struct {
	// Style is either "expanded" (default) or "compressed"
	Style        string
	IncludePaths []string
}

func (*CompileSCSS) Name() string {
	return "compile-scss"
}

func (c *CompileSCSS) Apply(ctx context.Context, sc *StageContext, files []*File) ([]*File, error) {
	result := make([]*File, 0, len(files))
	for _, file := range files {
		ext := file.Ext()
		if ext != ".scss" && ext != ".sass" {
			result = append(result, file)
			continue
		}

		if strings.HasPrefix(path.Base(file.Rel), "_") {
			log(ctx).Debug().
				Str("step", sc.Step.Name).
				Str("stage", c.Name()).
				Msgf("skipping partial %s", file.Rel)
			continue
		}

		if sc.Sass == nil {
			return nil, eris.New("no Sass compiler configured")
		}

		includes := append([]string{filepath.Dir(file.Source)}, c.IncludePaths...)
		css, err := sc.Sass.Compile(ctx, SassRequest{
			Source:       file.Contents,
			Path:         file.Source,
			Syntax:       ext[1:],
			Style:        c.Style,
			IncludePaths: includes,
		})
		if err != nil {
			return nil, err
		}

		out := file.withExt(".css")
		out.Contents = css
		result = append(result, out)
	}

	return result, nil
}
