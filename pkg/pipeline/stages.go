package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// StageContext carries everything a stage may need besides the files themselves
type StageContext struct {
	Step *Step
	Sass SassCompiler
	// Env is passed to shell stages
	Env []string
	// Dir is the working directory for shell stages
	Dir string
}

// Stage is a single transformation applied to the files of a step
type Stage interface {
	Name() string
	Apply(ctx context.Context, sc *StageContext, files []*File) ([]*File, error)
}

// Concat joins all files into a single file
type Concat struct {
	Target    string
	Separator string
}

// NewConcat returns a concat stage using gulp-concat's default separator
func NewConcat(name string) *Concat {
	return &Concat{Target: name, Separator: "\n"}
}

func (c *Concat) Name() string {
	return "concat"
}

func (c *Concat) Apply(ctx context.Context, sc *StageContext, files []*File) ([]*File, error) {
	if len(files) == 0 {
		return files, nil
	}

	var buffer bytes.Buffer
	for idx, file := range files {
		if idx > 0 {
			buffer.WriteString(c.Separator)
		}
		buffer.Write(file.Contents)
	}

	log(ctx).Debug().
		Str("step", sc.Step.Name).
		Str("stage", c.Name()).
		Msgf("merged %d files into %s", len(files), c.Target)

	return []*File{{
		Rel:      path.Clean(filepath.ToSlash(c.Target)),
		Source:   filepath.Join(filepath.Dir(files[0].Source), filepath.Base(c.Target)),
		Contents: buffer.Bytes(),
	}}, nil
}

// Minify minifies stylesheets and scripts with esbuild
type Minify struct{}

var minifyLoaders = map[string]api.Loader{
	".css": api.LoaderCSS,
	".js":  api.LoaderJS,
	".mjs": api.LoaderJS,
	".cjs": api.LoaderJS,
}

func (Minify) Name() string {
	return "minify"
}

func (m Minify) Apply(ctx context.Context, sc *StageContext, files []*File) ([]*File, error) {
	result := make([]*File, 0, len(files))
	for _, file := range files {
		loader, ok := minifyLoaders[file.Ext()]
		if !ok {
			return nil, eris.Errorf("don't know how to minify %s", file.Rel)
		}

		out := api.Transform(string(file.Contents), api.TransformOptions{
			Loader:            loader,
			Sourcefile:        file.Rel,
			MinifyWhitespace:  true,
			MinifySyntax:      true,
			MinifyIdentifiers: true,
		})
		if len(out.Errors) > 0 {
			return nil, eris.New(formatMessages(out.Errors))
		}

		for _, msg := range out.Warnings {
			log(ctx).Warn().
				Str("step", sc.Step.Name).
				Str("stage", m.Name()).
				Msg(formatMessages([]api.Message{msg}))
		}

		result = append(result, &File{
			Rel:      file.Rel,
			Source:   file.Source,
			Contents: out.Code,
		})
	}

	return result, nil
}

func formatMessages(msgs []api.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Location != nil {
			lines = append(lines, fmt.Sprintf("%s:%d:%d: %s", msg.Location.File, msg.Location.Line, msg.Location.Column, msg.Text))
		} else {
			lines = append(lines, msg.Text)
		}
	}

	return strings.Join(lines, "\n")
}

// Shell pipes every file through a shell command (stdin to stdout)
type Shell struct {
	Command string
	// Ext replaces the extension of every processed file if set
	Ext string

	stmts []*syntax.Stmt
}

// NewShell parses the given command and returns a shell stage for it
func NewShell(command, ext string) (*Shell, error) {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(command), "shell")
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", command)
	}

	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	return &Shell{
		Command: command,
		Ext:     ext,
		stmts:   file.Stmts,
	}, nil
}

func (*Shell) Name() string {
	return "shell"
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func (s *Shell) Apply(ctx context.Context, sc *StageContext, files []*File) ([]*File, error) {
	stmts := s.stmts
	if stmts == nil {
		parsed, err := NewShell(s.Command, s.Ext)
		if err != nil {
			return nil, err
		}
		stmts = parsed.stmts
	}

	result := make([]*File, 0, len(files))
	for _, file := range files {
		var stdout, stderr bytes.Buffer
		runner, err := interp.New(
			interp.Dir(sc.Dir),
			interp.Env(expand.ListEnviron(sc.Env...)),
			interp.OpenHandler(openHandler),
			interp.StdIO(bytes.NewReader(file.Contents), &stdout, &stderr),
			interp.Params("-e"),
		)
		if err != nil {
			return nil, eris.Wrap(err, "failed to initialize runner")
		}

		log(ctx).Debug().
			Str("step", sc.Step.Name).
			Str("stage", s.Name()).
			Bool("command", true).
			Msgf("%s < %s", s.Command, file.Rel)

		for _, stmt := range stmts {
			err = runner.Run(ctx, stmt)
			if err != nil {
				msg := strings.TrimSpace(stderr.String())
				if msg == "" {
					msg = err.Error()
				}
				return nil, eris.Errorf("%s (%s): %s", s.Command, file.Rel, msg)
			}

			if runner.Exited() {
				break
			}
		}

		out := &File{
			Rel:      file.Rel,
			Source:   file.Source,
			Contents: stdout.Bytes(),
		}
		if s.Ext != "" {
			out = out.withExt(s.Ext)
		}
		result = append(result, out)
	}

	return result, nil
}
