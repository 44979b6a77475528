package pipeline

import (
	"context"
	"errors"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"
)

func TestRun_PackCSS_WritesSingleMinifiedBundle(t *testing.T) {
	root := packCSSFixture(t)
	sass := &fakeSass{}
	o := newTestOrchestrator(t, sass, packCSSStep(root))

	require.NoError(t, o.Run(context.Background(), ""))

	out := readFile(t, filepath.Join(root, "assets", "main.min.css"))
	require.Equal(t, "main{color:red}.token{margin:0}", strings.TrimSpace(out))

	// only main.scss goes through Sass, the vendored stylesheet is passed through
	require.Len(t, sass.calls, 1)
	require.Equal(t, filepath.Join(root, "assets", "main.scss"), sass.calls[0].Path)
	require.Equal(t, "scss", sass.calls[0].Syntax)
	require.Contains(t, sass.calls[0].IncludePaths, filepath.Join(root, "assets"))
}

func TestRun_Twice_ProducesIdenticalArtifactWithoutRewriting(t *testing.T) {
	root := packCSSFixture(t)
	o := newTestOrchestrator(t, &fakeSass{}, packCSSStep(root))
	target := filepath.Join(root, "assets", "main.min.css")

	require.NoError(t, o.Run(context.Background(), ""))
	first := readFile(t, target)
	info, err := os.Stat(target)
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background(), "pack-css"))
	require.Equal(t, first, readFile(t, target))

	again, err := os.Stat(target)
	require.NoError(t, err)
	require.Equal(t, info.ModTime(), again.ModTime())
}

func TestRun_FailingSass_KeepsPreviousArtifact(t *testing.T) {
	root := packCSSFixture(t)
	sass := &fakeSass{}
	o := newTestOrchestrator(t, sass, packCSSStep(root))
	target := filepath.Join(root, "assets", "main.min.css")

	require.NoError(t, o.Run(context.Background(), ""))
	previous := readFile(t, target)

	writeFile(t, root, "assets/main.scss", "main { color: blue; ")
	sass.setErr(errors.New("expected \"}\""))

	err := o.Run(context.Background(), "")
	var transformErr *TransformError
	require.True(t, errors.As(err, &transformErr))
	require.Equal(t, "pack-css", transformErr.Step)
	require.Equal(t, "compile-scss", transformErr.Stage)
	require.Contains(t, err.Error(), `expected "}"`)

	require.Equal(t, previous, readFile(t, target))
}

func TestRun_DestMode_CopiesFilesAndHonoursExclusions(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "node_modules/bootstrap/dist/css/bootstrap.css", ".btn{}")
	writeFile(t, root, "node_modules/bootstrap/dist/css/bootstrap.css.map", "{}")
	writeFile(t, root, "node_modules/bootstrap/dist/css/bootstrap-theme.css", ".theme{}")
	writeFile(t, root, "node_modules/bootstrap/dist/js/bootstrap.js", "var a;")
	writeFile(t, root, "node_modules/bootstrap/dist/js/npm.js", "require('x')")

	step := &Step{
		Name: "copy-vendor",
		Base: root,
		Inputs: []string{
			"node_modules/bootstrap/dist/**/*",
			"!**/npm.js",
			"!**/bootstrap-theme.*",
			"!**/*.map",
		},
		Dest: "assets/vendor/bootstrap",
	}
	o := newTestOrchestrator(t, &fakeSass{}, step)

	require.NoError(t, o.Run(context.Background(), "copy-vendor"))

	dest := filepath.Join(root, "assets", "vendor", "bootstrap")
	require.Equal(t, ".btn{}", readFile(t, filepath.Join(dest, "css", "bootstrap.css")))
	require.Equal(t, "var a;", readFile(t, filepath.Join(dest, "js", "bootstrap.js")))
	requireMissing(t, filepath.Join(dest, "css", "bootstrap.css.map"))
	requireMissing(t, filepath.Join(dest, "css", "bootstrap-theme.css"))
	requireMissing(t, filepath.Join(dest, "js", "npm.js"))

	entries, err := ioutil.ReadDir(filepath.Join(dest, "css"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files may be left behind")
}

func TestRun_Precompress_WritesBrotliCopy(t *testing.T) {
	root := packCSSFixture(t)
	step := packCSSStep(root)
	step.Precompress = true
	o := newTestOrchestrator(t, &fakeSass{}, step)

	require.NoError(t, o.Run(context.Background(), ""))

	target := filepath.Join(root, "assets", "main.min.css")
	handle, err := os.Open(target + ".br")
	require.NoError(t, err)
	defer handle.Close()

	data, err := ioutil.ReadAll(brotli.NewReader(handle))
	require.NoError(t, err)
	require.Equal(t, readFile(t, target), string(data))
}

func TestRun_DryRun_WritesNothing(t *testing.T) {
	root := packCSSFixture(t)
	o := New(WithSassCompiler(&fakeSass{}), WithDryRun(true))
	require.NoError(t, o.Register(packCSSStep(root)))

	require.NoError(t, o.RunStep(context.Background(), "pack-css"))
	requireMissing(t, filepath.Join(root, "assets", "main.min.css"))
}

func TestRun_NoMatchingInputs_SucceedsWithoutWriting(t *testing.T) {
	root := t.TempDir()
	step := &Step{Name: "empty", Base: root, Inputs: []string{"src/*.css"}, Output: "dist/all.css"}
	o := newTestOrchestrator(t, &fakeSass{}, step)

	require.NoError(t, o.Run(context.Background(), ""))
	requireMissing(t, filepath.Join(root, "dist"))
}

func TestRun_OutputWithSeveralFiles_ReturnsWriteError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.css", ".a{}")
	writeFile(t, root, "src/b.css", ".b{}")
	step := &Step{Name: "bundle", Base: root, Inputs: []string{"src/*.css"}, Output: "dist/all.css"}
	o := newTestOrchestrator(t, &fakeSass{}, step)

	err := o.Run(context.Background(), "")
	var transformErr *TransformError
	require.True(t, errors.As(err, &transformErr))
	require.Equal(t, "write", transformErr.Stage)
	requireMissing(t, filepath.Join(root, "dist"))
}

func TestRun_DestEscape_ReturnsWriteError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.css", ".a{}")
	step := &Step{
		Name:   "escape",
		Base:   root,
		Inputs: []string{"src/*.css"},
		Stages: []Stage{NewConcat("../escaped.css")},
		Dest:   "dist",
	}
	o := newTestOrchestrator(t, &fakeSass{}, step)

	err := o.Run(context.Background(), "")
	var transformErr *TransformError
	require.True(t, errors.As(err, &transformErr))
	require.Equal(t, "write", transformErr.Stage)
	requireMissing(t, filepath.Join(root, "escaped.css"))
}

func TestCollectInputs_RelativeToGlobBase(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/js/vendor/jquery.js", "")
	writeFile(t, root, "src/js/main.js", "")

	o := New()
	require.NoError(t, o.Register(&Step{
		Name:   "js",
		Base:   root,
		Inputs: []string{"src/js/main.js", "src/**/*.js"},
		Dest:   "dist",
	}))

	files, err := o.collectInputs(o.steps["js"])
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, "main.js", files[0].Rel)
	require.Equal(t, "js/vendor/jquery.js", files[1].Rel)
}

func TestRun_FailedRename_RestoresEarlierArtifacts(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/a.css", ".a{}")
	writeFile(t, root, "src/b.css", ".b{}")
	writeFile(t, root, "src/c.css", ".c{}")
	writeFile(t, root, "out/copy/a.css", "old")
	// a non-empty directory can't be replaced by a file
	writeFile(t, root, "out/copy/c.css/keep", "")

	o := newTestOrchestrator(t, &fakeSass{}, copyStep(root, "copy"))

	err := o.Run(context.Background(), "copy")
	var transformErr *TransformError
	require.True(t, errors.As(err, &transformErr))
	require.Equal(t, "write", transformErr.Stage)

	require.Equal(t, "old", readFile(t, filepath.Join(root, "out", "copy", "a.css")))
	requireMissing(t, filepath.Join(root, "out", "copy", "b.css"))

	entries, err := ioutil.ReadDir(filepath.Join(root, "out", "copy"))
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	require.ElementsMatch(t, []string{"a.css", "c.css"}, names)
}

func TestRun_BaseWithShellAndGlobCharacters_MatchesLiterally(t *testing.T) {
	for _, dir := range []string{"my site", "a$b", "site (copy)", "a[1]", "it's {here}"} {
		t.Run(dir, func(t *testing.T) {
			root := filepath.Join(t.TempDir(), dir)
			writeFile(t, root, "a.css", ".a{}")
			writeFile(t, root, "nested/b.css", ".b{}")
			writeFile(t, root, "skip.css", ".skip{}")

			o := newTestOrchestrator(t, &fakeSass{}, &Step{
				Name:   "copy",
				Base:   root,
				Inputs: []string{"**/*.css", "!skip.css"},
				Dest:   "out",
			})
			require.NoError(t, o.Run(context.Background(), "copy"))

			require.Equal(t, ".a{}", readFile(t, filepath.Join(root, "out", "a.css")))
			require.Equal(t, ".b{}", readFile(t, filepath.Join(root, "out", "nested", "b.css")))
			requireMissing(t, filepath.Join(root, "out", "skip.css"))
		})
	}
}
