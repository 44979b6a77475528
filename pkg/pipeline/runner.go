package pipeline

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
)

// artifact is a file that's about to be written to disk
type artifact struct {
	target   string
	contents []byte
	tmpPath  string

	// previous content of target, restored if a later rename fails
	previous []byte
	existed  bool
}

func (o *Orchestrator) collectInputs(step *registeredStep) ([]*File, error) {
	matches, err := resolvePatternLists(baseDir(step.Base), step.Inputs, step.exclude)
	if err != nil {
		return nil, err
	}

	files := make([]*File, 0, len(matches))
	for _, item := range matches {
		content, err := ioutil.ReadFile(item.path)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", item.path)
		}

		rel, err := filepath.Rel(item.base, item.path)
		if err != nil {
			rel = filepath.Base(item.path)
		}

		files = append(files, &File{
			Rel:      filepath.ToSlash(rel),
			Source:   item.path,
			Contents: content,
		})
	}

	return files, nil
}

// RunStep executes a single registered step. Artifacts are only written once every stage succeeded.
func (o *Orchestrator) RunStep(ctx context.Context, name string) error {
	step, ok := o.steps[name]
	if !ok {
		return &UnknownTargetError{Target: name}
	}

	return o.runStep(ctx, step)
}

func (o *Orchestrator) runStep(ctx context.Context, step *registeredStep) error {
	start := time.Now()
	log(ctx).Info().
		Str("step", step.Name).
		Msg("started")

	files, err := o.collectInputs(step)
	if err != nil {
		return &TransformError{Step: step.Name, Stage: "read", Err: err}
	}

	if len(files) == 0 {
		log(ctx).Warn().
			Str("step", step.Name).
			Msg("inputs didn't match any files, nothing to do")
		return nil
	}

	sc := o.stageContext(step.Step)
	for _, stage := range step.Stages {
		if err := ctx.Err(); err != nil {
			return err
		}

		files, err = stage.Apply(ctx, sc, files)
		if err != nil {
			return &TransformError{Step: step.Name, Stage: stage.Name(), Err: err}
		}
	}

	artifacts, err := o.planArtifacts(step, files)
	if err != nil {
		return &TransformError{Step: step.Name, Stage: "write", Err: err}
	}

	if o.dryRun {
		for _, item := range artifacts {
			log(ctx).Info().
				Str("step", step.Name).
				Str("path", item.target).
				Msgf("would write %s (%d bytes)", item.target, len(item.contents))
		}
		return nil
	}

	written, err := writeArtifacts(artifacts)
	if err != nil {
		return &TransformError{Step: step.Name, Stage: "write", Err: err}
	}

	log(ctx).Info().
		Str("step", step.Name).
		Msgf("done, wrote %d of %d artifacts in %s", written, len(artifacts), time.Since(start).Round(time.Millisecond))
	return nil
}

func (o *Orchestrator) planArtifacts(step *registeredStep, files []*File) ([]*artifact, error) {
	base := baseDir(step.Base)
	result := make([]*artifact, 0, len(files))

	if step.Output != "" {
		if len(files) != 1 {
			return nil, eris.Errorf("step produced %d files but output %s expects exactly one (missing concat stage?)", len(files), step.Output)
		}

		result = append(result, &artifact{
			target:   absPattern(base, step.Output),
			contents: files[0].Contents,
		})
	} else {
		dest := absPattern(base, step.Dest)
		for _, file := range files {
			target := filepath.Join(dest, filepath.FromSlash(file.Rel))
			rel, err := filepath.Rel(dest, target)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return nil, eris.Errorf("%s would be written outside of %s", file.Rel, dest)
			}

			result = append(result, &artifact{
				target:   target,
				contents: file.Contents,
			})
		}
	}

	if step.Precompress {
		compressed := make([]*artifact, 0, len(result))
		for _, item := range result {
			data, err := brotliCompress(item.contents)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to compress %s", item.target)
			}

			compressed = append(compressed, &artifact{
				target:   item.target + ".br",
				contents: data,
			})
		}
		result = append(result, compressed...)
	}

	return result, nil
}

func brotliCompress(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := brotli.NewWriterLevel(&buffer, brotli.BestCompression)
	if _, err := writer.Write(data); err != nil {
		return nil, err
	}

	if err := writer.Close(); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// writeArtifacts writes all artifacts to temporary files next to their targets and only renames them into
// place once all of them have been written. Artifacts whose target already has the same content are skipped.
// If a rename fails, targets that were already replaced get their previous content back.
func writeArtifacts(artifacts []*artifact) (int, error) {
	pending := make([]*artifact, 0, len(artifacts))
	cleanup := func() {
		for _, item := range pending {
			os.Remove(item.tmpPath)
		}
	}

	for _, item := range artifacts {
		previous, err := ioutil.ReadFile(item.target)
		if err == nil {
			if bytes.Equal(previous, item.contents) {
				continue
			}
			item.previous = previous
			item.existed = true
		}

		dir := filepath.Dir(item.target)
		err = os.MkdirAll(dir, 0o755)
		if err != nil {
			cleanup()
			return 0, eris.Wrapf(err, "failed to create %s", dir)
		}

		handle, err := ioutil.TempFile(dir, ".assetpipe-*.tmp")
		if err != nil {
			cleanup()
			return 0, eris.Wrapf(err, "failed to create temporary file in %s", dir)
		}

		item.tmpPath = handle.Name()
		pending = append(pending, item)

		_, err = handle.Write(item.contents)
		if cErr := handle.Close(); err == nil {
			err = cErr
		}
		if err == nil {
			err = os.Chmod(item.tmpPath, 0o644)
		}
		if err != nil {
			cleanup()
			return 0, eris.Wrapf(err, "failed to write %s", item.tmpPath)
		}
	}

	for idx, item := range pending {
		err := os.Rename(item.tmpPath, item.target)
		if err != nil {
			for _, rest := range pending[idx:] {
				os.Remove(rest.tmpPath)
			}

			err = eris.Wrapf(err, "failed to replace %s", item.target)
			if rErr := restoreArtifacts(pending[:idx]); rErr != nil {
				err = eris.Wrapf(err, "%s", rErr)
			}
			return 0, err
		}
	}

	return len(pending), nil
}

// restoreArtifacts rolls already renamed artifacts back to what was on disk before
func restoreArtifacts(done []*artifact) error {
	var failed []string
	for _, item := range done {
		var err error
		if item.existed {
			err = ioutil.WriteFile(item.target, item.previous, 0o644)
		} else {
			err = os.Remove(item.target)
		}

		if err != nil {
			failed = append(failed, item.target)
		}
	}

	if len(failed) > 0 {
		return eris.Errorf("failed to restore %s", strings.Join(failed, ", "))
	}
	return nil
}
