package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
)

// FindUp looks for name in dir and all of its parents and returns the first match. Absolute names are
// returned as-is if they exist.
func FindUp(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		_, err := os.Stat(name)
		if err != nil {
			return "", eris.Wrapf(err, "failed to check %s", name)
		}
		return name, nil
	}

	path, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}

	for {
		candidate := filepath.Join(path, name)
		_, err := os.Stat(candidate)
		if err == nil {
			return candidate, nil
		}

		if !os.IsNotExist(err) {
			return "", eris.Wrapf(err, "Failed to check %s", candidate)
		}

		parent := filepath.Dir(path)
		if parent == path {
			break
		}
		path = parent
	}

	return "", eris.Errorf("No %s file found", name)
}

func PrintTask(w io.Writer, msg string) {
	colorstring.Fprintf(w, "[blue][bold]==>[default] %s\n", msg)
}

func PrintSubtask(w io.Writer, name, desc string) {
	colorstring.Fprintf(w, "[green][bold]  ->[reset] %s", name)
	if desc != "" {
		fmt.Fprintf(w, " %s", desc)
	}
	fmt.Fprintln(w)
}
