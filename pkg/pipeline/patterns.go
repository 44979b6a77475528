package pipeline

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/syntax"
)

const globMeta = "*?[{"

// match is a resolved input file together with the glob base of the pattern that produced it
type match struct {
	path string
	base string
}

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	return ioutil.ReadDir(path)
}

func absPattern(base, pattern string) string {
	if filepath.IsAbs(pattern) {
		return filepath.Clean(pattern)
	}

	return filepath.Join(base, pattern)
}

// splitPatterns separates exclusion patterns (prefixed with "!") from regular ones and makes both absolute
func splitPatterns(base string, patterns []string) (include, exclude []string) {
	for _, item := range patterns {
		if strings.HasPrefix(item, "!") {
			exclude = append(exclude, absPattern(base, item[1:]))
		} else {
			include = append(include, absPattern(base, item))
		}
	}

	return
}

// globStarVariants returns every spelling of pattern with a "/**/" segment either kept or collapsed to "/".
// The shell's globstar lets "**" match zero directories while gobwas/glob always expects the separators around it.
func globStarVariants(pattern string) []string {
	pos := strings.Index(pattern, "/**/")
	if pos < 0 {
		return []string{pattern}
	}

	result := []string{}
	for _, rest := range globStarVariants(pattern[pos+4:]) {
		result = append(result, pattern[:pos+4]+rest, pattern[:pos+1]+rest)
	}
	return result
}

// compileGlobs compiles absolute patterns for path matching. The literal prefix of every pattern is quoted,
// so only the part splitGlob reports as glob syntax is interpreted.
func compileGlobs(root string, patterns []string) ([]glob.Glob, error) {
	result := make([]glob.Glob, 0, len(patterns))
	for _, item := range patterns {
		prefix, rest := splitGlob(root, item)
		expr := glob.QuoteMeta(filepath.ToSlash(prefix))
		if rest != "" {
			expr = strings.TrimSuffix(expr, "/") + "/" + rest
		}

		for _, variant := range globStarVariants(expr) {
			g, err := glob.Compile(variant, '/')
			if err != nil {
				return nil, eris.Wrapf(err, "invalid pattern %s", item)
			}
			result = append(result, g)
		}
	}

	return result, nil
}

func matchesAny(globs []glob.Glob, path string) bool {
	path = filepath.ToSlash(path)
	for _, g := range globs {
		if g.Match(path) {
			return true
		}
	}

	return false
}

// splitGlob splits an absolute pattern into its literal directory prefix and the glob remainder.
// root and everything above it are never treated as glob syntax. rest is empty for literal patterns.
func splitGlob(root, pattern string) (prefix, rest string) {
	item := filepath.ToSlash(pattern)
	dir := strings.TrimSuffix(filepath.ToSlash(root), "/")

	start := 0
	if dir != "" {
		if item == dir {
			return pattern, ""
		}
		if strings.HasPrefix(item, dir+"/") {
			start = len(dir) + 1
		}
	}

	parts := strings.Split(item[start:], "/")
	for idx, part := range parts {
		if strings.ContainsAny(part, globMeta) {
			prefix = strings.TrimSuffix(item[:start]+strings.Join(parts[:idx], "/"), "/")
			if prefix == "" {
				prefix = "/"
			}
			return filepath.FromSlash(prefix), strings.Join(parts[idx:], "/")
		}
	}

	return pattern, ""
}

// globBase returns the static directory prefix of a pattern. For literal paths, that's the parent directory.
func globBase(root, pattern string) string {
	prefix, rest := splitGlob(root, pattern)
	if rest == "" {
		return filepath.Dir(prefix)
	}

	return prefix
}

// expandPattern resolves rest relative to dir. Only rest is parsed as a shell word.
func expandPattern(parser *syntax.Parser, dir, rest string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "failed to check %s", dir)
	}
	if !info.IsDir() {
		return nil, nil
	}

	words := make([]*syntax.Word, 0)
	err = parser.Words(strings.NewReader(rest), func(w *syntax.Word) bool {
		words = append(words, w)
		return true
	})
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse pattern %s", rest)
	}

	cfg := &expand.Config{
		Env:      expand.ListEnviron("PWD=" + dir),
		ReadDir:  shellReadDir,
		GlobStar: true,
		NullGlob: true,
	}
	matches, err := expand.Fields(cfg, words...)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve pattern %s", rest)
	}

	result := make([]string, 0, len(matches))
	for _, match := range matches {
		path := filepath.Join(dir, filepath.FromSlash(match))
		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, eris.Wrapf(err, "failed to check %s", path)
		}
		result = append(result, path)
	}

	return result, nil
}

// resolvePatternLists expands the given patterns into a deterministic, duplicate free list of regular files
func resolvePatternLists(base string, patterns []string, exclude []glob.Glob) ([]match, error) {
	include, excludePatterns := splitPatterns(base, patterns)
	if exclude == nil && len(excludePatterns) > 0 {
		var err error
		exclude, err = compileGlobs(base, excludePatterns)
		if err != nil {
			return nil, err
		}
	}

	parser := syntax.NewParser()

	seen := make(map[string]bool)
	result := []match{}
	for _, pattern := range include {
		prefix, rest := splitGlob(base, pattern)

		var matches []string
		if rest == "" {
			if _, err := os.Stat(prefix); err == nil {
				matches = []string{prefix}
			} else if !os.IsNotExist(err) {
				return nil, eris.Wrapf(err, "failed to check input %s", prefix)
			}
		} else {
			var err error
			matches, err = expandPattern(parser, prefix, rest)
			if err != nil {
				return nil, err
			}
		}

		for _, item := range matches {
			if seen[item] || matchesAny(exclude, item) {
				continue
			}

			info, err := os.Stat(item)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to check input %s", item)
			}
			if info.IsDir() {
				continue
			}

			seen[item] = true
			matchBase := prefix
			if rest == "" {
				matchBase = filepath.Dir(item)
			}
			result = append(result, match{path: item, base: matchBase})
		}
	}

	return result, nil
}
