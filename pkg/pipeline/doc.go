// Package pipeline implements a small static asset build system. Steps, step sets and watch rules
// are declared in a Starlark script, inputs are expanded with mvdan.cc/sh and every step pushes its
// files through an ordered list of stages (Sass, concatenation, esbuild minification, shell filters)
// before the resulting artifacts are atomically written to disk.
package pipeline
