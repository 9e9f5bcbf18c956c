// Copyright (c) 2026 Legacy HSM Team
// legacyhsm - HSM-backed SAM reader pool
// This source code is licensed under the MIT license found in the LICENSE file.

// i18n-linter checks that every i18n.T key used in the Go sources exists in
// the English locale and that every other locale carries the same keys.
//
// Usage (from the repository root):
//
//	go run ./tools/i18n-linter
package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	localesDir    = "internal/i18n/locales"
	primaryLocale = "en.yaml"
)

var keyCallRe = regexp.MustCompile(`i18n\.T\("([^"]+)"`)

func main() {
	os.Exit(run(".", os.Stdout))
}

// run lints the tree at root and returns the process exit code.
func run(root string, out io.Writer) int {
	used, err := findUsedKeys(root)
	if err != nil {
		fmt.Fprintf(out, "error scanning sources: %v\n", err)
		return 2
	}
	primary, err := loadKeysFromLocale(filepath.Join(root, localesDir, primaryLocale))
	if err != nil {
		fmt.Fprintf(out, "error loading %s: %v\n", primaryLocale, err)
		return 2
	}
	fmt.Fprintf(out, "%d keys used in sources, %d keys in %s\n", len(used), len(primary), primaryLocale)

	failed := false
	for _, k := range sortedDiff(used, primary) {
		fmt.Fprintf(out, "undefined: %s\n", k)
		failed = true
	}
	for _, k := range sortedDiff(primary, used) {
		fmt.Fprintf(out, "orphaned: %s\n", k)
	}

	files, err := filepath.Glob(filepath.Join(root, localesDir, "*.yaml"))
	if err != nil {
		fmt.Fprintf(out, "error listing locales: %v\n", err)
		return 2
	}
	for _, f := range files {
		if filepath.Base(f) == primaryLocale {
			continue
		}
		keys, err := loadKeysFromLocale(f)
		if err != nil {
			fmt.Fprintf(out, "error loading %s: %v\n", f, err)
			failed = true
			continue
		}
		for _, k := range sortedDiff(primary, keys) {
			fmt.Fprintf(out, "missing in %s: %s\n", filepath.Base(f), k)
			failed = true
		}
	}

	if failed {
		return 1
	}
	fmt.Fprintln(out, "translations are consistent")
	return 0
}

// findUsedKeys collects the literal keys passed to i18n.T in non-test Go
// files below root. Vendored, tool and underscore directories are skipped.
func findUsedKeys(root string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (name == "tools" || name == "vendor" || strings.HasPrefix(name, "_") || strings.HasPrefix(name, ".")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, m := range keyCallRe.FindAllStringSubmatch(string(content), -1) {
			keys[m[1]] = struct{}{}
		}
		return nil
	})
	return keys, err
}

// loadKeysFromLocale reads a locale file and returns its keys, flattening
// nested maps to dotted ids the way go-i18n does.
func loadKeysFromLocale(path string) (map[string]struct{}, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, err
	}
	keys := make(map[string]struct{})
	flattenYAML("", data, keys)
	return keys, nil
}

func flattenYAML(prefix string, node any, keys map[string]struct{}) {
	m, ok := node.(map[string]any)
	if !ok {
		if prefix != "" {
			keys[prefix] = struct{}{}
		}
		return
	}
	for k, v := range m {
		if prefix != "" {
			k = prefix + "." + k
		}
		flattenYAML(k, v, keys)
	}
}

// sortedDiff returns the keys of a missing from b, sorted.
func sortedDiff(a, b map[string]struct{}) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
