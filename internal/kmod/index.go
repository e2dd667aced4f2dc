// Package kmod parses a kernel's modules.dep/modules.alias and loads
// modules on demand into the running kernel, honoring dependency order and
// staying safe under concurrent callers.
package kmod

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// Module is one modules.dep entry: its file, relative to the kernel
// module root, and its dependencies in load order (prerequisites first).
type Module struct {
	Name string
	File string
	Deps []string
}

// Alias maps a modalias glob pattern to the module that handles it.
type Alias struct {
	Pattern string
	Module  string
}

// Index is the immutable, parsed modules.dep + modules.alias pair for one
// kernel version.
type Index struct {
	byName  map[string]Module
	aliases []Alias
}

// moduleName strips the two outermost extensions from a module's relative
// path: the compression suffix (.xz/.zst/none) and .ko.
func moduleName(relpath string) string {
	base := filepath.Base(relpath)
	base = strings.TrimSuffix(base, filepath.Ext(base)) // drop compression suffix (if any)
	base = strings.TrimSuffix(base, filepath.Ext(base)) // drop .ko
	return base
}

// ParseDep parses a modules.dep file. Lines of the form
// "RELPATH: DEP1 DEP2 ..." map to a Module keyed by its basename with
// compression and .ko suffixes stripped. The on-disk dependency order lists
// dependents before dependencies; Deps is stored reversed so that iterating
// it loads prerequisites first. Malformed lines are skipped with a warning.
func ParseDep(path string) (map[string]Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string]Module)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			log.Printf("kmod: no ':' in modules.dep line %q, skipping", line)
			continue
		}
		file := line[:idx]
		name := moduleName(file)
		if name == "" {
			log.Printf("kmod: unable to derive module name from %q, skipping", file)
			continue
		}
		rest := strings.TrimSpace(line[idx+1:])
		var deps []string
		if rest != "" {
			fields := strings.Fields(rest)
			for _, dep := range fields {
				deps = append(deps, moduleName(dep))
			}
			// on-disk order is dependents-first; reverse so prerequisites load first
			for i, j := 0, len(deps)-1; i < j; i, j = i+1, j-1 {
				deps[i], deps[j] = deps[j], deps[i]
			}
		}
		out[name] = Module{Name: name, File: file, Deps: deps}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseAlias parses a modules.alias file. Lines not beginning with
// "alias " (including comments) are ignored.
func ParseAlias(path string) ([]Alias, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var aliases []Alias
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "alias ") {
			continue
		}
		rest := line[len("alias "):]
		idx := strings.IndexByte(rest, ' ')
		if idx < 0 {
			log.Printf("kmod: unable to parse modalias line %q, skipping", line)
			continue
		}
		aliases = append(aliases, Alias{Pattern: rest[:idx], Module: rest[idx+1:]})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return aliases, nil
}

// NewIndex builds an Index from a modules.dep and a modules.alias file.
func NewIndex(depPath, aliasPath string) (*Index, error) {
	byName, err := ParseDep(depPath)
	if err != nil {
		return nil, err
	}
	aliases, err := ParseAlias(aliasPath)
	if err != nil {
		return nil, err
	}
	return &Index{byName: byName, aliases: aliases}, nil
}

// ByName looks up a module by its stripped name. ok is false if the name is
// not present in the index (the module may be builtin).
func (idx *Index) ByName(name string) (Module, bool) {
	m, ok := idx.byName[name]
	return m, ok
}

// All returns every module in the index, keyed by name. Used by the
// builder's module selector, which needs to enumerate the whole set rather
// than look up one name at a time.
func (idx *Index) All() map[string]Module {
	return idx.byName
}

// ByModalias returns the first alias (in file order) whose glob pattern
// matches s, and its module name.
func (idx *Index) ByModalias(s string) (string, bool) {
	for _, a := range idx.aliases {
		ok, err := filepath.Match(a.Pattern, s)
		if err != nil || !ok {
			continue
		}
		return a.Module, true
	}
	return "", false
}
