// Package elfclosure computes the transitive shared-library dependency set
// of an ELF binary: everything that must travel with it into the image for
// the dynamic linker to start it at boot.
//
// Resolution is purely static (debug/elf plus RPATH/ld.so.conf search),
// rather than driving the platform's dynamic linker at dlopen time — the
// boot agent and the builder are both built with cgo disabled, so there is
// no libdl to call into.
package elfclosure

import (
	"bufio"
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotELF is returned when the input file is not an ELF binary.
var ErrNotELF = errors.New("elfclosure: not an ELF file")

// defaultSearchPath is consulted after a binary's own RPATH/RUNPATH.
var defaultSearchPath = []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64"}

// Resolve returns the absolute paths of every shared library path
// transitively required to run the ELF binary at path, including path's own
// direct dependencies. The returned set is deduplicated but unordered
// beyond first-discovery order.
func Resolve(path string) ([]string, error) {
	seen := make(map[string]bool)
	listed := make(map[string]bool)
	var closure []string

	var visit func(string) error
	visit = func(p string) error {
		real, err := filepath.EvalSymlinks(p)
		if err != nil {
			return fmt.Errorf("resolving symlinks for %s: %w", p, err)
		}
		if seen[real] {
			return nil
		}
		seen[real] = true

		libs, searchPath, err := directDeps(real)
		if err != nil {
			return err
		}
		for _, lib := range libs {
			if lib == "" {
				continue
			}
			resolved, err := findLibrary(lib, searchPath)
			if err != nil {
				// Missing libraries are common for optional dependencies
				// (e.g. NSS modules); record nothing and move on.
				continue
			}
			if !listed[resolved] {
				listed[resolved] = true
				closure = append(closure, resolved)
			}
			if err := visit(resolved); err != nil {
				return err
			}
		}
		return nil
	}

	if err := visit(path); err != nil {
		return nil, err
	}
	return closure, nil
}

// directDeps opens path as an ELF file and returns its DT_NEEDED sonames
// plus the library search path built from its own RPATH/RUNPATH and the
// system defaults.
func directDeps(path string) ([]string, []string, error) {
	f, err := elf.Open(path)
	if err != nil {
		var fmtErr *elf.FormatError
		if errors.As(err, &fmtErr) {
			return nil, nil, ErrNotELF
		}
		return nil, nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	libs, err := f.ImportedLibraries()
	if err != nil {
		return nil, nil, fmt.Errorf("reading DT_NEEDED of %s: %w", path, err)
	}

	var rpath []string
	if rp, err := f.DynString(elf.DT_RUNPATH); err == nil {
		rpath = splitPathList(rp)
	}
	if len(rpath) == 0 {
		if rp, err := f.DynString(elf.DT_RPATH); err == nil {
			rpath = splitPathList(rp)
		}
	}

	confPath := readLdSoConf("/etc/ld.so.conf")
	searchPath := append(append([]string{}, rpath...), confPath...)
	searchPath = append(searchPath, defaultSearchPath...)
	return libs, searchPath, nil
}

func splitPathList(entries []string) []string {
	var out []string
	for _, e := range entries {
		out = append(out, strings.Split(e, ":")...)
	}
	return out
}

// readLdSoConf parses /etc/ld.so.conf, following "include" directives
// (glob-expanded, and recursively into the included files) and skipping
// comments and blank lines.
func readLdSoConf(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var dirs []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "include "); ok {
			matches, _ := filepath.Glob(rest)
			for _, m := range matches {
				dirs = append(dirs, readLdSoConf(m)...)
			}
			continue
		}
		dirs = append(dirs, line)
	}
	return dirs
}

// findLibrary looks for soname under each directory in searchPath, in
// order, returning the first match.
func findLibrary(soname string, searchPath []string) (string, error) {
	for _, dir := range searchPath {
		candidate := filepath.Join(dir, soname)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("elfclosure: %s not found in search path", soname)
}

// isELF sniffs the ELF magic without fully parsing the file. Nothing in
// this module calls it at present.
func isELF(b []byte) bool {
	return bytes.HasPrefix(b, []byte{0x7f, 'E', 'L', 'F'})
}
