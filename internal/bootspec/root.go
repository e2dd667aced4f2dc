package bootspec

import (
	"fmt"
	"strings"
)

// RootSpec describes the real root filesystem named on the kernel command
// line. Devpath is absent until the matching device appears, then it is set
// exactly once.
type RootSpec struct {
	Identifier Identifier
	Filesystem Filesystem
	Devpath    string // empty until found
}

// ParseCmdline splits /proc/cmdline on whitespace. The raw argument list is
// returned rather than a map so callers needing other cmdline keys (e.g. a
// future rd.* option) aren't forced to re-split, while root= and root.type=
// still get "last occurrence wins" semantics by scanning the list in order.
func ParseCmdline(raw string) []string {
	return strings.Fields(raw)
}

// RootFromCmdline extracts the root spec from a parsed cmdline, honoring
// "last occurrence wins" for both root= and root.type=.
func RootFromCmdline(args []string) (RootSpec, error) {
	var rootArg, typeArg string
	typeArg = "auto"
	found := false
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "root="); ok {
			rootArg = v
			found = true
		} else if v, ok := strings.CutPrefix(arg, "root.type="); ok {
			typeArg = v
		}
	}
	if !found {
		return RootSpec{}, fmt.Errorf("unable to find root= on kernel command line")
	}
	fs, err := ParseFilesystem(typeArg)
	if err != nil {
		return RootSpec{}, err
	}
	return RootSpec{
		Identifier: ParseIdentifier(rootArg),
		Filesystem: fs,
	}, nil
}
