package selector

import (
	"bufio"
	"os"
	"strings"
)

// ReadHostModules parses /proc/modules, returning the set of module names
// currently loaded on the running kernel (first whitespace-delimited token
// per line).
func ReadHostModules(path string) (map[string]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mods := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		mods[fields[0]] = true
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return mods, nil
}
