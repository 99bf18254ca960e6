package main

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// isaSearchDir returns the directory isaforge looks in for named ISA
// descriptions (as opposed to a literal path passed to --isa), following
// the same per-OS convention engcfg uses for its own config file.
func isaSearchDir() string {
	if d := os.Getenv("ISAFORGE_ISA_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "isas"
	}
	return filepath.Join(home, ".config", "isaforge", "isas")
}

// resolveISAPath turns the --isa argument into a file path: a literal path
// if one exists, otherwise name.json inside the ISA search directory.
func resolveISAPath(name string) (string, error) {
	if _, err := os.Stat(name); err == nil {
		return name, nil
	}
	candidate := filepath.Join(isaSearchDir(), name+".json")
	if _, err := os.Stat(candidate); err == nil {
		return candidate, nil
	}
	return "", &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
}

// listISAs enumerates the *.json descriptions in the search directory.
func listISAs() ([]string, error) {
	dir := isaSearchDir()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".json"))
	}
	sort.Strings(names)
	return names, nil
}
