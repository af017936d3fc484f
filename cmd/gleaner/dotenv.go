// ABOUTME: Seeds the process environment from .env files before flag parsing.
// ABOUTME: Variables already set in the environment always win; missing files are ignored.
package main

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// loadEnvAuto applies .env files from the working directory and each of its
// parents, then from the directory holding the executable. Because earlier
// loads never overwrite keys that are already present, the nearest file wins.
func loadEnvAuto() {
	seen := map[string]bool{}
	apply := func(path string) {
		if path == "" || seen[path] {
			return
		}
		seen[path] = true
		applyEnvFile(path)
	}

	if wd, err := os.Getwd(); err == nil {
		for dir := wd; ; {
			apply(filepath.Join(dir, ".env"))
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}
	if exe, err := os.Executable(); err == nil {
		apply(filepath.Join(filepath.Dir(exe), ".env"))
	}
}

// applyEnvFile sets every KEY=VALUE pair from path that is not already in the
// environment. An unreadable file is treated as absent.
func applyEnvFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := parseEnvLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); !exists {
			os.Setenv(key, value)
		}
	}
}

// parseEnvLine extracts one key/value pair from a .env line. Blank lines,
// comments, and lines without '=' yield ok=false. An "export " prefix is
// accepted, values may be single- or double-quoted, and only the first '='
// splits, so values can contain '='.
func parseEnvLine(line string) (key, value string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	key, value, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)

	if len(value) >= 2 {
		first, last := value[0], value[len(value)-1]
		if (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return key, value, key != ""
}
