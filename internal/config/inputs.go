package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// ReadListFile loads a UTF-8 list file: one entry per line, blank lines
// and lines starting with '#' ignored. Used for user lists, model lists
// and base-model whitelists.
func ReadListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening list file %s: %w", path, err)
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading list file %s: %w", path, err)
	}
	return entries, nil
}

// ParseUserEntry reduces a user-list entry to a bare handle. Accepts plain
// handles and profile URLs like https://civitai.com/user/<handle>[/...].
func ParseUserEntry(entry string) (string, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", fmt.Errorf("empty user entry")
	}
	if !strings.Contains(entry, "/") {
		return entry, nil
	}
	u, err := url.Parse(entry)
	if err != nil {
		return "", fmt.Errorf("parsing user entry %q: %w", entry, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "user" && i+1 < len(parts) {
			return parts[i+1], nil
		}
	}
	return "", fmt.Errorf("cannot extract user handle from %q", entry)
}

// ParseModelEntry reduces a model-list entry to a numeric model id.
// Accepts bare ids and URLs like https://civitai.com/models/<id>[/slug].
func ParseModelEntry(entry string) (int, error) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return 0, fmt.Errorf("empty model entry")
	}
	if id, err := strconv.Atoi(entry); err == nil {
		if id <= 0 {
			return 0, fmt.Errorf("invalid model id %d", id)
		}
		return id, nil
	}
	u, err := url.Parse(entry)
	if err != nil {
		return 0, fmt.Errorf("parsing model entry %q: %w", entry, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i, p := range parts {
		if p == "models" && i+1 < len(parts) {
			id, convErr := strconv.Atoi(parts[i+1])
			if convErr != nil || id <= 0 {
				return 0, fmt.Errorf("invalid model id in %q", entry)
			}
			return id, nil
		}
	}
	return 0, fmt.Errorf("cannot extract model id from %q", entry)
}
