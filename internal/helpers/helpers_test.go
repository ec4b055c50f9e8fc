package helpers

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBytesToSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes uint64
		want  string
	}{
		{"Zero bytes", 0, "0B"},
		{"Bytes", 500, "500.00B"},
		{"Kilobytes", 1024, "1.00KB"},
		{"Kilobytes fractional", 1536, "1.50KB"},
		{"Megabytes", 1024 * 1024, "1.00MB"},
		{"Gigabytes", 1024 * 1024 * 1024, "1.00GB"},
		{"Terabytes", 1024 * 1024 * 1024 * 1024, "1.00TB"},
		{"Large Terabytes", 1536 * 1024 * 1024 * 1024, "1.50TB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BytesToSize(tt.bytes)
			if got != tt.want {
				t.Errorf("BytesToSize(%d) = %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

func TestCheckAndMakeDir(t *testing.T) {
	baseTempDir := t.TempDir()

	// Pre-create a file so the "path is a file" case can fail.
	preExistingFile := filepath.Join(baseTempDir, "existing_file.txt")
	if _, err := os.Create(preExistingFile); err != nil {
		t.Fatalf("Failed to pre-create file %s: %v", preExistingFile, err)
	}

	tests := []struct {
		name       string
		dirToMake  string // Relative to baseTempDir
		wantResult bool
	}{
		{"Create simple directory", "new_dir", true},
		{"Create nested directory", filepath.Join("nested", "dir", "to", "create"), true},
		{"Attempt to create directory that is a file", "existing_file.txt", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fullPath := filepath.Join(baseTempDir, tt.dirToMake)
			got := CheckAndMakeDir(fullPath)
			if got != tt.wantResult {
				t.Errorf("CheckAndMakeDir(%q) = %v, want %v", fullPath, got, tt.wantResult)
			}
			if tt.wantResult {
				info, err := os.Stat(fullPath)
				if err != nil || !info.IsDir() {
					t.Errorf("CheckAndMakeDir(%q) succeeded but directory does not exist", fullPath)
				}
			}
		})
	}
}
