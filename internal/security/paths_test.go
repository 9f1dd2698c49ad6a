package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	tmpDir := t.TempDir()

	safeDir := filepath.Join(tmpDir, "safe")
	unsafeDir := filepath.Join(tmpDir, "unsafe")
	require.NoError(t, os.MkdirAll(safeDir, 0o755))
	require.NoError(t, os.MkdirAll(unsafeDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(unsafeDir, "roast.db"), []byte("x"), 0o644))

	link := filepath.Join(safeDir, "exports")
	require.NoError(t, os.Symlink(unsafeDir, link))

	tests := []struct {
		name      string
		filePath  string
		safeDir   string
		wantError bool
	}{
		{"within directory", filepath.Join(tmpDir, "roast.csv"), tmpDir, false},
		{"nested new file", filepath.Join(tmpDir, "exports", "2026", "roast.png"), tmpDir, false},
		{"dot dot", filepath.Join(tmpDir, "..", "roast.csv"), tmpDir, true},
		{"relative escape", "../../../etc/passwd", tmpDir, true},
		{"absolute outside", "/etc/passwd", tmpDir, true},
		{"through symlink", filepath.Join(link, "roast.db"), safeDir, true},
		{"new file under symlink", filepath.Join(link, "new.csv"), safeDir, true},
		{"symlink itself", link, safeDir, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.filePath, tt.safeDir)
			if tt.wantError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePathWithinAllowedDirs(t *testing.T) {
	dir1 := t.TempDir()
	dir2 := t.TempDir()

	assert.NoError(t, ValidatePathWithinAllowedDirs(filepath.Join(dir2, "a.html"), []string{dir1, dir2}))
	assert.Error(t, ValidatePathWithinAllowedDirs("/etc/passwd", []string{dir1, dir2}))
	assert.ErrorContains(t, ValidatePathWithinAllowedDirs(filepath.Join(dir1, "a.html"), nil), "no allowed directories")
}

func TestValidateExportPath(t *testing.T) {
	assert.NoError(t, ValidateExportPath(filepath.Join(os.TempDir(), "roast.csv")))
	assert.NoError(t, ValidateExportPath("roast.csv"), "relative paths land in the working directory")
	assert.Error(t, ValidateExportPath("/etc/passwd"))
	assert.NoError(t, ValidateExportPath("/etc/passwd", "/etc"))
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Kenya AA", "Kenya_AA"},
		{"2026-03-14 09:00:00", "2026-03-14_09_00_00"},
		{"../../etc/passwd", "etc_passwd"},
		{"Café  Olé!!", "Caf_Ol"},
		{"", "unknown"},
		{"...", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeFilename(tt.in), "input %q", tt.in)
	}
	assert.Len(t, SanitizeFilename(strings.Repeat("a", 300)), 128)
}

func TestExportFilename(t *testing.T) {
	start := time.Date(2026, 3, 14, 9, 5, 0, 0, time.UTC)
	assert.Equal(t, "20260314-0905_Kenya_AA.csv", ExportFilename("Kenya AA", start, ".csv"))
	assert.Equal(t, "20260314-0905_unknown.png", ExportFilename("", start, "png"))
}
