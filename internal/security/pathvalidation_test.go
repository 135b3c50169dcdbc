package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidatePathWithinDirectory(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"inside", filepath.Join(dir, "eeprom.bin"), false},
		{"nested", filepath.Join(dir, "sub", "x.bin"), false},
		{"dot dot", filepath.Join(dir, "..", "x.bin"), true},
		{"absolute elsewhere", "/etc/passwd", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePathWithinDirectory(tt.path, dir)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePathWithinDirectory(%q) = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidatePathWithinDirectory_Symlink(t *testing.T) {
	dir := t.TempDir()
	outside := t.TempDir()
	target := filepath.Join(outside, "secret.bin")
	if err := os.WriteFile(target, []byte{1}, 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link.bin")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	if err := ValidatePathWithinDirectory(link, dir); err == nil {
		t.Error("symlink escaping the directory should be rejected")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"eeprom":        "eeprom",
		"kernel data":   "kernel_data",
		"../../etc":     "etc",
		"app/text  seg": "app_text_seg",
		"":              "unknown",
		"...":           "unknown",
		"boot-1.v2_rom": "boot-1.v2_rom",
	}
	for in, want := range tests {
		if got := SanitizeFilename(in); got != want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
