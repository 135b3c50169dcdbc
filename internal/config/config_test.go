package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/havencarlson/CS/internal/checksum"
	"github.com/havencarlson/CS/internal/serialmux"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	c := &Config{}
	if got := c.GetMaxBytesPerCycle(); got != 16*1024 {
		t.Errorf("GetMaxBytesPerCycle = %d", got)
	}
	if got := c.GetTickInterval(); got != time.Second {
		t.Errorf("GetTickInterval = %v", got)
	}
	if got := c.GetWorkerStaleAfter(); got != 5*time.Minute {
		t.Errorf("GetWorkerStaleAfter = %v", got)
	}
	if got := c.GetForceResetInterval(); got != time.Minute {
		t.Errorf("GetForceResetInterval = %v", got)
	}
	if c.GetWorkerDelay() != 0 || c.GetPreserveStates() {
		t.Error("worker delay and preserve states should default off")
	}
	if c.SerialPort() != "" {
		t.Error("link should default to disabled")
	}
	if c.GetImageDir() != "" {
		t.Error("image dir should default to none")
	}
	if _, err := c.Regions(); err == nil {
		t.Error("empty memory map should be an error")
	}
}

func TestAccessorsUseSetValues(t *testing.T) {
	c := &Config{
		MaxBytesPerCycle:   ptrUint32(0),
		TickInterval:       ptrString("250ms"),
		ForceResetInterval: ptrString("30s"),
		PreserveStates:     ptrBool(true),
		ImageDir:           ptrString("/var/lib/cs/image"),
		Serial:             &SerialConfig{Port: "/dev/ttyUSB0", PortOptions: serialmux.PortOptions{BaudRate: 9600}},
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	ec := c.EngineConfig("1.2.3")
	want := checksum.Config{
		MaxBytesPerCycle:   0,
		StaleAfter:         5 * time.Minute,
		ForceResetInterval: 30 * time.Second,
		PreserveStates:     true,
		Version:            "1.2.3",
	}
	if ec != want {
		t.Errorf("EngineConfig = %+v, want %+v", ec, want)
	}
	if c.GetImageDir() != "/var/lib/cs/image" {
		t.Errorf("GetImageDir = %q", c.GetImageDir())
	}
	if c.GetTickInterval() != 250*time.Millisecond {
		t.Errorf("GetTickInterval = %v", c.GetTickInterval())
	}
	if c.SerialPort() != "/dev/ttyUSB0" || c.SerialOptions().BaudRate != 9600 {
		t.Errorf("serial = %q %+v", c.SerialPort(), c.SerialOptions())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"bad duration", `{"tick_interval": "soon"}`, "invalid tick_interval"},
		{"zero interval", `{"tick_interval": "0s"}`, "must be positive"},
		{"negative delay", `{"worker_delay": "-1s"}`, "non-negative"},
		{"overlapping regions", `{"memory_map": [
			{"name": "a", "start": 0, "size": 16},
			{"name": "b", "start": 8, "size": 16}]}`, "memory_map"},
		{"unknown target", `{"targets": {"Flash": []}}`, "unknown target"},
		{"two core entries", `{"targets": {"CfeCore": [
			{"name": "a", "address": 0, "size": 1},
			{"name": "b", "address": 1, "size": 1}]}}`, "exceeds the limit"},
		{"entry outside map", `{"memory_map": [{"name": "a", "start": 0, "size": 16}],
			"targets": {"Eeprom": [{"name": "x", "address": 8, "size": 16}]}}`, "targets.Eeprom[0]"},
		{"bad parity", `{"serial": {"port": "/dev/ttyS0", "parity": "Q"}}`, "serial"},
		{"unknown key", `{"max_bytes": 5}`, "unknown field"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestTables(t *testing.T) {
	c, err := Parse([]byte(`{
		"memory_map": [{"name": "ram", "start": 4096, "size": 4096}],
		"targets": {
			"eeprom": [
				{"name": "boot", "address": 4096, "size": 64},
				{"name": "spare", "address": 0, "size": 0},
				{"name": "off", "address": 4160, "size": 64, "enabled": false}
			],
			"OsCore": [{"name": "os", "address": 8000, "size": 16}]
		}
	}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	tables, err := c.Tables()
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	ee := tables[checksum.Eeprom]
	if len(ee) != 3 {
		t.Fatalf("eeprom entries = %d", len(ee))
	}
	if !ee[0].Enabled || !ee[1].Empty() || ee[2].Enabled {
		t.Errorf("eeprom table = %+v", ee)
	}
	if tables[checksum.OsCore][0].Address != 8000 {
		t.Errorf("os core = %+v", tables[checksum.OsCore])
	}
}

func TestLoad_RejectsNonJSONAndLargeFiles(t *testing.T) {
	if _, err := Load(writeConfig(t, "cs.yaml", "{}")); err == nil || !strings.Contains(err.Error(), ".json") {
		t.Errorf("expected extension error, got %v", err)
	}
	big := `{"tick_interval": "1s"` + strings.Repeat(" ", maxFileSize) + `}`
	if _, err := Load(writeConfig(t, "big.json", big)); err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("expected size error, got %v", err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_PartialFile(t *testing.T) {
	c, err := Load(writeConfig(t, "cs.json", `{"preserve_states": true}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !c.GetPreserveStates() || c.GetTickInterval() != time.Second {
		t.Errorf("partial config = %+v", c)
	}
}

func TestDefaultConfigFile(t *testing.T) {
	c := MustLoadDefaultConfig()
	regions, err := c.Regions()
	if err != nil {
		t.Fatalf("Regions: %v", err)
	}
	if len(regions) == 0 {
		t.Fatal("default config has no memory map")
	}
	tables, err := c.Tables()
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	for _, target := range checksum.Targets {
		if len(tables[target]) == 0 {
			t.Errorf("default config has no %s entries", target)
		}
	}
}
