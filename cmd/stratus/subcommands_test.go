package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/stratus-run/stratus/internal/telemetry"
)

func TestResolveRegistrarWiresTelemetry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `registry:
  url: http://127.0.0.1:8098
telemetry:
  enabled: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cmd := &cobra.Command{}
	cmd.Flags().String("config", path, "")
	cmd.Flags().String("server", "", "")

	reg, cfg, err := resolveRegistrar(cmd)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if reg == nil || !cfg.Telemetry.Enabled {
		t.Fatalf("expected telemetry enabled from config, got %+v", cfg.Telemetry)
	}

	telemetry.CounterGlobal("stratus_wiring_check", 1, map[string]string{"component": "cli"})
	for _, m := range telemetry.GetGlobal().GetMetrics() {
		if m.Name == "stratus_wiring_check" {
			return
		}
	}
	t.Fatalf("global collector dropped the metric; telemetry not initialized from config")
}
