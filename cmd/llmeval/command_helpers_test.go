package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "default", raw: "", want: "text"},
		{name: "json", raw: "json", want: "json"},
		{name: "case and space", raw: "  JSON ", want: "json"},
		{name: "unknown", raw: "yaml", wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := normalizeTextJSONFormat("report", tt.raw, "text")
			if tt.wantErr {
				if err == nil || !strings.Contains(err.Error(), "invalid report format") {
					t.Fatalf("normalizeTextJSONFormat(%q) err=%v, want invalid format error", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeTextJSONFormat(%q) err=%v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("normalizeTextJSONFormat(%q)=%q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestLoadAndValidateConfigReportsStage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("server: [\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, stage, err := loadAndValidateConfig(broken); err == nil || stage != configStageLoad {
		t.Fatalf("loadAndValidateConfig(broken) stage=%q err=%v, want load failure", stage, err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("server:\n  port: 0\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, stage, err := loadAndValidateConfig(invalid); err == nil || stage != configStageValidate {
		t.Fatalf("loadAndValidateConfig(invalid) stage=%q err=%v, want validate failure", stage, err)
	}

	valid := writeTestConfig(t, "")
	if _, stage, err := loadAndValidateConfig(valid); err != nil {
		t.Fatalf("loadAndValidateConfig(valid) stage=%q err=%v", stage, err)
	}
}

func TestParseCLITime(t *testing.T) {
	t.Parallel()

	start, err := parseCLITime("2026-03-01", false)
	if err != nil || !start.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("parseCLITime(date)=%v err=%v", start, err)
	}
	end, err := parseCLITime("2026-03-01", true)
	if err != nil || !end.Equal(time.Date(2026, 3, 1, 23, 59, 59, 999999999, time.UTC)) {
		t.Fatalf("parseCLITime(date, endOfDay)=%v err=%v", end, err)
	}
	exact, err := parseCLITime("2026-03-01T10:00:00+02:00", false)
	if err != nil || !exact.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)) {
		t.Fatalf("parseCLITime(rfc3339)=%v err=%v", exact, err)
	}
	if zero, err := parseCLITime("  ", false); err != nil || !zero.IsZero() {
		t.Fatalf("parseCLITime(blank)=%v err=%v, want zero", zero, err)
	}
	if _, err := parseCLITime("yesterday", false); err == nil {
		t.Fatal("parseCLITime(yesterday) err=nil, want error")
	}
}

func TestVariableFlags(t *testing.T) {
	t.Parallel()

	vars := variableFlags{}
	for _, raw := range []string{"name=Ada", "topic=a=b", "empty="} {
		if err := vars.Set(raw); err != nil {
			t.Fatalf("Set(%q) err=%v", raw, err)
		}
	}
	if vars["topic"] != "a=b" || vars["empty"] != "" {
		t.Fatalf("vars=%v", vars)
	}
	if got := vars.String(); got != "empty=,name=Ada,topic=a=b" {
		t.Fatalf("String()=%q", got)
	}
	for _, raw := range []string{"novalue", "=x"} {
		if err := vars.Set(raw); err == nil {
			t.Fatalf("Set(%q) err=nil, want error", raw)
		}
	}
}
