package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jllopis/watt/pkg/core"
	"github.com/jllopis/watt/pkg/errors"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root, _ := newRootCommand(strings.NewReader(""), &out, &errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func agentsDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	def := "id: support\ntenant_id: acme\nname: Support\npersona:\n  name: Ava\n  tone: friendly\n"
	if err := os.WriteFile(filepath.Join(dir, "support.yaml"), []byte(def), 0o600); err != nil {
		t.Fatalf("write agent: %v", err)
	}
	return dir
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--json")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got["version"] != version {
		t.Errorf("expected version %q, got %q", version, got["version"])
	}
}

func TestMissingConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := execute(t, "kpis", "support", "--config", path)
	if err == nil {
		t.Fatal("expected an error for a missing config file")
	}
	ce := asCLIError(err)
	if ce.Code != errors.CodeConfiguration {
		t.Errorf("expected CONFIGURATION, got %s", ce.Code)
	}
	if !strings.Contains(ce.Hint, path) {
		t.Errorf("expected hint to name %s, got %q", path, ce.Hint)
	}
}

func TestRunCommand(t *testing.T) {
	out, err := execute(t, "run", "--agent", "support", "--json",
		"--set", "agents.dir="+agentsDir(t),
		"--set", "llm.provider=mock",
		"--set", "log.level=error",
		"where", "is", "my", "order?")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var run core.AgentRun
	if err := json.Unmarshal([]byte(out), &run); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if run.Status != core.RunCompleted {
		t.Errorf("expected completed run, got %s (%s)", run.Status, run.Error)
	}
	if run.Input != "where is my order?" {
		t.Errorf("expected joined input, got %q", run.Input)
	}
	if run.TenantID != "acme" {
		t.Errorf("expected agent tenant, got %q", run.TenantID)
	}
	if run.Metrics.TokenUsage.TotalTokens != 20 {
		t.Errorf("expected 20 tokens, got %d", run.Metrics.TokenUsage.TotalTokens)
	}
}

func TestRunUnknownAgent(t *testing.T) {
	_, err := execute(t, "run", "--agent", "nobody",
		"--set", "agents.dir="+agentsDir(t),
		"--set", "llm.provider=mock",
		"--set", "log.level=error",
		"hi")
	if err == nil {
		t.Fatal("expected an error for an unknown agent")
	}
	if code := asCLIError(err).Code; code != errors.CodeConfiguration {
		t.Errorf("expected CONFIGURATION, got %s", code)
	}
}

func TestApprovalsListEmpty(t *testing.T) {
	out, err := execute(t, "approvals", "list", "--json",
		"--set", "agents.dir="+agentsDir(t),
		"--set", "log.level=error")
	if err != nil {
		t.Fatalf("approvals list: %v", err)
	}
	if strings.TrimSpace(out) != "[]" && strings.TrimSpace(out) != "null" {
		t.Errorf("expected no approvals, got %s", out)
	}
}

func TestRangeFlags(t *testing.T) {
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		flags   rangeFlags
		want    *core.TimeRange
		wantErr bool
	}{
		{"unset", rangeFlags{}, nil, false},
		{"explicit", rangeFlags{From: from.Format(time.RFC3339), To: to.Format(time.RFC3339)}, &core.TimeRange{From: from, To: to}, false},
		{"since", rangeFlags{To: to.Format(time.RFC3339), Since: 24 * time.Hour}, &core.TimeRange{From: from, To: to}, false},
		{"bad from", rangeFlags{From: "yesterday"}, nil, true},
		{"inverted", rangeFlags{From: to.Format(time.RFC3339), To: from.Format(time.RFC3339)}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.flags.timeRange()
			if (err != nil) != tt.wantErr {
				t.Fatalf("expected error %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr {
				if code := asCLIError(err).Code; code != errors.CodeInvalidInput {
					t.Errorf("expected INVALID_INPUT, got %s", code)
				}
				return
			}
			if (got == nil) != (tt.want == nil) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			if got != nil && (!got.From.Equal(tt.want.From) || !got.To.Equal(tt.want.To)) {
				t.Errorf("expected %v..%v, got %v..%v", tt.want.From, tt.want.To, got.From, got.To)
			}
		})
	}
}

func TestCLIErrorPrint(t *testing.T) {
	ce := asCLIError(errors.New(errors.CodeConflict, "approval already resolved", nil))

	var text bytes.Buffer
	ce.Print(&text, false)
	if !strings.Contains(text.String(), "Error [CONFLICT]: approval already resolved") {
		t.Errorf("unexpected text output %q", text.String())
	}
	if !strings.Contains(text.String(), "Hint: ") {
		t.Errorf("expected a hint, got %q", text.String())
	}

	var raw bytes.Buffer
	ce.Print(&raw, true)
	var got struct {
		Error map[string]string `json:"error"`
	}
	if err := json.Unmarshal(raw.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Error["code"] != "CONFLICT" || got.Error["hint"] == "" {
		t.Errorf("unexpected json output %v", got.Error)
	}
}
