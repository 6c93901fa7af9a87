package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dreamware/orchestrator/internal/client"
	"github.com/dreamware/orchestrator/internal/cloud/cloudtest"
	"github.com/dreamware/orchestrator/internal/config"
)

func envOf(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

var credentials = map[string]string{
	config.EnvAccessKey: "AKIA",
	config.EnvSecretKey: "secret",
}

// TestLoadConfigMissingCredentials tests that serve refuses to start without credentials
func TestLoadConfigMissingCredentials(t *testing.T) {
	cmd := newServeCmd()

	_, err := loadConfig("", cmd.Flags(), envOf(nil))

	if !errors.Is(err, config.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

// TestLoadConfigLayers tests defaults, file, env and flag precedence
func TestLoadConfigLayers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrator.yaml")
	yaml := "group: from-file\nregion: eu-west-1\nbuffer_target: 3\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	env := map[string]string{
		config.EnvAccessKey: "AKIA",
		config.EnvSecretKey: "secret",
		config.EnvRegion:    "ap-south-1",
	}

	cmd := newServeCmd()
	if err := cmd.Flags().Parse([]string{"--buffer-target=7", "--reconcile-interval=30s", "--log-dev"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(path, cmd.Flags(), envOf(env))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.Group != "from-file" {
		t.Errorf("group = %s, want from-file", cfg.Group)
	}
	if cfg.Region != "ap-south-1" {
		t.Errorf("region = %s, env should override file", cfg.Region)
	}
	if cfg.BufferTarget != 7 {
		t.Errorf("buffer target = %d, flag should override file", cfg.BufferTarget)
	}
	if cfg.ReconcileInterval != 30*time.Second {
		t.Errorf("interval = %s", cfg.ReconcileInterval)
	}
	if !cfg.LogDev {
		t.Error("log-dev flag not applied")
	}
	if cfg.Listen != ":9092" {
		t.Errorf("listen = %s, want default :9092", cfg.Listen)
	}
}

// TestLoadConfigUnsetFlagsKeepEnv tests that flag defaults do not mask the environment
func TestLoadConfigUnsetFlagsKeepEnv(t *testing.T) {
	env := map[string]string{
		config.EnvAccessKey: "AKIA",
		config.EnvSecretKey: "secret",
		config.EnvListen:    ":7000",
	}

	cfg, err := loadConfig("", newServeCmd().Flags(), envOf(env))
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Listen != ":7000" {
		t.Errorf("listen = %s, want :7000", cfg.Listen)
	}
}

// TestLoadConfigInvalidAddressKind tests validation of flag values
func TestLoadConfigInvalidAddressKind(t *testing.T) {
	cmd := newServeCmd()
	if err := cmd.Flags().Parse([]string{"--address-kind=ipv6"}); err != nil {
		t.Fatal(err)
	}

	if _, err := loadConfig("", cmd.Flags(), envOf(credentials)); err == nil {
		t.Fatal("expected an error for an unknown address kind")
	}
}

// TestNewLogger tests log level parsing
func TestNewLogger(t *testing.T) {
	if _, err := newLogger("debug", true); err != nil {
		t.Errorf("debug: %v", err)
	}
	if _, err := newLogger("loud", false); err == nil {
		t.Error("expected an error for an unknown level")
	}
}

// TestServeRequiresCredentials tests the serve command end to end up to validation
func TestServeRequiresCredentials(t *testing.T) {
	t.Setenv(config.EnvAccessKey, "")
	t.Setenv(config.EnvSecretKey, "")

	root := newRootCmd()
	root.SetArgs([]string{"serve"})
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})

	err := root.Execute()
	if !errors.Is(err, config.ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials, got %v", err)
	}
}

// TestClientCommands tests allocate, status and destroy against a live handler
func TestClientCommands(t *testing.T) {
	g := cloudtest.NewGroup(cloudtest.Running("i-a", "10.0.0.1"), cloudtest.Running("i-b", "10.0.0.2"))
	svc := newTestService(t, g, nil)
	ts := httptest.NewServer(svc.handler)
	defer ts.Close()

	run := func(args ...string) (string, error) {
		var out bytes.Buffer
		root := newRootCmd()
		root.SetArgs(append([]string{"--server", ts.URL}, args...))
		root.SetOut(&out)
		root.SetErr(&bytes.Buffer{})
		err := root.Execute()
		return out.String(), err
	}

	out, err := run("allocate", "proj1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	var alloc client.AllocateResponse
	if err := json.Unmarshal([]byte(out), &alloc); err != nil {
		t.Fatalf("decode allocate output %q: %v", out, err)
	}
	if alloc.IP != "10.0.0.1" || alloc.ProjectID != "proj1" {
		t.Errorf("unexpected allocation %+v", alloc)
	}

	out, err = run("status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status client.StatusResponse
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status output: %v", err)
	}
	if status.TotalMachines != 2 || status.UsedMachines != 1 {
		t.Errorf("unexpected status %+v", status)
	}

	out, err = run("destroy", "10.0.0.2")
	if err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if !strings.Contains(out, "Machine 10.0.0.2 destroyed") {
		t.Errorf("unexpected destroy output %q", out)
	}
	if calls := g.TerminateCalls(); len(calls) != 1 || calls[0] != "i-b" {
		t.Errorf("terminate calls = %v, want [i-b]", calls)
	}

	if _, err := run("allocate"); err == nil {
		t.Error("allocate without a project should fail")
	}
}
