package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/danmuck/tdcore/internal/buildinfo"
	"github.com/danmuck/tdcore/internal/logging"
	"github.com/danmuck/tdcore/internal/testutil/testlog"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	testlog.Start(t)
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out, buildinfo.Version) || !strings.Contains(out, buildinfo.Artifact) {
		t.Fatalf("unexpected version output %q", out)
	}
}

func TestLogSettingsFromEnvAndFlags(t *testing.T) {
	testlog.Start(t)
	prev := log.Logger
	prevLevel := zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
		logLevel = ""
	})

	t.Setenv(logging.EnvLogLevel, "warn")
	if _, err := execute(t, "version"); err != nil {
		t.Fatalf("version: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("level=%s want warn from env", zerolog.GlobalLevel())
	}
	if _, err := execute(t, "--log-level", "error", "version"); err != nil {
		t.Fatalf("version: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Fatalf("level=%s want error from flag", zerolog.GlobalLevel())
	}
	if _, err := execute(t, "--log-level", "loud", "version"); err == nil {
		t.Fatalf("expected unknown level error")
	}
}

func TestConfiggenWritesAndValidates(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range []string{"client", "server"} {
		path := filepath.Join(dir, kind+".toml")
		if _, err := execute(t, "configgen", "--kind", kind, "--output", path); err != nil {
			t.Fatalf("configgen %s: %v", kind, err)
		}
		out, err := execute(t, "configgen", "--kind", kind, "--validate", "--input", path)
		if err != nil {
			t.Fatalf("validate %s: %v", kind, err)
		}
		if !strings.Contains(out, "validated "+kind) {
			t.Fatalf("unexpected output %q", out)
		}
		if _, err := execute(t, "configgen", "--kind", kind, "--output", path); err == nil {
			t.Fatalf("configgen %s overwrote without --force", kind)
		}
	}
}

func TestInvokeRejectsBadBody(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "client.toml")
	if _, err := execute(t, "configgen", "--output", path); err != nil {
		t.Fatalf("configgen: %v", err)
	}
	if _, err := execute(t, "--config", path, "invoke", "echo", "{not json"); err == nil {
		t.Fatalf("expected invalid body error")
	}
}
