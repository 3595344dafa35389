package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/touchcapture/qrbridge/internal/config"
	"github.com/touchcapture/qrbridge/internal/logging"
)

func TestRootCommandVersionFlag(t *testing.T) {
	originalVersion := Version
	defer func() {
		Version = originalVersion
	}()
	Version = "v0.1.0-test"

	output := executeRoot(t, "--version")
	if output != "v0.1.0-test" {
		t.Fatalf("version output = %q, want %q", output, "v0.1.0-test")
	}
}

func TestVersionCommandIncludesProtocol(t *testing.T) {
	output := executeRoot(t, "version")
	if !strings.HasPrefix(output, "qrbridge ") || !strings.Contains(output, "(protocol 1.0)") {
		t.Fatalf("version output = %q", output)
	}
}

func TestRootCommandHelpListsExpectedSubcommands(t *testing.T) {
	output := executeRoot(t, "--help")
	for _, name := range []string{"serve", "formats", "version", "bugreport"} {
		if !strings.Contains(output, name) {
			t.Fatalf("help output missing %q: %s", name, output)
		}
	}
}

func TestFormatsCommandPrintsOrdinalTable(t *testing.T) {
	lines := strings.Split(executeRoot(t, "formats"), "\n")
	if len(lines) != 12 {
		t.Fatalf("formats output has %d lines, want header plus 11 formats:\n%s", len(lines), strings.Join(lines, "\n"))
	}
	for _, want := range []string{"0 AZTEC", "9 QR_CODE", "10 UPC_E"} {
		found := false
		for _, line := range lines {
			found = found || strings.Join(strings.Fields(line), " ") == want
		}
		if !found {
			t.Fatalf("formats output missing %q:\n%s", want, strings.Join(lines, "\n"))
		}
	}
}

func executeRoot(t *testing.T, args ...string) string {
	t.Helper()

	logger, err := logging.New(context.Background(), logging.WithDir(t.TempDir()))
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })

	cfg := config.Defaults()
	cmd := newRootCommand(&cfg, logger)
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stdout)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("execute %v: %v", args, err)
	}
	return strings.TrimSpace(stdout.String())
}
