package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeManifest(t *testing.T, dir, contents string) string {
	t.Helper()
	path := filepath.Join(dir, "tandem.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

const minimalManifest = `
version: "1"
pair:
  name: fs-tools
server:
  command: ["./server"]
proxy:
  command: ["./proxy"]
  port: 8321
  configFile: proxy.yaml
`

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, minimalManifest)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if doc.Server.Runtime != RuntimeProcess {
		t.Fatalf("expected default runtime %q, got %q", RuntimeProcess, doc.Server.Runtime)
	}
	if doc.Server.LogFile != "server.log" {
		t.Fatalf("expected default log file, got %q", doc.Server.LogFile)
	}
	if got := doc.Server.ResolvedLogFile; got != filepath.Join(dir, "server.log") {
		t.Fatalf("unexpected resolved log file %q", got)
	}
	if doc.Server.Shutdown == nil || doc.Server.Shutdown.Grace.Duration != 2*time.Second {
		t.Fatalf("expected default shutdown grace, got %+v", doc.Server.Shutdown)
	}
	if doc.Pair.Workdir != dir {
		t.Fatalf("expected workdir %q, got %q", dir, doc.Pair.Workdir)
	}
	if got := doc.Proxy.ResolvedConfigFile; got != filepath.Join(dir, "proxy.yaml") {
		t.Fatalf("unexpected resolved proxy config %q", got)
	}
}

func TestLoadKeepsExplicitZeroGrace(t *testing.T) {
	dir := t.TempDir()
	manifest := strings.Replace(minimalManifest, `command: ["./server"]`,
		"command: [\"./server\"]\n  shutdown:\n    grace: 0s", 1)
	path := writeManifest(t, dir, manifest)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := doc.Server.Shutdown.Grace.Duration; got != 0 {
		t.Fatalf("explicit 0s grace must survive defaulting, got %v", got)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, minimalManifest+"\nbogus: true\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestLoadMergesEnvFile(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "server.env")
	envContents := strings.Join([]string{
		"# comment",
		"export TOKEN=abc123",
		`QUOTED="hello world"`,
		"TRAILING=value # inline comment",
	}, "\n")
	if err := os.WriteFile(envPath, []byte(envContents), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	manifest := `
version: "1"
pair:
  name: fs-tools
server:
  command: ["./server"]
  envFromFile: server.env
  env:
    TOKEN: override
proxy:
  command: ["./proxy"]
  port: 8321
  configFile: proxy.yaml
`
	path := writeManifest(t, dir, manifest)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if got := doc.Server.Env["TOKEN"]; got != "override" {
		t.Fatalf("inline env should win, got %q", got)
	}
	if got := doc.Server.Env["QUOTED"]; got != "hello world" {
		t.Fatalf("unexpected quoted value %q", got)
	}
	if got := doc.Server.Env["TRAILING"]; got != "value" {
		t.Fatalf("inline comment not stripped, got %q", got)
	}
}

func TestLoadReportsMissingEnvFile(t *testing.T) {
	dir := t.TempDir()
	manifest := strings.Replace(minimalManifest, `command: ["./server"]`,
		"command: [\"./server\"]\n  envFromFile: missing.env", 1)
	path := writeManifest(t, dir, manifest)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected env file error")
	}
	if !strings.Contains(err.Error(), "server.envFromFile") {
		t.Fatalf("expected field path in error, got %v", err)
	}
}

func TestLoadResolvesAbsoluteWorkdir(t *testing.T) {
	dir := t.TempDir()
	workdir := t.TempDir()
	manifest := `
version: "1"
pair:
  name: fs-tools
  workdir: ` + workdir + `
server:
  command: ["./server"]
  logFile: logs/server.log
proxy:
  command: ["./proxy"]
  port: 8321
  configFile: proxy.yaml
`
	path := writeManifest(t, dir, manifest)

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Pair.Workdir != workdir {
		t.Fatalf("expected workdir %q, got %q", workdir, doc.Pair.Workdir)
	}
	if got := doc.Server.ResolvedLogFile; got != filepath.Join(workdir, "logs", "server.log") {
		t.Fatalf("unexpected resolved log file %q", got)
	}
}
