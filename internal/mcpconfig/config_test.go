package mcpconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFromBytes_SubstitutesEnvVars(t *testing.T) {
	os.Setenv("MCPCONFIG_TEST_TOKEN", "sekrit")
	defer os.Unsetenv("MCPCONFIG_TEST_TOKEN")

	yamlDoc := []byte(`
servers:
  - name: github
    command: mcp-server-github
    args: ["--token", "${MCPCONFIG_TEST_TOKEN}"]
    env:
      GITHUB_TOKEN: "${MCPCONFIG_TEST_TOKEN}"
`)

	loader := NewLoader(nil)
	doc, err := loader.LoadFromBytes(yamlDoc)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc.Servers) != 1 {
		t.Fatalf("expected 1 server, got %d", len(doc.Servers))
	}

	s := doc.Servers[0]
	if s.Args[1] != "sekrit" {
		t.Errorf("args[1] = %q, want sekrit", s.Args[1])
	}
	if s.Env["GITHUB_TOKEN"] != "sekrit" {
		t.Errorf("env GITHUB_TOKEN = %q, want sekrit", s.Env["GITHUB_TOKEN"])
	}
}

func TestLoadFromBytes_ArgsAcceptsScalarStringSplitOnWhitespace(t *testing.T) {
	loader := NewLoader(nil)
	doc, err := loader.LoadFromBytes([]byte(`
servers:
  - name: x
    command: run-me
    args: "--flag value  --other"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := []string{"--flag", "value", "--other"}
	got := doc.Servers[0].Args
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadFromBytes_LeavesUnsetVarPlaceholder(t *testing.T) {
	loader := NewLoader(nil)
	doc, err := loader.LoadFromBytes([]byte(`
servers:
  - name: x
    command: "${MCPCONFIG_DEFINITELY_UNSET}"
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if doc.Servers[0].Command != "${MCPCONFIG_DEFINITELY_UNSET}" {
		t.Errorf("expected placeholder left in place, got %q", doc.Servers[0].Command)
	}
}

func TestLoadFromFile_Caches(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "servers.yaml")
	if err := os.WriteFile(path, []byte("servers: []\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(nil)
	doc1, err := loader.LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Mutate the file on disk; cached load should not see the change.
	if err := os.WriteFile(path, []byte("servers:\n  - name: a\n    command: x\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	doc2, err := loader.LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc2.Servers) != len(doc1.Servers) {
		t.Fatalf("expected cached result, got different server count")
	}

	loader.ClearCache()
	doc3, err := loader.LoadFromFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(doc3.Servers) != 1 {
		t.Fatalf("expected fresh read after ClearCache, got %d servers", len(doc3.Servers))
	}
}

func TestLoadFromEnv(t *testing.T) {
	vars := map[string]string{
		"MCP_SERVER_GH_NAME":    "github",
		"MCP_SERVER_GH_COMMAND": "mcp-server-github",
		"MCP_SERVER_GH_ARGS":    "--verbose,--port=8080",
		"MCP_SERVER_GH_ENV":     "TOKEN=abc,REGION=us",
		"MCP_SERVER_GH_ENABLED": "true",
		"MCP_SERVER_GH_TIMEOUT": "15.5",
	}
	for k, v := range vars {
		os.Setenv(k, v)
		defer os.Unsetenv(k)
	}

	loader := NewLoader(nil)
	doc, err := loader.LoadFromEnv()
	if err != nil {
		t.Fatalf("load from env: %v", err)
	}
	if len(doc.Servers) != 1 {
		t.Fatalf("expected 1 server from env, got %d", len(doc.Servers))
	}

	s := doc.Servers[0]
	if s.Name != "github" || s.Command != "mcp-server-github" {
		t.Errorf("unexpected server: %+v", s)
	}
	if len(s.Args) != 2 || s.Args[1] != "--port=8080" {
		t.Errorf("unexpected args: %v", s.Args)
	}
	if s.Env["TOKEN"] != "abc" || s.Env["REGION"] != "us" {
		t.Errorf("unexpected env: %v", s.Env)
	}
	if s.Timeout != 15.5 {
		t.Errorf("timeout = %v, want 15.5", s.Timeout)
	}
	if !s.IsEnabled() {
		t.Error("expected server to be enabled")
	}
}

func TestValidateConfig_ReportsAllErrors(t *testing.T) {
	doc := &Document{
		Servers: []ServerDefinition{
			{Name: "", Command: ""},
			{Name: "dup", Command: "x"},
			{Name: "dup", Command: "y"},
			{Name: "bad-transport", Command: "z", Transport: "websocket"},
		},
	}

	errs := ValidateConfig(doc)
	if len(errs) < 4 {
		t.Fatalf("expected at least 4 validation errors, got %d: %v", len(errs), errs)
	}
}

func TestValidateConfig_Clean(t *testing.T) {
	doc := &Document{Servers: []ServerDefinition{{Name: "ok", Command: "run"}}}
	if errs := ValidateConfig(doc); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
}
