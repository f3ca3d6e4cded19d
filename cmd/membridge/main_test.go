package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--color", "never"))
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := loadConfig("", newRootCmd().PersistentFlags())
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ShadowPoolSize != 16 || cfg.NaturalAlign != 8 || cfg.MetricsNamespace != "membridge" {
		t.Errorf("bridge defaults = %+v", cfg.Config)
	}
	if cfg.LogLevel != "warn" || cfg.Color != "auto" || cfg.StrictSentinel {
		t.Errorf("cli defaults = %q %q %v", cfg.LogLevel, cfg.Color, cfg.StrictSentinel)
	}
}

func TestLoadConfig_Precedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, "membridge.yaml", "shadow_pool_size: 4\nstrict_sentinel: true\nlog_level: debug\n")
	t.Setenv("MEMBRIDGE_SHADOW_POOL_SIZE", "8")

	flags := newRootCmd().PersistentFlags()
	if err := flags.Parse([]string{"--natural-align", "16"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadConfig("", flags)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ShadowPoolSize != 8 {
		t.Errorf("shadow_pool_size = %d, want the environment's 8", cfg.ShadowPoolSize)
	}
	if !cfg.StrictSentinel || cfg.LogLevel != "debug" {
		t.Errorf("file settings lost: %+v", cfg)
	}
	if cfg.NaturalAlign != 16 {
		t.Errorf("natural_align = %d, want the flag's 16", cfg.NaturalAlign)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	if _, err := loadConfig(filepath.Join(dir, "missing.yaml"), newRootCmd().PersistentFlags()); err == nil {
		t.Error("missing explicit config file accepted")
	}
	bad := writeFile(t, dir, "bad.yaml", "color: sometimes\n")
	if _, err := loadConfig(bad, newRootCmd().PersistentFlags()); err == nil {
		t.Error("invalid color accepted")
	}
	if _, err := newLogger("loud"); err == nil {
		t.Error("invalid log level accepted")
	}
}

func TestScenario(t *testing.T) {
	t.Chdir(t.TempDir())

	out, err := execute(t, "scenario")
	if err != nil {
		t.Fatalf("scenario: %v\n%s", err, out)
	}
	for _, want := range []string{"native target", "wasm32 target", "cyclic list", "grow during call", "membridge_bridge_contexts_total"} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "FAIL") {
		t.Errorf("failed steps:\n%s", out)
	}
}

const listLayout = `
address_size: 4
structs:
  - name: Node
    fields:
      - {name: value, kind: u32}
      - {name: next, pointer: Node, optional: true}
`

func TestRun_SumList(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	layoutFile := writeFile(t, dir, "layout.yaml", listLayout)
	callFile := writeFile(t, dir, "call.yaml", `
objects:
  - {id: a, type: Node, values: [{value: 1}], pointers: [{next: b}]}
  - {id: b, type: Node, values: [{value: 2}], pointers: [{next: c}]}
  - {id: c, type: Node, values: [{value: 3}], fixed: true}
args: [a]
`)

	out, err := execute(t, "run", "--func", "sum_list", "--layout", layoutFile, "--call", callFile)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "result 0: 6") {
		t.Errorf("sum not reported:\n%s", out)
	}
	if !strings.Contains(out, "[0].next: -> b") {
		t.Errorf("pointer not reported:\n%s", out)
	}
}

func TestRun_PushFront(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	layoutFile := writeFile(t, dir, "layout.yaml", listLayout)
	callFile := writeFile(t, dir, "call.yaml", `
objects:
  - {id: head, type: Node, values: [{value: 1}]}
args: [head]
params: [42]
return: {type: Node}
`)

	out, err := execute(t, "run", "--func", "push_front", "--layout", layoutFile, "--call", callFile)
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ret0 Node[1]") || !strings.Contains(out, "[0].value: 42") {
		t.Errorf("returned node not reported:\n%s", out)
	}
	if !strings.Contains(out, "[0].next: -> head") {
		t.Errorf("returned node does not point at head:\n%s", out)
	}
}

func TestRun_Errors(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	layoutFile := writeFile(t, dir, "layout.yaml", listLayout)
	callFile := writeFile(t, dir, "call.yaml", "objects: [{id: a, type: Node}]\nargs: [a]\n")
	badRef := writeFile(t, dir, "bad.yaml", "objects: [{id: a, type: Node, pointers: [{next: zz}]}]\nargs: [a]\n")

	if _, err := execute(t, "run", "--func", "nope", "--layout", layoutFile, "--call", callFile); err == nil {
		t.Error("unknown export accepted")
	}
	if _, err := execute(t, "run", "--func", "sum_list", "--layout", layoutFile, "--call", badRef); err == nil {
		t.Error("unknown pointer target accepted")
	}
	if _, err := execute(t, "run", "--func", "sum_list"); err == nil {
		t.Error("missing required flags accepted")
	}
}

func TestLayout(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	layoutFile := writeFile(t, dir, "layout.yaml", listLayout)

	out, err := execute(t, "layout", layoutFile)
	if err != nil {
		t.Fatalf("layout: %v", err)
	}
	if !strings.Contains(out, "== Node ==") || !strings.Contains(out, "size: 8") {
		t.Errorf("unexpected output:\n%s", out)
	}

	out, err = execute(t, "layout", "--wit", "u32")
	if err != nil {
		t.Fatalf("layout --wit: %v", err)
	}
	if !strings.Contains(out, "size: 4") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := execute(t, "layout"); err == nil {
		t.Error("layout without input accepted")
	}
}
