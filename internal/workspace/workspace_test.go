package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenCreatesLayout(t *testing.T) {
	root := filepath.Join(t.TempDir(), "ws")
	w, err := Open(root)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	for _, dir := range []string{w.SkillsDir(), w.StagingRoot(), w.LogDir()} {
		st, err := os.Stat(dir)
		if err != nil || !st.IsDir() {
			t.Errorf("expected directory %s, err=%v", dir, err)
		}
	}
}

func TestOpenRefusesSecondSupervisor(t *testing.T) {
	root := t.TempDir()
	w, err := Open(root)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	if _, err := Open(root); err == nil {
		t.Fatal("expected second Open on the same workspace to fail")
	}
}

func TestMaterialize(t *testing.T) {
	w, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = w.Close() }()

	id := Identity{AgentName: "covenant", Root: w.Root()}
	if err := w.Materialize(id, map[string]string{"channel": "matrix"}); err != nil {
		t.Fatalf("Materialize failed: %v", err)
	}

	b, err := os.ReadFile(w.AgentConfigPath())
	if err != nil {
		t.Fatalf("agent config not written: %v", err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(b, &cfg); err != nil {
		t.Fatalf("agent config is not valid JSON: %v", err)
	}
	if cfg["agent_name"] != "covenant" {
		t.Errorf("agent_name = %v", cfg["agent_name"])
	}
	if cfg["skills_dir"] != w.SkillsDir() {
		t.Errorf("skills_dir = %v", cfg["skills_dir"])
	}

	doc, err := os.ReadFile(w.IdentityDocPath())
	if err != nil {
		t.Fatalf("identity doc not written: %v", err)
	}
	if !strings.Contains(string(doc), "covenant") {
		t.Error("identity doc does not mention the agent name")
	}
}
