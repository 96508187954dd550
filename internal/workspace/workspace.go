package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/gofrs/flock"
)

// Identity is the agent's immutable identity for the process lifetime.
type Identity struct {
	AgentName string `json:"agent_name"`
	Root      string `json:"workspace"`
}

// Workspace owns the on-disk layout under a single root directory:
//
//	agent.json     configuration artifact consumed by the agent at spawn
//	IDENTITY.md    static identity document
//	skills/        live skills tree, replaced wholesale by each sync
//	.staging/      per-run sync staging, discarded after every attempt
//	logs/          captured agent output
//
// Exactly one supervisor may own a workspace at a time; Open enforces
// this with a lock file.
type Workspace struct {
	root string
	lock *flock.Flock
}

// Open prepares the workspace directories and takes the exclusive lock.
// It fails if another supervisor already holds the workspace.
func Open(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{abs, filepath.Join(abs, "skills"), filepath.Join(abs, ".staging"), filepath.Join(abs, "logs")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create workspace dir %s: %w", dir, err)
		}
	}
	lk := flock.New(filepath.Join(abs, ".gatewarden.lock"))
	held, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("workspace lock: %w", err)
	}
	if !held {
		return nil, fmt.Errorf("workspace %s is already supervised (lock held)", abs)
	}
	return &Workspace{root: abs, lock: lk}, nil
}

// Close releases the workspace lock.
func (w *Workspace) Close() error {
	if w.lock != nil {
		return w.lock.Unlock()
	}
	return nil
}

func (w *Workspace) Root() string            { return w.root }
func (w *Workspace) SkillsDir() string       { return filepath.Join(w.root, "skills") }
func (w *Workspace) StagingRoot() string     { return filepath.Join(w.root, ".staging") }
func (w *Workspace) LogDir() string          { return filepath.Join(w.root, "logs") }
func (w *Workspace) AgentConfigPath() string { return filepath.Join(w.root, "agent.json") }
func (w *Workspace) IdentityDocPath() string { return filepath.Join(w.root, "IDENTITY.md") }

// agentConfig is the structured document written once at startup and read
// by the agent process when it spawns.
type agentConfig struct {
	AgentName string            `json:"agent_name"`
	Workspace string            `json:"workspace"`
	SkillsDir string            `json:"skills_dir"`
	Extra     map[string]string `json:"extra,omitempty"`
	WrittenAt time.Time         `json:"written_at"`
}

var identityDoc = template.Must(template.New("identity").Parse(`# {{.AgentName}}

This workspace belongs to the messaging gateway agent **{{.AgentName}}**.

- Workspace root: {{.Root}}
- Skills tree: skills/ (managed; replaced wholesale on every sync)

Do not edit files under skills/ by hand; changes are overwritten by the
next synchronization.
`))

// Materialize writes the configuration artifact and identity documents.
// It is called exactly once at startup; a failure here is fatal to the
// supervisor because the agent cannot run without valid configuration.
func (w *Workspace) Materialize(id Identity, extra map[string]string) error {
	cfg := agentConfig{
		AgentName: id.AgentName,
		Workspace: w.root,
		SkillsDir: w.SkillsDir(),
		Extra:     extra,
		WrittenAt: time.Now().UTC(),
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(w.AgentConfigPath(), append(b, '\n'), 0o600); err != nil {
		return fmt.Errorf("write agent config: %w", err)
	}

	f, err := os.OpenFile(w.IdentityDocPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("write identity doc: %w", err)
	}
	defer func() { _ = f.Close() }()
	if err := identityDoc.Execute(f, struct {
		AgentName string
		Root      string
	}{id.AgentName, w.root}); err != nil {
		return fmt.Errorf("render identity doc: %w", err)
	}
	return nil
}
