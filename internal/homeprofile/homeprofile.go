// Package homeprofile prepares an isolated state directory for the
// app-server subprocess: a private CODEX_HOME so its credentials,
// rollouts, and config never collide with a developer's own interactive
// use of the same binary, a one-time import of existing credentials into
// that isolated home, and an instructions override file the subprocess
// reads on every turn.
package homeprofile

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// profileMarkerName is written once per profile directory the first time
// it's used, and never removed; its presence is what distinguishes a
// fresh isolated home (whose chat→thread mappings, if any survived from a
// different profile, are unresolvable) from one the bridge has already
// initialized.
const profileMarkerName = ".profile-marker-v1"

const profileMarkerBody = "v1\n"

// Profile is the on-disk layout of one isolated home directory.
type Profile struct {
	Dir string
}

// Ensure creates dir and its subdirectories (logs/, tmp/) if they don't
// already exist, and returns a Profile rooted there.
func Ensure(dir string) (*Profile, error) {
	for _, sub := range []string{"", "logs", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("homeprofile: create %s: %w", filepath.Join(dir, sub), err)
		}
	}
	return &Profile{Dir: dir}, nil
}

// ChatThreadsPath is where the chat→thread map is persisted.
func (p *Profile) ChatThreadsPath() string {
	return filepath.Join(p.Dir, "chat-threads.json")
}

// AgentsOverridePath is the instructions override file the subprocess
// reads on every turn, watched live by internal/config's Watcher.
func (p *Profile) AgentsOverridePath() string {
	return filepath.Join(p.Dir, "AGENTS.override.md")
}

// LogsDir holds the structured log file and the stderr-tail snapshot.
func (p *Profile) LogsDir() string {
	return filepath.Join(p.Dir, "logs")
}

// TmpDir holds scratch files (e.g. downloaded attachments) swept
// periodically by the maintenance scheduler.
func (p *Profile) TmpDir() string {
	return filepath.Join(p.Dir, "tmp")
}

func (p *Profile) profileMarkerPath() string {
	return filepath.Join(p.Dir, profileMarkerName)
}

// shouldApplyInstructions implements the §4.F step-3 decision: the
// override only applies when there are instructions to apply at all, and
// either the caller didn't restrict them to a fallback role or the
// workspace has no instructions file of its own to defer to.
func shouldApplyInstructions(text string, fallbackOnly bool, workspaceDir string) bool {
	if text == "" {
		return false
	}
	if !fallbackOnly {
		return true
	}
	return !workspaceHasOwnInstructions(workspaceDir)
}

func workspaceHasOwnInstructions(workspaceDir string) bool {
	if workspaceDir == "" {
		return false
	}
	for _, name := range []string{"AGENTS.md", "AGENTS.override.md"} {
		if _, err := os.Stat(filepath.Join(workspaceDir, name)); err == nil {
			return true
		}
	}
	return false
}

// WriteInstructionsOverride writes the instructions override file, applying
// the should-apply rule: when fallbackOnly is set and workspaceDir already
// carries its own AGENTS.md or AGENTS.override.md, the workspace's own
// instructions take precedence and the profile-wide override is cleared
// instead of written. Passing an empty text always clears it, so the file
// is created either way and the subprocess (and the watcher) always find
// it.
func (p *Profile) WriteInstructionsOverride(text string, fallbackOnly bool, workspaceDir string) error {
	if !shouldApplyInstructions(text, fallbackOnly, workspaceDir) {
		text = ""
	}
	return os.WriteFile(p.AgentsOverridePath(), []byte(text), 0o600)
}

// EnsureProfileMarker reports whether this is the profile directory's
// first use (the marker file was absent) and writes the marker so every
// later call reports false. The caller must clear ChatThreadMap and
// ResumedSet when firstRun is true: an isolated profile means any mappings
// that survived from elsewhere are unresolvable and would only produce
// avoidable "no rollout" errors.
func (p *Profile) EnsureProfileMarker() (firstRun bool, err error) {
	marker := p.profileMarkerPath()
	if _, err := os.Stat(marker); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, fmt.Errorf("homeprofile: stat profile marker: %w", err)
	}
	if err := os.WriteFile(marker, []byte(profileMarkerBody), 0o600); err != nil {
		return false, fmt.Errorf("homeprofile: write profile marker: %w", err)
	}
	return true, nil
}

// ImportCredentialsOnce copies auth.json from sourceHome into this
// profile's home the first time it's needed: once the profile has its own
// auth.json, the copy is naturally idempotent, so re-running the bridge
// never clobbers credentials the isolated home has since refreshed on its
// own (e.g. via a token refresh the subprocess performed).
func (p *Profile) ImportCredentialsOnce(sourceHome string) error {
	dst := filepath.Join(p.Dir, "auth.json")
	if _, err := os.Stat(dst); err == nil {
		return nil
	}

	src := filepath.Join(sourceHome, "auth.json")
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	if err := copyFile(src, dst, 0o600); err != nil {
		return fmt.Errorf("homeprofile: import credentials: %w", err)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
