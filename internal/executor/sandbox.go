package executor

import (
	"log"
	"os/exec"
	"sync"
)

// SandboxConfig enables the optional bubblewrap wrapper.
type SandboxConfig struct {
	Enabled   bool
	ScratchDir string
}

var warnOnce sync.Once

// sandboxPrefix returns the bwrap binary name and its fixed argument
// prefix, or ("", nil) if sandboxing is disabled or bwrap is missing.
// The flag set binds the root filesystem read-only, gives the target a
// fresh /dev and /proc, and binds only the scratch directory
// read-write, matching a bubblewrap-hardened AFL-style invocation.
func (e *Executor) sandboxPrefix() (string, []string) {
	if e.cfg.Sandbox == nil || !e.cfg.Sandbox.Enabled {
		return "", nil
	}
	path, err := exec.LookPath("bwrap")
	if err != nil {
		warnOnce.Do(func() {
			log.Printf("executor: bwrap not found, running target unsandboxed")
		})
		return "", nil
	}

	scratch := e.cfg.Sandbox.ScratchDir
	if scratch == "" {
		scratch = e.cfg.TempDir
	}
	return path, []string{
		"--ro-bind", "/", "/",
		"--dev", "/dev",
		"--proc", "/proc",
		"--bind", scratch, scratch,
		"--unshare-pid",
		"--die-with-parent",
		"--new-session",
		"--",
	}
}
