// Package shm wraps a System-V shared memory segment used as the
// edge-coverage bitmap channel between the fuzzer and the instrumented
// target. The identifier handed to the target is a real SysV shm id,
// matching what AFL-style instrumentation expects in __AFL_SHM_ID.
package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DefaultSize is the default bitmap size in bytes (64KB), matching
// AFL++'s default coverage map size.
const DefaultSize = 1 << 16

// Segment owns one SysV shared memory region mapped into this process.
// The mapped region is written to by the target process and read back
// by the parent after each execution; no locking is required because
// accesses never overlap in time (parent writes before exec, child
// writes while running, parent reads after wait()).
type Segment struct {
	id   int
	addr []byte
	size int
}

// Create allocates and attaches a new shared memory segment of size
// bytes, owned exclusively by the caller.
func Create(size int) (*Segment, error) {
	id, err := unix.SysvShmGet(unix.IPC_PRIVATE, size, unix.IPC_CREAT|0600)
	if err != nil {
		return nil, fmt.Errorf("shm: shmget failed: %w", err)
	}

	addr, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		return nil, fmt.Errorf("shm: shmat failed: %w", err)
	}

	s := &Segment{id: id, addr: addr, size: size}
	s.Clear()
	return s, nil
}

// ID is the SysV shared memory identifier, stringified into the
// target's environment as __AFL_SHM_ID.
func (s *Segment) ID() int {
	return s.id
}

// Size is the bitmap length in bytes.
func (s *Segment) Size() int {
	return s.size
}

// Clear zeroes the live mapping in place. Called before every
// execute so that the coverage of one run never leaks into the next.
func (s *Segment) Clear() {
	for i := range s.addr {
		s.addr[i] = 0
	}
}

// Snapshot copies the live region into a freshly owned slice. The
// returned bytes are independent of the shared mapping: later writes
// to the live region (by a subsequent run) never mutate a previously
// returned snapshot.
func (s *Segment) Snapshot() []byte {
	out := make([]byte, s.size)
	copy(out, s.addr)
	return out
}

// Destroy detaches and removes the segment. Idempotent: calling it
// more than once, or on a Segment that failed to fully initialize, is
// safe and a no-op after the first successful call.
func (s *Segment) Destroy() error {
	if s.addr == nil {
		return nil
	}
	addr := s.addr
	s.addr = nil
	if err := unix.SysvShmDetach(addr); err != nil {
		return fmt.Errorf("shm: shmdt failed: %w", err)
	}
	if _, err := unix.SysvShmCtl(s.id, unix.IPC_RMID, nil); err != nil {
		return fmt.Errorf("shm: shmctl(IPC_RMID) failed: %w", err)
	}
	return nil
}
