//go:build linux

package ring

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// shmBuffer is a Buffer backed by a POSIX shared-memory object, mapped
// with unix.Mmap directly via golang.org/x/sys/unix rather than going
// through a higher-level abstraction.
type shmBuffer struct {
	data []byte
}

func (s *shmBuffer) Bytes() []byte { return s.data }

// shmPath maps a POSIX shared-memory name (as used by shm_open, e.g.
// "/memhook_ring") onto the Linux tmpfs mount backing it.
func shmPath(name string) string {
	return filepath.Join("/dev/shm", filepath.Base(name))
}

// CreateShared creates (or truncates) a named shared-memory object of the
// given size and maps it read-write. The profiler creates the region
// this way before injecting the hook library; the injected library only
// opens an existing object and never creates one.
func CreateShared(name string, size int64) (Buffer, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("ring: create shared memory %s: %w", path, err)
	}
	defer f.Close()

	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("ring: truncate shared memory %s to %d: %w", path, size, err)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap shared memory %s: %w", path, err)
	}
	return &shmBuffer{data: data}, nil
}

// OpenShared opens an existing named shared-memory object read-write and
// maps it at its current size: the consumer side always opens the
// region read-write, since it also needs to advance Head.
func OpenShared(name string) (Buffer, error) {
	path := shmPath(name)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ring: open shared memory %s: %w", path, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("ring: stat shared memory %s: %w", path, err)
	}
	if st.Size() < HeaderSize {
		return nil, fmt.Errorf("ring: shared memory %s is smaller than the header (%d bytes)", path, HeaderSize)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("ring: mmap shared memory %s: %w", path, err)
	}
	return &shmBuffer{data: data}, nil
}

// Close unmaps the region.
func Close(b Buffer) error {
	sb, ok := b.(*shmBuffer)
	if !ok {
		return nil
	}
	return unix.Munmap(sb.data)
}

// Unlink removes the named shared-memory object, the POSIX shm_unlink
// equivalent; used on session teardown once no process still maps it.
func Unlink(name string) error {
	return os.Remove(shmPath(name))
}
