// Package mmap wraps the raw mmap/munmap syscalls used to map regions of a
// file into the process address space. Unlike an anonymous mapping, every
// mapping here is backed by an open file descriptor and shared so that
// writes made through the mapping are visible to other mappings of the same
// file (and are eventually written back by the kernel or an explicit msync).
package mmap

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// MapFile maps length bytes of f starting at offset. offset must be a
// multiple of the system page size; callers (MemoryFile) are responsible for
// choosing window boundaries that satisfy this.
func MapFile(f *os.File, offset int64, length int) ([]byte, error) {
	if length < 1 {
		return nil, fmt.Errorf("mmap: invalid length; length must be greater than 0: %d", length)
	}

	data, err := syscall.Mmap(int(f.Fd()), offset, length,
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_SHARED,
	)
	if err != nil {
		return nil, fmt.Errorf("mmap: map offset=%d length=%d: %w", offset, length, err)
	}

	return data, nil
}

// Unmap releases a mapping previously returned by MapFile.
func Unmap(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return syscall.Munmap(data)
}

// Sync flushes dirty pages of a mapping back to its backing file without
// waiting for the kernel's own writeback (MS_ASYNC); it does not fsync the
// file itself.
func Sync(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Msync(data, unix.MS_ASYNC)
}
