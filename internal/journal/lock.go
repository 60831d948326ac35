package journal

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"nfsdb/internal/errs"
)

// writerLock is the exclusive cross-process file lock held for the
// lifetime of a writer-mode journal, acquired via
// syscall.Flock(LOCK_EX|LOCK_NB).
type writerLock struct {
	file *os.File
}

// acquireWriterLock opens (creating if necessary) <journalDir>/lock.lock
// and takes an exclusive, non-blocking flock on it. A second writer
// attempting to open the same journal fails fast with ConcurrentWriter
// instead of blocking, since NFSdb allows only one writer.
func acquireWriterLock(dir string) (*writerLock, error) {
	path := filepath.Join(dir, "lock.lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errs.New(errs.KindStorageIoError, "Journal.Open", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, errs.New(errs.KindConcurrentWriter, "Journal.Open", fmt.Errorf("journal %q is already open for writing: %w", dir, err))
	}
	return &writerLock{file: f}, nil
}

func (l *writerLock) release() error {
	if l == nil || l.file == nil {
		return nil
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return errs.New(errs.KindStorageIoError, "Journal.Close", err)
	}
	return l.file.Close()
}
