package encoder

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const fifoRetry = 20 * time.Millisecond

// MakeFIFO creates a named pipe at path.
func MakeFIFO(path string) error {
	if err := unix.Mkfifo(path, 0o600); err != nil {
		return fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return nil
}

// OpenFIFOWriter opens the write end of the pipe at path once a reader has opened it.
// It gives up at timeout, or as soon as exited is closed (the reader can no longer appear).
func OpenFIFOWriter(path string, timeout time.Duration, exited <-chan struct{}) (*os.File, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_WRONLY|unix.O_NONBLOCK, 0)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, unix.ENXIO) {
			return nil, fmt.Errorf("open fifo %s: %w", path, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("open fifo %s: no reader after %s", path, timeout)
		}
		select {
		case <-exited:
			return nil, fmt.Errorf("open fifo %s: reader exited", path)
		case <-time.After(fifoRetry):
		}
	}
}
