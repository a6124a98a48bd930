// Package writebuf provides an amortized sequential file writer.
//
// Small writes are collected in a fixed-capacity buffer and reach the file in
// large chunks; writes larger than the buffer bypass it. Tell reports the
// logical file position, which includes bytes still resident in the buffer.
//
// In ModeWrite the file is created (or truncated) lazily on the first flush,
// so a writer that never receives data never creates its file. In
// ModeAppend the file is opened immediately and the logical position starts
// at its current length.
//
// The first open or write failure is sticky: it is returned by that call and
// by every later call, including Close.
package writebuf

import (
	"errors"
	"fmt"
	"io"
	"os"

	ovserrors "github.com/tamirms/ovstore/errors"
)

// DefaultCapacity is the default buffer size (1 MiB).
const DefaultCapacity = 1 << 20

// Mode selects how the target file is opened.
type Mode int

const (
	// ModeWrite creates or truncates the file on the first flush.
	ModeWrite Mode = iota
	// ModeAppend opens the file immediately and appends to its end.
	ModeAppend
)

func (m Mode) String() string {
	switch m {
	case ModeWrite:
		return "write"
	case ModeAppend:
		return "append"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

type state int

const (
	stateUnopened state = iota
	stateOpened
	stateClosed
)

// Error reports a failed open, write, sync or close of the target file.
type Error struct {
	Op   string
	Path string
	Mode Mode
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("writebuf: failed to %s '%s' (mode %s): %v", e.Op, e.Path, e.Mode, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Option configures a Writer.
type Option func(*Writer)

// WithCapacity sets the buffer capacity in bytes. Values < 1 are ignored.
func WithCapacity(n int) Option {
	return func(w *Writer) {
		if n > 0 {
			w.capacity = n
		}
	}
}

// WithPreallocate reserves n bytes of disk space when the file is opened.
// The file length is not changed by the reservation; Close truncates to the
// logical length, which returns any unused reserved blocks. Only honored in
// ModeWrite.
func WithPreallocate(n int64) Option {
	return func(w *Writer) {
		if n > 0 {
			w.prealloc = n
		}
	}
}

// Writer is a buffered, sequential, single-goroutine file writer.
type Writer struct {
	path     string
	mode     Mode
	capacity int
	prealloc int64

	state state
	file  *os.File

	buf []byte // len(buf) is the buffered byte count; cap(buf) == capacity
	pos uint64 // logical position: pre-existing + flushed + buffered
	err error  // sticky failure
}

// New creates a Writer for path. In ModeAppend the file is opened (and
// created if missing) before New returns.
func New(path string, mode Mode, opts ...Option) (*Writer, error) {
	if mode != ModeWrite && mode != ModeAppend {
		return nil, &Error{Op: "open", Path: path, Mode: mode, Err: fmt.Errorf("unknown mode %d", int(mode))}
	}

	w := &Writer{
		path:     path,
		mode:     mode,
		capacity: DefaultCapacity,
	}
	for _, opt := range opts {
		opt(w)
	}
	if mode == ModeAppend {
		w.prealloc = 0
	}
	w.buf = make([]byte, 0, w.capacity)

	if mode == ModeAppend {
		if err := w.open(); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Path returns the target file path.
func (w *Writer) Path() string { return w.path }

// Tell returns the logical file position, valid for unflushed data too.
func (w *Writer) Tell() uint64 { return w.pos }

// Buffered returns the number of bytes waiting in the buffer.
func (w *Writer) Buffered() int { return len(w.buf) }

// Write appends p to the file. It never returns a short count without an
// error.
func (w *Writer) Write(p []byte) (int, error) {
	if w.state == stateClosed {
		return 0, ovserrors.ErrWriterClosed
	}
	if w.err != nil {
		return 0, w.err
	}

	if w.capacity < len(w.buf)+len(p) {
		if err := w.Flush(); err != nil {
			return 0, err
		}
	}

	if w.capacity < len(p) {
		if len(w.buf) != 0 {
			panic("writebuf: buffer not empty before direct write")
		}
		if err := w.writeToDisk(p); err != nil {
			return 0, err
		}
	} else {
		w.buf = append(w.buf, p...)
	}

	if len(w.buf) > w.capacity {
		panic("writebuf: buffered bytes exceed capacity")
	}

	w.pos += uint64(len(p))
	return len(p), nil
}

// Flush writes all buffered bytes to the file. Flushing an empty buffer does
// nothing, and in particular does not create the file.
func (w *Writer) Flush() error {
	if w.state == stateClosed {
		return ovserrors.ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	if err := w.writeToDisk(w.buf); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	return nil
}

// Sync flushes the buffer and commits the file to stable storage. A
// ModeWrite writer that has received no data creates its (empty) file.
func (w *Writer) Sync() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if err := w.open(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return w.fail("sync", err)
	}
	return nil
}

// Close flushes the buffer and releases the file handle. It is safe to call
// more than once and is meant to be deferred so the flush happens on every
// exit path.
func (w *Writer) Close() error {
	if w.state == stateClosed {
		return nil
	}

	flushErr := w.Flush()

	var truncErr error
	if flushErr == nil && w.prealloc > 0 && w.file != nil {
		if err := w.file.Truncate(int64(w.pos)); err != nil {
			truncErr = w.fail("truncate", err)
		}
	}

	var closeErr error
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			closeErr = &Error{Op: "close", Path: w.path, Mode: w.mode, Err: err}
		}
		w.file = nil
	}
	w.state = stateClosed
	w.buf = nil

	return errors.Join(flushErr, truncErr, closeErr)
}

// open opens the file if it is not open yet.
func (w *Writer) open() error {
	if w.state == stateOpened {
		return nil
	}
	if w.err != nil {
		return w.err
	}

	flag := os.O_WRONLY | os.O_CREATE
	if w.mode == ModeAppend {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}

	f, err := os.OpenFile(w.path, flag, 0644)
	if err != nil {
		return w.fail("open", err)
	}

	// Appending starts at the existing length; a fresh file starts at zero
	// and pos already counts any bytes buffered before this open.
	if w.mode == ModeAppend {
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			_ = f.Close()
			return w.fail("seek", err)
		}
		w.pos += uint64(end)
	}

	if w.prealloc > 0 {
		if err := fallocateFile(f, w.prealloc); err != nil {
			_ = f.Close()
			return w.fail("preallocate", err)
		}
	}

	w.file = f
	w.state = stateOpened
	return nil
}

func (w *Writer) writeToDisk(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := w.open(); err != nil {
		return err
	}
	if _, err := w.file.Write(p); err != nil {
		return w.fail("write", err)
	}
	return nil
}

func (w *Writer) fail(op string, err error) error {
	w.err = &Error{Op: op, Path: w.path, Mode: w.mode, Err: err}
	return w.err
}
