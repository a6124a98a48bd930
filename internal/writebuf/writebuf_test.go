package writebuf

import (
	"bytes"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	ovserrors "github.com/tamirms/ovstore/errors"
)

// TestRoundTripTell writes records of mixed sizes, some larger than the
// buffer, and checks the file contents and Tell after every call.
func TestRoundTripTell(t *testing.T) {
	const recordSize = 24
	configs := []struct {
		name     string
		capacity int
		numRecs  int
	}{
		{"cap_smaller_than_total", 100, 50},
		{"cap_one_record", recordSize, 20},
		{"cap_not_multiple", 37, 40},
		{"default_cap", DefaultCapacity, 10},
	}

	for _, tc := range configs {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out.bin")
			w, err := New(path, ModeWrite, WithCapacity(tc.capacity))
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			rng := rand.New(rand.NewPCG(uint64(tc.capacity), 7))
			var want bytes.Buffer
			for i := 0; i < tc.numRecs; i++ {
				// Every fifth call writes a payload larger than the buffer.
				n := recordSize
				if i%5 == 4 {
					n = tc.capacity + recordSize*(1+i%3)
				}
				p := make([]byte, n)
				for j := range p {
					p[j] = byte(rng.Uint32())
				}
				if _, err := w.Write(p); err != nil {
					t.Fatalf("Write %d: %v", i, err)
				}
				want.Write(p)
				if got := w.Tell(); got != uint64(want.Len()) {
					t.Fatalf("Tell after write %d = %d, want %d", i, got, want.Len())
				}
				if w.Buffered() > tc.capacity {
					t.Fatalf("buffered %d exceeds capacity %d", w.Buffered(), tc.capacity)
				}
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, want.Bytes()) {
				t.Fatalf("file contents differ: got %d bytes, want %d", len(got), want.Len())
			}
		})
	}
}

func TestWriteModeIsLazy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lazy.bin")
	w, err := New(path, ModeWrite, WithCapacity(64))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file exists before first flush: %v", err)
	}
	if err := w.Flush(); err != nil {
		t.Fatalf("empty Flush: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("empty flush created the file: %v", err)
	}

	if _, err := w.Write([]byte("abc")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("buffered write created the file: %v", err)
	}
	if w.Tell() != 3 {
		t.Errorf("Tell = %d, want 3", w.Tell())
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "abc" {
		t.Fatalf("ReadFile = %q, %v", got, err)
	}
}

func TestWriteModeNoDataNoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "never.bin")
	w, err := New(path, ModeWrite)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("writer with no data created its file: %v", err)
	}
}

func TestWriteModeTruncates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trunc.bin")
	if err := os.WriteFile(path, []byte("old contents that are long"), 0644); err != nil {
		t.Fatal(err)
	}
	w, err := New(path, ModeWrite)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w.Tell() != 0 {
		t.Errorf("Tell = %d, want 0 in write mode", w.Tell())
	}
	if _, err := w.Write([]byte("new")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	got, _ := os.ReadFile(path)
	if string(got) != "new" {
		t.Errorf("contents = %q, want %q", got, "new")
	}
}

func TestAppendMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "append.bin")
	if err := os.WriteFile(path, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	w, err := New(path, ModeAppend, WithCapacity(4))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w.Tell() != 10 {
		t.Fatalf("Tell after open = %d, want 10", w.Tell())
	}
	if _, err := w.Write([]byte("ab")); err != nil {
		t.Fatal(err)
	}
	if w.Tell() != 12 {
		t.Errorf("Tell = %d, want 12", w.Tell())
	}
	if _, err := w.Write([]byte("cdefgh")); err != nil { // larger than capacity
		t.Fatal(err)
	}
	if w.Tell() != 18 {
		t.Errorf("Tell = %d, want 18", w.Tell())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, _ := os.ReadFile(path)
	if string(got) != "0123456789abcdefgh" {
		t.Errorf("contents = %q", got)
	}
}

func TestAppendModeCreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "new.bin")
	w, err := New(path, ModeAppend)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("append mode did not open the file immediately: %v", err)
	}
	if w.Tell() != 0 {
		t.Errorf("Tell = %d, want 0", w.Tell())
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOpenFailureIsSticky(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing-dir", "out.bin")

	if _, err := New(path, ModeAppend); err == nil {
		t.Fatal("expected append-mode open failure")
	}

	w, err := New(path, ModeWrite, WithCapacity(8))
	if err != nil {
		t.Fatalf("New (write mode is lazy): %v", err)
	}
	if _, err := w.Write([]byte("1234")); err != nil {
		t.Fatalf("buffered Write should not touch the file: %v", err)
	}

	_, err = w.Write([]byte("0123456789"))
	var werr *Error
	if !errors.As(err, &werr) {
		t.Fatalf("Write error = %v, want *Error", err)
	}
	if werr.Op != "open" || werr.Path != path {
		t.Errorf("Error = %+v", werr)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("error does not unwrap to ErrNotExist: %v", err)
	}

	if _, err := w.Write([]byte("x")); !errors.As(err, &werr) {
		t.Errorf("later Write error = %v, want sticky *Error", err)
	}
	if err := w.Close(); !errors.As(err, &werr) {
		t.Errorf("Close error = %v, want sticky *Error", err)
	}
}

func TestUseAfterClose(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "c.bin"), ModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if _, err := w.Write([]byte("x")); !errors.Is(err, ovserrors.ErrWriterClosed) {
		t.Errorf("Write after Close = %v, want ErrWriterClosed", err)
	}
	if err := w.Flush(); !errors.Is(err, ovserrors.ErrWriterClosed) {
		t.Errorf("Flush after Close = %v, want ErrWriterClosed", err)
	}
}

func TestPreallocateTruncatesToLogicalLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pre.bin")
	w, err := New(path, ModeWrite, WithCapacity(16), WithPreallocate(1<<20))
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte{0x5a}, 100)
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != int64(len(payload)) {
		t.Errorf("size = %d, want %d", fi.Size(), len(payload))
	}
}

func TestSyncCreatesEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.bin")
	w, err := New(path, ModeWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil || fi.Size() != 0 {
		t.Errorf("Stat = %v, %v; want empty file", fi, err)
	}
}

func TestUnknownMode(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "x"), Mode(7)); err == nil {
		t.Error("expected error for unknown mode")
	}
}
