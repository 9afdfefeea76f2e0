// Package buffer provides the per-hop response sink with disk spilling.
package buffer

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/WhileEndless/go-openuri/pkg/constants"
	"github.com/WhileEndless/go-openuri/pkg/errors"
	"github.com/WhileEndless/go-openuri/pkg/meta"
)

// Buffer stores data either in memory or spooled to a temporary file once the
// cumulative size exceeds a threshold. It also carries the metadata of the hop
// it belongs to.
type Buffer struct {
	buf       bytes.Buffer
	file      *os.File
	path      string
	size      int64
	limit     int64
	md        *meta.Metadata
	onSpill   func()
	spilled   bool
	mu        sync.Mutex // Protects Close() and other operations
	closed    bool       // Track if already closed
	finalized bool
}

// New creates a Buffer with the standard threshold of constants.StringMax bytes.
func New() *Buffer {
	return NewWithLimit(constants.StringMax)
}

// NewWithLimit creates a Buffer with the provided memory limit.
func NewWithLimit(limit int64) *Buffer {
	if limit <= 0 {
		limit = constants.StringMax
	}
	return &Buffer{limit: limit, md: meta.New()}
}

// OnSpill registers fn to be called once when the buffer moves to disk.
func (b *Buffer) OnSpill(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSpill = fn
}

// Meta returns the metadata adapters fill in for this hop.
func (b *Buffer) Meta() *meta.Metadata {
	return b.md
}

// Write appends p, spilling to disk once the cumulative size exceeds the
// configured memory threshold.
func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.finalized {
		return 0, errors.NewIOError("writing to buffer", os.ErrClosed)
	}

	if b.file == nil && b.size+int64(len(p)) > b.limit {
		if err := b.spill(); err != nil {
			return 0, err
		}
	}

	if b.file == nil {
		n, _ := b.buf.Write(p)
		b.size += int64(n)
		return n, nil
	}

	n, err := b.file.Write(p)
	b.size += int64(n)
	if err != nil {
		return n, errors.NewIOError("writing to temp file", err)
	}
	return n, nil
}

// spill moves the in-memory prefix into a new temp file. b.mu must be held.
func (b *Buffer) spill() error {
	tmp, err := os.CreateTemp("", constants.TempFilePattern)
	if err != nil {
		return errors.NewIOError("creating temp file", err)
	}
	if _, err := tmp.Write(b.buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.NewIOError("writing to temp file", err)
	}

	b.file, b.path, b.spilled = tmp, tmp.Name(), true
	b.buf = bytes.Buffer{}
	if b.onSpill != nil {
		b.onSpill()
	}
	return nil
}

// Bytes returns the in-memory data. If the payload spilled to disk this will be
// empty.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.spilled {
		return nil
	}
	return b.buf.Bytes()
}

// Path returns the filesystem path backing the spilled payload. It stays
// set after Finalize, where the file belongs to the returned stream, and is
// cleared by Close.
func (b *Buffer) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.path
}

// Size returns the total number of bytes written.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// IsSpilled returns true if the payload moved to disk, including after
// Finalize handed the file to a stream.
func (b *Buffer) IsSpilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spilled
}

// Finalize hands the accumulated data over to a stream positioned at offset 0.
// The stream owns the temporary file from then on and removes it on Close;
// closing the buffer afterwards is a no-op.
func (b *Buffer) Finalize() (*meta.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.finalized {
		return nil, errors.NewIOError("finalizing buffer", os.ErrClosed)
	}
	b.finalized = true

	if b.file == nil {
		data := b.buf.Bytes()
		b.buf = bytes.Buffer{}
		return meta.NewStream(memFile{bytes.NewReader(data)}, b.size, b.md), nil
	}

	f := &tempFile{File: b.file}
	b.file = nil
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, errors.NewIOError("rewinding temp file", err)
	}
	return meta.NewStream(f, b.size, b.md), nil
}

// Close discards the buffer and removes the temp file, unless ownership was
// already transferred by Finalize. Safe for concurrent calls and idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Already closed, make it idempotent
	if b.closed {
		return nil
	}

	b.closed = true
	b.buf = bytes.Buffer{}
	path := b.path
	b.path = ""

	if b.file != nil {
		err := b.file.Close()
		// Always try to remove the temp file
		if removeErr := os.Remove(path); removeErr != nil && err == nil {
			err = removeErr
		}
		b.file = nil
		if err != nil {
			return errors.NewIOError("removing temp file", err)
		}
	}
	return nil
}

type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

// tempFile removes itself from disk when closed.
type tempFile struct {
	*os.File
}

func (f *tempFile) Close() error {
	err := f.File.Close()
	if removeErr := os.Remove(f.Name()); removeErr != nil && err == nil {
		err = removeErr
	}
	if err != nil {
		return errors.NewIOError("removing temp file", err)
	}
	return nil
}
