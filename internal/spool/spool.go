// Package spool buffers an inbound request body for a blocking reader.
//
// Bytes are pulled from the network only when the reader asks for them. Up to
// MemoryThreshold bytes are kept in a pooled memory buffer; past that the
// buffered bytes move to a temp file once and every later byte goes there too.
// Crossing AbsoluteCeiling fails the read with ErrPayloadTooLarge.
package spool

import (
	"io"
	"os"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/valyala/bytebufferpool"
)

const (
	DefaultMemoryThreshold int64 = 512 * 1024
	DefaultAbsoluteCeiling int64 = 1024 * 1024 * 1024
)

var (
	// ErrPayloadTooLarge is returned once the body grows past the ceiling.
	ErrPayloadTooLarge = errors.New("spool: payload too large")
	// ErrBodyRead marks failures of the underlying network body.
	ErrBodyRead = errors.New("spool: body read failed")
	// ErrClosed is returned by Read after Close.
	ErrClosed = errors.New("spool: body closed")
)

// Options controls buffering limits.
type Options struct {
	MemoryThreshold int64
	AbsoluteCeiling int64
	// Dir is where temp files are created. Empty means os.TempDir.
	Dir string
	// OnSpill, when set, is called once with the buffered size at the moment
	// the body moves to disk.
	OnSpill func(size int64)
}

// DefaultOptions returns the default limits.
func DefaultOptions() Options {
	return Options{
		MemoryThreshold: DefaultMemoryThreshold,
		AbsoluteCeiling: DefaultAbsoluteCeiling,
	}
}

// Body is a lazily filled, rewindable request body.
type Body struct {
	mu   sync.Mutex
	src  io.Reader
	opts Options

	mem  *bytebufferpool.ByteBuffer
	file *os.File

	size int64 // bytes pulled from src and stored
	pos  int64 // consumer offset, pos <= size
	eof  bool
	err  error

	closed bool
}

// New wraps src. The caller must Close the returned Body on every path.
func New(src io.Reader, opts Options) *Body {
	return &Body{
		src:  src,
		opts: opts,
		mem:  bytebufferpool.Get(),
	}
}

// Read implements io.Reader. It blocks on the network when no stored bytes
// are left to serve.
func (b *Body) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if b.pos < b.size {
		return b.readStored(p)
	}
	if b.err != nil {
		return 0, b.err
	}
	if b.eof {
		return 0, io.EOF
	}
	return b.pull(p)
}

func (b *Body) readStored(p []byte) (int, error) {
	var n int
	if b.file != nil {
		if rem := b.size - b.pos; int64(len(p)) > rem {
			p = p[:rem]
		}
		var err error
		n, err = b.file.ReadAt(p, b.pos)
		if err != nil && !(errors.Is(err, io.EOF) && n == len(p)) {
			b.err = errors.Wrap(err, "spool: read temp file")
			return n, b.err
		}
	} else {
		n = copy(p, b.mem.B[b.pos:b.size])
	}
	b.pos += int64(n)
	return n, nil
}

// pull reads the next bytes from src straight into p and stores a copy.
func (b *Body) pull(p []byte) (int, error) {
	// One byte past the ceiling is enough to detect the overflow.
	if room := b.opts.AbsoluteCeiling - b.size + 1; int64(len(p)) > room {
		p = p[:room]
	}

	n, rerr := b.src.Read(p)
	over := false
	if b.size+int64(n) > b.opts.AbsoluteCeiling {
		n = int(b.opts.AbsoluteCeiling - b.size)
		over = true
	}
	if n > 0 {
		if err := b.store(p[:n]); err != nil {
			b.err = err
			return 0, err
		}
		b.pos += int64(n)
	}

	switch {
	case over:
		b.err = ErrPayloadTooLarge
		return n, b.err
	case rerr == nil:
		return n, nil
	case errors.Is(rerr, io.EOF):
		b.eof = true
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	default:
		b.err = errors.Mark(errors.Wrap(rerr, "spool: read request body"), ErrBodyRead)
		return n, b.err
	}
}

func (b *Body) store(data []byte) error {
	if b.file == nil && b.size+int64(len(data)) > b.opts.MemoryThreshold {
		if err := b.spill(); err != nil {
			return err
		}
	}
	if b.file != nil {
		if _, err := b.file.Write(data); err != nil {
			return errors.Wrap(err, "spool: write temp file")
		}
	} else {
		_, _ = b.mem.Write(data)
	}
	b.size += int64(len(data))
	return nil
}

func (b *Body) spill() error {
	f, err := os.CreateTemp(b.opts.Dir, "syncgate-body-*")
	if err != nil {
		return errors.Wrap(err, "spool: create temp file")
	}
	if _, err := f.Write(b.mem.B); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return errors.Wrap(err, "spool: write temp file")
	}
	bytebufferpool.Put(b.mem)
	b.mem = nil
	b.file = f
	if b.opts.OnSpill != nil {
		b.opts.OnSpill(b.size)
	}
	return nil
}

// Rewind moves the read offset back to the first byte. Bytes already pulled
// are served again from storage.
func (b *Body) Rewind() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.pos = 0
	return nil
}

// Reader is the view of a Body handed to applications. It reads and
// rewinds but cannot release the storage.
type Reader struct {
	b *Body
}

// Reader returns the application view of b.
func (b *Body) Reader() Reader {
	return Reader{b: b}
}

// Read implements io.Reader.
func (r Reader) Read(p []byte) (int, error) {
	return r.b.Read(p)
}

// Rewind moves the read offset back to the first byte.
func (r Reader) Rewind() error {
	return r.b.Rewind()
}

// Size returns the number of body bytes pulled from the network so far.
func (b *Body) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Spilled reports whether the body has moved to a temp file.
func (b *Body) Spilled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file != nil
}

// Path returns the temp file path, or "" while the body is in memory.
func (b *Body) Path() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.file == nil {
		return ""
	}
	return b.file.Name()
}

// Err returns the first failure seen by Read, if any. EOF is not a failure.
func (b *Body) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Close releases the memory buffer and removes the temp file. It is safe to
// call more than once.
func (b *Body) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	if b.mem != nil {
		bytebufferpool.Put(b.mem)
		b.mem = nil
	}
	if b.file == nil {
		return nil
	}
	name := b.file.Name()
	err := b.file.Close()
	if rerr := os.Remove(name); rerr != nil && err == nil {
		err = rerr
	}
	if err != nil {
		return errors.Wrap(err, "spool: remove temp file")
	}
	return nil
}
