package meta

import (
	"io"
	"sync"

	"golang.org/x/text/transform"
)

// Stream is a readable, seekable response body with its metadata attached.
// Closing it releases the backing store, including any temporary file.
type Stream struct {
	*Metadata

	rs   io.ReadSeekCloser
	size int64

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps rs, which must be positioned at offset 0.
func NewStream(rs io.ReadSeekCloser, size int64, md *Metadata) *Stream {
	if md == nil {
		md = New()
	}
	return &Stream{Metadata: md, rs: rs, size: size}
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	return s.rs.Read(p)
}

// Seek implements io.Seeker.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	return s.rs.Seek(offset, whence)
}

// Size returns the number of body bytes.
func (s *Stream) Size() int64 {
	return s.size
}

// TextReader returns a reader that decodes the body from its tagged encoding
// to UTF-8. Binary streams are returned unchanged.
func (s *Stream) TextReader() io.Reader {
	enc := s.Encoding()
	if enc == nil {
		return s
	}
	return transform.NewReader(s, enc.NewDecoder())
}

// Close releases the backing store. It is safe to call more than once.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rs.Close()
	})
	return s.closeErr
}
