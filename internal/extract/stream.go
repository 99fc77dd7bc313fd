package extract

import (
	"errors"
	"io"
)

// SliceStream replays fixed deltas, then io.EOF.
type SliceStream struct {
	parts []string
	next  int
	// Err, when set, is returned instead of io.EOF once parts run out.
	Err error
}

// StreamOf returns a stream yielding parts in order.
func StreamOf(parts ...string) *SliceStream {
	return &SliceStream{parts: parts}
}

// Recv returns the next part.
func (s *SliceStream) Recv() (string, error) {
	if s.next >= len(s.parts) {
		if s.Err != nil {
			return "", s.Err
		}
		return "", io.EOF
	}
	p := s.parts[s.next]
	s.next++
	return p, nil
}

// ReaderStream reads deltas of up to size bytes from r. Used to replay a
// saved model transcript.
type ReaderStream struct {
	r   io.Reader
	buf []byte
}

// NewReaderStream wraps r. size <= 0 selects 4 KiB reads.
func NewReaderStream(r io.Reader, size int) *ReaderStream {
	if size <= 0 {
		size = 4096
	}
	return &ReaderStream{r: r, buf: make([]byte, size)}
}

// Recv returns the next read from the underlying reader.
func (s *ReaderStream) Recv() (string, error) {
	for {
		n, err := s.r.Read(s.buf)
		if n > 0 {
			return string(s.buf[:n]), nil
		}
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		if err != nil {
			return "", err
		}
	}
}
