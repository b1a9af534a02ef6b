package smtp

import (
	"fmt"
	"io"
)

// SizeLimitReader fails every read once the number of bytes read reaches
// the limit. It wraps the whole connection stream, so command lines count
// toward the limit as well as the message body.
type SizeLimitReader struct {
	r     io.Reader
	limit int64
	read  int64
}

// NewSizeLimitReader wraps r. A limit <= 0 disables the check and returns
// r unchanged.
func NewSizeLimitReader(r io.Reader, limit int64) io.Reader {
	if limit <= 0 {
		return r
	}
	return &SizeLimitReader{r: r, limit: limit}
}

// Read implements io.Reader. A read never goes past the limit; the read
// that reaches it returns its bytes together with ErrMessageTooLarge.
func (s *SizeLimitReader) Read(p []byte) (int, error) {
	if s.read >= s.limit {
		return 0, s.exceeded()
	}
	if remaining := s.limit - s.read; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := s.r.Read(p)
	s.read += int64(n)
	if err == nil && s.read >= s.limit {
		err = s.exceeded()
	}
	return n, err
}

func (s *SizeLimitReader) exceeded() error {
	return fmt.Errorf("%w: %d >= %d", ErrMessageTooLarge, s.read, s.limit)
}

// Count returns the bytes read so far.
func (s *SizeLimitReader) Count() int64 {
	return s.read
}
