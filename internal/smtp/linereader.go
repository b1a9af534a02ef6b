package smtp

import (
	"bufio"
	"errors"
	"io"
)

// MaxLineLength is the fixed line buffer of a LineReader. RFC 5321 caps
// command lines at 512 octets and text lines at 1000, CRLF included.
const MaxLineLength = 1000

// LineReader yields CRLF-delimited lines from a stream. Its buffer never
// grows: a line longer than the buffer is returned truncated and the rest
// of it comes back as the following line.
type LineReader struct {
	br *bufio.Reader
}

// NewLineReader wraps r with a MaxLineLength buffer.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{br: bufio.NewReaderSize(r, MaxLineLength)}
}

// ReadLine returns the next line without its CRLF. A bare LF or CR is
// line content, not a terminator. The returned slice is owned by the
// caller. A final unterminated fragment is returned as a line and the next
// call reports io.EOF; any other read error discards the fragment.
func (lr *LineReader) ReadLine() ([]byte, error) {
	line := make([]byte, 0, 128)
	for {
		b, err := lr.br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return nil, err
		}
		line = append(line, b)
		if b == '\n' && len(line) >= 2 && line[len(line)-2] == '\r' {
			return line[:len(line)-2], nil
		}
		if len(line) == MaxLineLength {
			return lr.truncated(line), nil
		}
	}
}

// truncated finishes a full-buffer line. A CR at the cut that is followed
// by LF still terminates it.
func (lr *LineReader) truncated(line []byte) []byte {
	if line[len(line)-1] != '\r' {
		return line
	}
	if next, err := lr.br.Peek(1); err == nil && next[0] == '\n' {
		_, _ = lr.br.ReadByte()
		return line[:len(line)-1]
	}
	return line
}
