package main

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

var ErrLineTooLong = errors.New("line exceeds maximum length")

// lineReader splits a stream into newline-terminated lines of at most max
// bytes. An over-long line is consumed up to its newline and reported as
// ErrLineTooLong; the next call continues with the following line.
type lineReader struct {
	r   *bufio.Reader
	max int
	buf []byte
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{r: bufio.NewReader(r), max: max}
}

// next returns the next line without its line ending. The slice is only
// valid until the following call. A final line without a newline is still
// returned before io.EOF.
func (lr *lineReader) next() ([]byte, error) {
	lr.buf = lr.buf[:0]
	tooLong := false

	for {
		chunk, err := lr.r.ReadSlice('\n')
		if !tooLong {
			if len(lr.buf)+len(chunk) > lr.max+1 {
				tooLong = true
				lr.buf = lr.buf[:0]
			} else {
				lr.buf = append(lr.buf, chunk...)
			}
		}

		switch {
		case err == nil:
			if tooLong {
				return nil, ErrLineTooLong
			}
			return bytes.TrimRight(lr.buf, "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && !tooLong && len(lr.buf) > 0:
			return bytes.TrimRight(lr.buf, "\r"), nil
		default:
			return nil, err
		}
	}
}
