package sse

import (
	"bufio"
	"bytes"
	"io"
)

// LineReader yields complete lines from a source io.Reader while
// optionally writing each of them to a destination io.Writer.
//
// ┌──────────────────┐
// │ source io.Reader │
// └──────────────────┘
// │
// ▼
// ┌───────────────────┐   ┌──────────────────────────┐
// │ LineReader.Next() │──▶│ transcript io.Writer     │
// └───────────────────┘   └──────────────────────────┘
// │
// ▼
// ┌──────────────────┐
// │   line string    │
// └──────────────────┘
//
// Bytes are only decoded once a full line is buffered, so a multi-byte
// character split across two network reads is reassembled intact.
type LineReader struct {
	scanner *bufio.Scanner
	dest    io.Writer
}

// NewLineReader returns a LineReader over src. A nil dest discards the copy.
func NewLineReader(src io.Reader, dest io.Writer) *LineReader {
	if dest == nil {
		dest = io.Discard
	}

	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanCompleteLines)

	return &LineReader{
		scanner: scanner,
		dest:    dest,
	}
}

// Next blocks until a newline-terminated line is available and returns it
// without the line ending. It returns io.EOF once the source is exhausted.
// A trailing fragment without a newline is never returned.
func (r *LineReader) Next() (string, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return "", err
		}
		return "", io.EOF
	}

	line := r.scanner.Text()

	// The scanner strips the newline so it is put back for the transcript.
	if _, err := io.WriteString(r.dest, line+"\n"); err != nil {
		return "", err
	}

	return line, nil
}

// scanCompleteLines is bufio.ScanLines without the final-fragment rule:
// data left over at EOF is consumed and dropped.
func scanCompleteLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, dropCR(data[0:i]), nil
	}

	if atEOF {
		return len(data), nil, nil
	}

	return 0, nil, nil
}

func dropCR(data []byte) []byte {
	if len(data) > 0 && data[len(data)-1] == '\r' {
		return data[0 : len(data)-1]
	}
	return data
}
