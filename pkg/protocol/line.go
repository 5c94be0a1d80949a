package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

const (
	// MaxLineLength is the longest outbound line, in bytes, before the terminator
	MaxLineLength = 448

	// MaxInboundLineLength bounds a single inbound line
	MaxInboundLineLength = 64 * 1024

	// LineTerminator ends every line on the wire
	LineTerminator = "\r\n"
)

var (
	ErrLineTooLong = errors.New("inbound line exceeds maximum length")
)

// LineReader reads ISO-8859-1 encoded, CRLF (or bare LF) terminated lines
type LineReader struct {
	r   *bufio.Reader
	dec *encoding.Decoder
}

// NewLineReader wraps r for line-at-a-time reads
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{
		r:   bufio.NewReaderSize(r, 4096),
		dec: charmap.ISO8859_1.NewDecoder(),
	}
}

// ReadLine returns the next line without its terminator, decoded to UTF-8.
// A final unterminated line is returned together with io.EOF on the next call.
func (lr *LineReader) ReadLine() (string, error) {
	var raw []byte
	for {
		chunk, isPrefix, err := lr.r.ReadLine()
		if err != nil {
			if len(raw) > 0 && errors.Is(err, io.EOF) {
				break
			}
			return "", err
		}
		raw = append(raw, chunk...)
		if len(raw) > MaxInboundLineLength {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			break
		}
	}

	decoded, err := lr.dec.Bytes(raw)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(decoded), "\r"), nil
}

// FormatLine encodes a rendered line to ISO-8859-1, truncates it to
// MaxLineLength bytes and appends the terminator. Characters outside
// ISO-8859-1 are replaced.
func FormatLine(line string) []byte {
	enc := encoding.ReplaceUnsupported(charmap.ISO8859_1.NewEncoder())
	encoded, err := enc.Bytes([]byte(line))
	if err != nil {
		encoded = []byte(line)
	}
	if len(encoded) > MaxLineLength {
		encoded = encoded[:MaxLineLength]
	}
	return append(encoded, LineTerminator...)
}

// EncodeLine writes a formatted line to w and returns the number of bytes written
func EncodeLine(w io.Writer, line string) (int, error) {
	return w.Write(FormatLine(line))
}
