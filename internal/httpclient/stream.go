package httpclient

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
)

const (
	initialLineBuffer = 64 << 10
	maxLineBuffer     = 4 << 20
)

// ErrIncompleteObject is returned when a JSON array stream ends in the
// middle of an element.
var ErrIncompleteObject = errors.New("stream ended inside a JSON object")

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, initialLineBuffer), maxLineBuffer)
	return sc
}

// Event is one server-sent event payload.
type Event struct {
	// Name is the most recent "event:" field, empty for unnamed events.
	Name string
	Data string
}

// SSEReader reads server-sent events line by line. Every "data:" line is
// returned as its own event; blank lines and ":" comment lines are skipped.
type SSEReader struct {
	sc   *bufio.Scanner
	name string
}

func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{sc: newScanner(r)}
}

// Next returns the next data event, or io.EOF when the body is exhausted.
func (s *SSEReader) Next() (Event, error) {
	for s.sc.Scan() {
		line := strings.TrimRight(s.sc.Text(), "\r")

		switch {
		case line == "":
			s.name = ""
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case strings.HasPrefix(line, "event:"):
			s.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(line, "data:")
			data = strings.TrimPrefix(data, " ")
			return Event{Name: s.name, Data: data}, nil
		}
	}
	if err := s.sc.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// NDJSONReader yields one JSON document per non-blank line.
type NDJSONReader struct {
	sc *bufio.Scanner
}

func NewNDJSONReader(r io.Reader) *NDJSONReader {
	return &NDJSONReader{sc: newScanner(r)}
}

// Next returns a copy of the next line, or io.EOF.
func (n *NDJSONReader) Next() (json.RawMessage, error) {
	for n.sc.Scan() {
		line := bytes.TrimSpace(n.sc.Bytes())
		if len(line) == 0 {
			continue
		}
		out := make(json.RawMessage, len(line))
		copy(out, line)
		return out, nil
	}
	if err := n.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ArrayDecoder extracts complete top-level objects from a JSON array that
// arrives in arbitrary fragments, e.g. `[{...}` `,{..` `.}]`. Objects are
// emitted as soon as their closing brace is seen; string contents and
// escapes are honoured so braces inside strings do not count.
type ArrayDecoder struct {
	r     io.Reader
	buf   []byte
	chunk []byte
	eof   bool

	// scan state for the object starting at buf[0]
	scanned int
	depth   int
	inStr   bool
	escaped bool
}

func NewArrayDecoder(r io.Reader) *ArrayDecoder {
	return &ArrayDecoder{r: r, chunk: make([]byte, 4096)}
}

// Next returns the next complete element, or io.EOF after the closing
// bracket. A body that ends mid-object yields ErrIncompleteObject.
func (d *ArrayDecoder) Next() (json.RawMessage, error) {
	for {
		if obj, ok := d.extract(); ok {
			return obj, nil
		}
		if d.eof {
			if len(d.buf) > 0 {
				return nil, ErrIncompleteObject
			}
			return nil, io.EOF
		}

		n, err := d.r.Read(d.chunk)
		d.buf = append(d.buf, d.chunk[:n]...)
		if errors.Is(err, io.EOF) {
			d.eof = true
		} else if err != nil {
			return nil, err
		}
	}
}

func (d *ArrayDecoder) extract() (json.RawMessage, bool) {
	if d.scanned == 0 {
		d.skipSeparators()
		if len(d.buf) == 0 {
			return nil, false
		}
	}

	for i := d.scanned; i < len(d.buf); i++ {
		c := d.buf[i]
		if d.inStr {
			switch {
			case d.escaped:
				d.escaped = false
			case c == '\\':
				d.escaped = true
			case c == '"':
				d.inStr = false
			}
			continue
		}
		switch c {
		case '"':
			d.inStr = true
		case '{':
			d.depth++
		case '}':
			d.depth--
			if d.depth == 0 {
				obj := make(json.RawMessage, i+1)
				copy(obj, d.buf[:i+1])
				d.buf = d.buf[i+1:]
				d.scanned = 0
				return obj, true
			}
		}
	}
	d.scanned = len(d.buf)
	return nil, false
}

// skipSeparators drops whitespace, brackets and commas between elements.
// Anything else that is not the start of an object is discarded too.
func (d *ArrayDecoder) skipSeparators() {
	i := 0
	for i < len(d.buf) && d.buf[i] != '{' {
		i++
	}
	d.buf = d.buf[i:]
}
