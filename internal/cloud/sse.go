package cloud

import (
	"bufio"
	"io"
	"strings"
)

// sseMessage is one dispatched server-sent event
type sseMessage struct {
	event string
	data  string
}

// sseReader reads a text/event-stream body
type sseReader struct {
	scanner *bufio.Scanner
}

func newSSEReader(r io.Reader) *sseReader {
	s := bufio.NewScanner(r)
	// Snapshots of the whole tree arrive as a single data line
	s.Buffer(make([]byte, 64*1024), 8*1024*1024)
	return &sseReader{scanner: s}
}

// Next blocks until a complete event is available. It returns io.EOF when
// the stream ends cleanly.
func (r *sseReader) Next() (sseMessage, error) {
	var msg sseMessage
	var data []string
	seen := false

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if !seen {
				continue
			}
			msg.data = strings.Join(data, "\n")
			return msg, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			msg.event = value
			seen = true
		case "data":
			data = append(data, value)
			seen = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return sseMessage{}, err
	}
	if seen {
		msg.data = strings.Join(data, "\n")
		return msg, nil
	}
	return sseMessage{}, io.EOF
}
