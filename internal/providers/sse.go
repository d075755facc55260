package providers

import (
	"bufio"
	"bytes"
	"io"
)

// SSEEvent is one server-sent event.
type SSEEvent struct {
	Event string
	Data  []byte
	ID    string
}

// SSEReader decodes a text/event-stream body. Lines may be of any length.
type SSEReader struct {
	r *bufio.Reader
}

// NewSSEReader wraps r.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{r: bufio.NewReaderSize(r, 32<<10)}
}

// Next returns the next event with data or a name. It returns io.EOF once the
// stream ends cleanly; a trailing event without a blank line is still returned.
func (s *SSEReader) Next() (*SSEEvent, error) {
	var (
		ev      SSEEvent
		data    bytes.Buffer
		hasData bool
	)
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		atEOF := err == io.EOF
		line = bytes.TrimRight(line, "\r\n")

		if len(line) == 0 {
			if hasData || ev.Event != "" {
				ev.Data = data.Bytes()
				return &ev, nil
			}
			if atEOF {
				return nil, io.EOF
			}
			continue
		}

		if line[0] != ':' {
			field, value, _ := bytes.Cut(line, []byte(":"))
			value = bytes.TrimPrefix(value, []byte(" "))
			switch string(field) {
			case "event":
				ev.Event = string(value)
			case "data":
				if hasData {
					data.WriteByte('\n')
				}
				data.Write(value)
				hasData = true
			case "id":
				ev.ID = string(value)
			}
		}

		if atEOF {
			if hasData || ev.Event != "" {
				ev.Data = data.Bytes()
				return &ev, nil
			}
			return nil, io.EOF
		}
	}
}
