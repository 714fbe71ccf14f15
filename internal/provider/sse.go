package provider

import (
	"bufio"
	"io"
	"strings"
)

// SSEEvent is one parsed server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// SSEScanner incrementally parses an SSE byte stream. It tolerates CRLF
// line endings and multi-line data fields.
type SSEScanner struct {
	r *bufio.Reader
}

// NewSSEScanner wraps an upstream response body.
func NewSSEScanner(r io.Reader) *SSEScanner {
	return &SSEScanner{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next event, or io.EOF at end of stream. A trailing
// event without a blank-line terminator is still returned.
func (s *SSEScanner) Next() (SSEEvent, error) {
	var ev SSEEvent
	var sawField bool
	for {
		line, err := s.r.ReadString('\n')
		if len(line) > 0 {
			trimmed := strings.TrimRight(line, "\r\n")
			switch {
			case trimmed == "":
				if sawField {
					return ev, nil
				}
			case strings.HasPrefix(trimmed, "event:"):
				ev.Event = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
				sawField = true
			case strings.HasPrefix(trimmed, "data:"):
				chunk := strings.TrimPrefix(trimmed, "data:")
				chunk = strings.TrimPrefix(chunk, " ")
				if ev.Data != "" {
					ev.Data += "\n"
				}
				ev.Data += chunk
				sawField = true
			case strings.HasPrefix(trimmed, ":"):
				// comment, ignore
			}
		}
		if err != nil {
			if err == io.EOF && sawField {
				return ev, nil
			}
			return SSEEvent{}, err
		}
	}
}
