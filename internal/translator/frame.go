package translator

import "bytes"

// Frame is one SSE frame on the downstream connection. Event may be empty
// for data-only flavors (OpenAI).
type Frame struct {
	Event string
	Data  []byte
}

// Encode renders the frame in wire format, terminated by a blank line.
func (f Frame) Encode() []byte {
	var buf bytes.Buffer
	if f.Event != "" {
		buf.WriteString("event: ")
		buf.WriteString(f.Event)
		buf.WriteString("\n")
	}
	buf.WriteString("data: ")
	buf.Write(f.Data)
	buf.WriteString("\n\n")
	return buf.Bytes()
}

// DoneFrame is the OpenAI stream terminator.
var DoneFrame = Frame{Data: []byte("[DONE]")}
