package polymarket

import "fmt"

// FrameKind tags the variant carried by a Frame.
type FrameKind int

const (
	FrameOther FrameKind = iota
	FrameText
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (k FrameKind) String() string {
	switch k {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return "other"
	}
}

// CloseReason is the optional payload of a close frame.
type CloseReason struct {
	Code int
	Text string
}

func (r CloseReason) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Text)
}

// Frame is one unit exchanged over the socket.
// Text is set for FrameText, Data for binary/ping/pong,
// Close for FrameClose (nil when the peer sent no status).
type Frame struct {
	Kind  FrameKind
	Text  string
	Data  []byte
	Close *CloseReason
}

// TextFrame builds a text frame.
func TextFrame(s string) Frame { return Frame{Kind: FrameText, Text: s} }

// BinaryFrame builds a binary frame.
func BinaryFrame(b []byte) Frame { return Frame{Kind: FrameBinary, Data: b} }

// CloseFrame builds a close frame with the given status.
func CloseFrame(code int, text string) Frame {
	return Frame{Kind: FrameClose, Close: &CloseReason{Code: code, Text: text}}
}

// Len is the payload size in bytes.
func (f Frame) Len() int {
	if f.Kind == FrameText {
		return len(f.Text)
	}
	return len(f.Data)
}
