package polymarket

import "errors"

// Error kinds. Concrete errors wrap one of them, use errors.Is to classify.
var (
	// ErrConfig: missing or invalid endpoint, fatal before any network activity.
	ErrConfig = errors.New("polymarket: configuration error")
	// ErrTransport: dial failure, mid-stream read error or failed send.
	ErrTransport = errors.New("polymarket: transport error")
	// ErrDecode: inbound text is not a valid market update. Recoverable.
	ErrDecode = errors.New("polymarket: decode error")
	// ErrEncode: subscription envelope could not be serialized.
	ErrEncode = errors.New("polymarket: encode error")
	// ErrSessionClosed is returned by Send after Close.
	ErrSessionClosed = errors.New("polymarket: session closed")
)
