package wsmic

// Control messages are JSON text frames. Audio travels as binary frames in the
// codec announced by the device's hello.
//
//	device → server  {"type":"hello","permission":"granted","codec":"opus","sample_rate":48000,"channels":1}
//	server → device  {"type":"start"}
//	device → server  <binary audio>...
//	server → device  {"type":"stop"}
//
// A device that cannot get microphone access still connects and sends a hello
// with "permission":"denied" so the server can report the right failure.

const (
	msgHello = "hello"
	msgStart = "start"
	msgStop  = "stop"
)

// Permission values carried in a hello.
const (
	PermissionGranted = "granted"
	PermissionDenied  = "denied"
)

// Supported audio codecs.
const (
	CodecPCM16 = "pcm16"
	CodecOpus  = "opus"
)

// hello is the first message a device sends after connecting. It may be
// resent later, for example after the user changes microphone permission.
type hello struct {
	Type       string `json:"type"`
	Permission string `json:"permission"`
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

func (h hello) validate() error {
	switch h.Codec {
	case CodecPCM16, CodecOpus:
	default:
		return errUnsupportedCodec
	}
	if h.SampleRate <= 0 || h.Channels < 1 || h.Channels > 2 {
		return errBadFormat
	}
	return nil
}

type control struct {
	Type string `json:"type"`
}
