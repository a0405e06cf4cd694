package wsmic

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusFrameMs is the longest frame an Opus packet can carry.
const maxOpusFrameMs = 120

// opusDecoder wraps a gopus decoder for a single device. One decoder is kept
// per connection so decoder state carries across consecutive packets.
type opusDecoder struct {
	dec      *gopus.Decoder
	maxFrame int
	channels int
	rate     int
}

func newOpusDecoder(sampleRate, channels int) (*opusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("wsmic: create opus decoder: %w", err)
	}
	return &opusDecoder{
		dec:      dec,
		maxFrame: sampleRate * maxOpusFrameMs / 1000,
		channels: channels,
		rate:     sampleRate,
	}, nil
}

// decode turns one Opus packet into interleaved little-endian int16 PCM.
func (d *opusDecoder) decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.maxFrame, false)
	if err != nil {
		return nil, fmt.Errorf("wsmic: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
