package audio

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/therascribe/pkg/types"
)

// Browser and WebRTC clients send 48 kHz Opus in 20 ms packets.
const (
	OpusSampleRate  = 48000
	opusFrameSizeMs = 20
	opusFrameSize   = OpusSampleRate * opusFrameSizeMs / 1000 // 960 samples per channel
)

// OpusDecoder turns Opus packets into frames in the pipeline's target
// format. Each inbound stream needs its own decoder because Opus is stateful
// across packets.
type OpusDecoder struct {
	dec      *gopus.Decoder
	channels int
	conv     FormatConverter
}

// NewOpusDecoder creates a decoder for a 48 kHz stream with the given channel
// count whose output is converted to target.
func NewOpusDecoder(channels int, target Format) (*OpusDecoder, error) {
	if channels <= 0 {
		channels = 1
	}
	dec, err := gopus.NewDecoder(OpusSampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:      dec,
		channels: channels,
		conv:     FormatConverter{Target: target},
	}, nil
}

// Decode decodes one Opus packet and converts the PCM to the target format.
func (d *OpusDecoder) Decode(packet []byte) (types.AudioFrame, error) {
	pcm, err := d.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return types.AudioFrame{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return d.conv.Convert(types.AudioFrame{
		Data:       Int16sToBytes(pcm),
		SampleRate: OpusSampleRate,
		Channels:   d.channels,
	}), nil
}
