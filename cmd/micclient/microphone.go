package main

import (
	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/therascribe/pkg/audio"
)

// framesPerBuffer is the number of samples captured per read: 64ms at 16kHz.
const framesPerBuffer = 1024

// Microphone captures mono 16-bit PCM from the default input device. It
// implements io.ReadCloser; each Read delivers one buffer of samples.
type Microphone struct {
	stream *portaudio.Stream
	buffer []int16
}

// OpenMicrophone initialises PortAudio and starts recording at sampleRate.
// The caller must call Close.
func OpenMicrophone(sampleRate int) (*Microphone, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	buffer := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buffer), buffer)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, err
	}
	return &Microphone{stream: stream, buffer: buffer}, nil
}

// Read blocks for one buffer of audio and copies it into p as little-endian
// PCM. p should hold at least framesPerBuffer*2 bytes.
func (m *Microphone) Read(p []byte) (int, error) {
	if err := m.stream.Read(); err != nil {
		return 0, err
	}
	return copy(p, audio.Int16sToBytes(m.buffer)), nil
}

// Close stops the stream and terminates PortAudio.
func (m *Microphone) Close() error {
	var err error
	if m.stream != nil {
		if stopErr := m.stream.Stop(); stopErr != nil {
			err = stopErr
		}
		if closeErr := m.stream.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	portaudio.Terminate()
	return err
}

