// Package audio provides helpers for the 16-bit little-endian PCM that flows
// through the transcription pipeline: energy measurements, duration math,
// WAV framing, format conversion and Opus ingest.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// BitsPerSample is fixed at 16 for all PCM handled by this package.
const BitsPerSample = 16

const bytesPerSample = BitsPerSample / 8

// maxSample is the magnitude used to normalise int16 samples into [0, 1].
const maxSample = 32768.0

// RMS returns the root-mean-square energy of a PCM buffer normalised to
// [0, 1]. Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / maxSample
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Peak returns the largest absolute sample value normalised to [0, 1].
func Peak(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	var peak float64
	for i := range n {
		v := math.Abs(float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / maxSample)
		if v > peak {
			peak = v
		}
	}
	return peak
}

// ZeroCrossingRate returns the fraction of adjacent sample pairs whose signs
// differ. Voiced speech tends to sit well below broadband noise.
func ZeroCrossingRate(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n < 2 {
		return 0
	}
	crossings := 0
	prev := int16(binary.LittleEndian.Uint16(pcm[0:]))
	for i := 1; i < n; i++ {
		cur := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		if (prev >= 0) != (cur >= 0) {
			crossings++
		}
		prev = cur
	}
	return float64(crossings) / float64(n-1)
}

// DurationOf returns the playback length of n bytes of PCM. Returns 0 for
// invalid formats.
func DurationOf(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	bytesPerSec := sampleRate * channels * bytesPerSample
	return time.Duration(int64(n) * int64(time.Second) / int64(bytesPerSec))
}

// BytesFor returns the number of PCM bytes that hold d of audio, rounded
// down to a whole sample frame.
func BytesFor(d time.Duration, sampleRate, channels int) int {
	if sampleRate <= 0 || channels <= 0 || d <= 0 {
		return 0
	}
	frames := int64(d) * int64(sampleRate) / int64(time.Second)
	return int(frames) * channels * bytesPerSample
}

// EncodeWAV wraps raw PCM in a RIFF/WAV container suitable for upload to
// batch transcription backends.
func EncodeWAV(pcm []byte, sampleRate, channels int) []byte {
	byteRate := sampleRate * channels * bytesPerSample
	blockAlign := channels * bytesPerSample
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")

	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], BitsPerSample)

	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// Int16sToBytes converts int16 samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to int16 samples. A trailing odd
// byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
