package tts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// pcmToWAV wraps 16-bit little-endian PCM in a WAV container.
func pcmToWAV(pcm []byte, sampleRate, channels int) (Audio, error) {
	if len(pcm)%2 != 0 {
		return Audio{}, fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	out := &seekBuffer{}
	enc := wav.NewEncoder(out, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return Audio{}, fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return Audio{}, fmt.Errorf("close wav encoder: %w", err)
	}

	frames := len(samples) / max(channels, 1)
	return Audio{
		Data:     out.Bytes(),
		Format:   "wav",
		Duration: time.Duration(frames) * time.Second / time.Duration(sampleRate),
	}, nil
}

// WAVDuration reads the playback length of a WAV payload.
func WAVDuration(data []byte) (time.Duration, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return 0, errors.New("invalid wav payload")
	}
	return dec.Duration()
}

// seekBuffer is an in-memory io.WriteSeeker; the wav encoder seeks back to patch chunk sizes.
type seekBuffer struct {
	buf []byte
	pos int
}

func (b *seekBuffer) Write(p []byte) (int, error) {
	end := b.pos + len(p)
	if end > len(b.buf) {
		b.buf = append(b.buf, make([]byte, end-len(b.buf))...)
	}
	copy(b.buf[b.pos:], p)
	b.pos = end
	return len(p), nil
}

func (b *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(b.pos) + offset
	case io.SeekEnd:
		next = int64(len(b.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	b.pos = int(next)
	return next, nil
}

func (b *seekBuffer) Bytes() []byte { return b.buf }
