// Package audio inspects and post-processes the audio files produced by the model scripts.
package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/book-expert/kaztts-service/internal/core"
)

// WAV layout constants.
const (
	riffID       = "RIFF"
	waveID       = "WAVE"
	fmtChunkID   = "fmt "
	dataChunkID  = "data"
	pcmFormatTag = 1
	pcmBitDepth  = 16
	fmtChunkSize = 16
	headerSize   = 36
	chunkHdrSize = 8
)

var (
	// ErrNotWAV is returned when a file does not carry a RIFF/WAVE header.
	ErrNotWAV = errors.New("not a WAV file")
	// ErrMissingFormat is returned when the fmt chunk is absent or truncated.
	ErrMissingFormat = errors.New("WAV file has no format chunk")
	// ErrInvalidChannels is returned when PCM encoding is asked for zero channels.
	ErrInvalidChannels = errors.New("channels must be positive")
)

// ReadInfo opens path and parses its WAV header.
func ReadInfo(path string) (core.AudioInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return core.AudioInfo{}, fmt.Errorf("failed to open audio file %s: %w", path, err)
	}
	defer file.Close()

	info, err := ParseInfo(bufio.NewReader(file))
	if err != nil {
		return core.AudioInfo{}, fmt.Errorf("%s: %w", path, err)
	}

	return info, nil
}

// ParseInfo reads a RIFF/WAVE header up to the start of the data chunk.
func ParseInfo(reader io.Reader) (core.AudioInfo, error) {
	var header [12]byte

	_, err := io.ReadFull(reader, header[:])
	if err != nil {
		return core.AudioInfo{}, fmt.Errorf("%w: %w", ErrNotWAV, err)
	}

	if string(header[0:4]) != riffID || string(header[8:12]) != waveID {
		return core.AudioInfo{}, ErrNotWAV
	}

	var (
		info      core.AudioInfo
		byteRate  uint32
		sawFormat bool
	)

	for {
		id, size, chunkErr := readChunkHeader(reader)
		if chunkErr != nil {
			if sawFormat {
				return core.AudioInfo{}, fmt.Errorf("missing data chunk: %w", chunkErr)
			}

			return core.AudioInfo{}, fmt.Errorf("%w: %w", ErrMissingFormat, chunkErr)
		}

		switch id {
		case fmtChunkID:
			byteRate, err = readFormat(reader, size, &info)
			if err != nil {
				return core.AudioInfo{}, err
			}

			sawFormat = true

		case dataChunkID:
			if !sawFormat {
				return core.AudioInfo{}, ErrMissingFormat
			}

			info.DataBytes = int64(size)
			if byteRate > 0 {
				info.Duration = time.Duration(float64(size) / float64(byteRate) * float64(time.Second))
			}

			return info, nil

		default:
			_, err = io.CopyN(io.Discard, reader, int64(size)+int64(size%2))
			if err != nil {
				return core.AudioInfo{}, fmt.Errorf("failed to skip %q chunk: %w", id, err)
			}
		}
	}
}

func readChunkHeader(reader io.Reader) (string, uint32, error) {
	var hdr [chunkHdrSize]byte

	_, err := io.ReadFull(reader, hdr[:])
	if err != nil {
		return "", 0, err
	}

	return string(hdr[0:4]), binary.LittleEndian.Uint32(hdr[4:8]), nil
}

func readFormat(reader io.Reader, size uint32, info *core.AudioInfo) (uint32, error) {
	if size < fmtChunkSize {
		return 0, fmt.Errorf("%w: fmt chunk is %d bytes", ErrMissingFormat, size)
	}

	var fmtChunk struct {
		AudioFormat   uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
	}

	err := binary.Read(reader, binary.LittleEndian, &fmtChunk)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMissingFormat, err)
	}

	extra := int64(size-fmtChunkSize) + int64(size%2)
	if extra > 0 {
		_, err = io.CopyN(io.Discard, reader, extra)
		if err != nil {
			return 0, fmt.Errorf("%w: %w", ErrMissingFormat, err)
		}
	}

	info.Format = formatName(fmtChunk.AudioFormat)
	info.Channels = int(fmtChunk.Channels)
	info.SampleRate = int(fmtChunk.SampleRate)
	info.BitsPerSample = int(fmtChunk.BitsPerSample)

	return fmtChunk.ByteRate, nil
}

func formatName(tag uint16) string {
	switch tag {
	case pcmFormatTag:
		return "pcm"
	case 3:
		return "float"
	case 0xFFFE:
		return "extensible"
	default:
		return fmt.Sprintf("0x%04x", tag)
	}
}

// EncodePCM16 wraps interleaved 16-bit samples in a canonical WAV container.
func EncodePCM16(samples []int16, channels, sampleRate int) ([]byte, error) {
	if channels <= 0 {
		return nil, ErrInvalidChannels
	}

	dataSize := uint32(len(samples) * 2)
	blockAlign := uint16(channels * pcmBitDepth / 8)

	var buffer bytes.Buffer

	buffer.WriteString(riffID)
	_ = binary.Write(&buffer, binary.LittleEndian, headerSize+dataSize)
	buffer.WriteString(waveID)

	buffer.WriteString(fmtChunkID)
	for _, field := range []any{
		uint32(fmtChunkSize),
		uint16(pcmFormatTag),
		uint16(channels),
		uint32(sampleRate),
		uint32(sampleRate) * uint32(blockAlign),
		blockAlign,
		uint16(pcmBitDepth),
	} {
		_ = binary.Write(&buffer, binary.LittleEndian, field)
	}

	buffer.WriteString(dataChunkID)
	_ = binary.Write(&buffer, binary.LittleEndian, dataSize)

	err := binary.Write(&buffer, binary.LittleEndian, samples)
	if err != nil {
		return nil, fmt.Errorf("failed to encode samples: %w", err)
	}

	return buffer.Bytes(), nil
}
