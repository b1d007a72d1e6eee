package protocol

import (
	"encoding/binary"
	"fmt"
	"math"

	"ai-speech-live-client/internal/models"
)

// EnvelopeHeaderSize is the fixed prefix of a legacy audio envelope:
// [seq:u32 LE][timestampMs:f64 LE].
const EnvelopeHeaderSize = 12

// Encoder serialises one frame for the wire.
type Encoder func(frame models.AudioFrame) []byte

// EncoderFor returns the frame encoder used by the given dialect.
func EncoderFor(m Mode) Encoder {
	if m == SegmentStreamProtocol {
		return EncodeFloat32
	}
	return EncodeEnvelope
}

// EncodeEnvelope writes the legacy binary envelope followed by int16 LE samples.
func EncodeEnvelope(frame models.AudioFrame) []byte {
	buf := make([]byte, EnvelopeHeaderSize+2*len(frame.Samples))
	binary.LittleEndian.PutUint32(buf[0:4], frame.Sequence)
	binary.LittleEndian.PutUint64(buf[4:12], math.Float64bits(frame.TimestampMs))
	putPCM16(buf[EnvelopeHeaderSize:], frame.Samples)
	return buf
}

// DecodeEnvelope is the inverse of EncodeEnvelope.
func DecodeEnvelope(data []byte) (models.AudioFrame, error) {
	if len(data) < EnvelopeHeaderSize {
		return models.AudioFrame{}, fmt.Errorf("envelope too short: expected at least %d bytes, got %d",
			EnvelopeHeaderSize, len(data))
	}
	payload := data[EnvelopeHeaderSize:]
	if len(payload)%2 != 0 {
		return models.AudioFrame{}, fmt.Errorf("envelope payload has odd length %d", len(payload))
	}

	frame := models.AudioFrame{
		Sequence:    binary.LittleEndian.Uint32(data[0:4]),
		TimestampMs: math.Float64frombits(binary.LittleEndian.Uint64(data[4:12])),
		Samples:     make([]int16, len(payload)/2),
	}
	for i := range frame.Samples {
		frame.Samples[i] = int16(binary.LittleEndian.Uint16(payload[2*i:]))
	}
	return frame, nil
}

// EncodeFloat32 writes samples as float32 LE normalised to [-1, 1], no header.
func EncodeFloat32(frame models.AudioFrame) []byte {
	buf := make([]byte, 4*len(frame.Samples))
	for i, s := range frame.Samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(float32(s)/32768))
	}
	return buf
}

// DecodeFloat32 reads a raw float32 LE payload.
func DecodeFloat32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("float32 payload length %d is not a multiple of 4", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return out, nil
}

// EncodePCM16 writes bare int16 LE samples (LINEAR16).
func EncodePCM16(frame models.AudioFrame) []byte {
	buf := make([]byte, 2*len(frame.Samples))
	putPCM16(buf, frame.Samples)
	return buf
}

func putPCM16(dst []byte, samples []int16) {
	for i, s := range samples {
		binary.LittleEndian.PutUint16(dst[2*i:], uint16(s))
	}
}
