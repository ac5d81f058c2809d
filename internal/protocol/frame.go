package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/saidElhadi/wifi-csi-mesh/internal/capture"
	"github.com/saidElhadi/wifi-csi-mesh/internal/peers"
)

// DefaultMaxFrameSize matches the report buffer of the deployed nodes.
const DefaultMaxFrameSize = 2048

var (
	ErrSampleTooLong = errors.New("protocol: sample exceeds max length")
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max size")
	ErrUnknownCodec  = errors.New("protocol: unknown codec")
	ErrBadFrame      = errors.New("protocol: bad frame")
)

// Codec turns samples into sink frames and back.
type Codec interface {
	Name() string
	Append(dst []byte, s capture.Sample) []byte
	Decode(frame []byte) (capture.Sample, error)
}

// CodecByName resolves "text" or "binary".
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "text":
		return Text{}, nil
	case "binary":
		return Binary{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Framer applies the size limits around a Codec. Oversize input is rejected
// before any bytes reach the sink.
type Framer struct {
	Codec        Codec
	MaxSampleLen int
	MaxFrameSize int
	buf          []byte
}

// Encode returns the frame for s. The returned slice is reused by the next
// call; callers that keep it must copy.
func (f *Framer) Encode(s capture.Sample) ([]byte, error) {
	if int(s.Length) > f.MaxSampleLen || len(s.Payload) > f.MaxSampleLen {
		return nil, fmt.Errorf("%w: %d > %d", ErrSampleTooLong, s.Length, f.MaxSampleLen)
	}
	if int(s.Length) != len(s.Payload) {
		return nil, fmt.Errorf("%w: length %d, payload %d", ErrBadFrame, s.Length, len(s.Payload))
	}
	f.buf = f.Codec.Append(f.buf[:0], s)
	if len(f.buf) > f.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(f.buf), f.MaxFrameSize)
	}
	return f.buf, nil
}

// Text is the line format read by the collector: tag:timestamp:length:v1,v2,...
// Decode also accepts the older tag:timestamp:v1,v2,... form without a length.
type Text struct{}

func (Text) Name() string { return "text" }

func (Text) Append(dst []byte, s capture.Sample) []byte {
	dst = strconv.AppendUint(dst, uint64(s.Tag), 10)
	dst = append(dst, ':')
	dst = strconv.AppendUint(dst, s.Timestamp, 10)
	dst = append(dst, ':')
	dst = strconv.AppendUint(dst, uint64(s.Length), 10)
	dst = append(dst, ':')
	for i, v := range s.Payload {
		if i > 0 {
			dst = append(dst, ',')
		}
		dst = strconv.AppendInt(dst, int64(v), 10)
	}
	return dst
}

func (Text) Decode(frame []byte) (capture.Sample, error) {
	frame = bytes.TrimRight(frame, "\r\n\x00")
	parts := bytes.SplitN(frame, []byte{':'}, 4)
	if len(parts) < 3 {
		return capture.Sample{}, fmt.Errorf("%w: want tag:timestamp:values", ErrBadFrame)
	}

	tag, err := strconv.ParseUint(string(parts[0]), 10, 8)
	if err != nil {
		return capture.Sample{}, fmt.Errorf("%w: tag: %v", ErrBadFrame, err)
	}
	ts, err := strconv.ParseUint(string(parts[1]), 10, 64)
	if err != nil {
		return capture.Sample{}, fmt.Errorf("%w: timestamp: %v", ErrBadFrame, err)
	}

	values := parts[len(parts)-1]
	var payload []int8
	if len(values) > 0 {
		fields := bytes.Split(values, []byte{','})
		payload = make([]int8, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseInt(string(bytes.TrimSpace(field)), 10, 8)
			if err != nil {
				return capture.Sample{}, fmt.Errorf("%w: value %d: %v", ErrBadFrame, i, err)
			}
			payload[i] = int8(v)
		}
	}
	if len(payload) > 0xFFFF {
		return capture.Sample{}, fmt.Errorf("%w: %d values", ErrSampleTooLong, len(payload))
	}

	if len(parts) == 4 {
		n, err := strconv.ParseUint(string(parts[2]), 10, 16)
		if err != nil {
			return capture.Sample{}, fmt.Errorf("%w: length: %v", ErrBadFrame, err)
		}
		if int(n) != len(payload) {
			return capture.Sample{}, fmt.Errorf("%w: length %d, got %d values", ErrBadFrame, n, len(payload))
		}
	}

	return capture.Sample{
		Tag:       peers.NodeID(tag),
		Timestamp: ts,
		Length:    uint16(len(payload)),
		Payload:   payload,
	}, nil
}

const (
	fieldTag       protowire.Number = 1
	fieldTimestamp protowire.Number = 2
	fieldLength    protowire.Number = 3
	fieldPayload   protowire.Number = 4
)

// Binary is a protobuf-wire encoding of a sample:
// 1 tag varint, 2 timestamp fixed64, 3 length varint, 4 payload bytes.
type Binary struct{}

func (Binary) Name() string { return "binary" }

func (Binary) Append(dst []byte, s capture.Sample) []byte {
	dst = protowire.AppendTag(dst, fieldTag, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(s.Tag))
	dst = protowire.AppendTag(dst, fieldTimestamp, protowire.Fixed64Type)
	dst = protowire.AppendFixed64(dst, s.Timestamp)
	dst = protowire.AppendTag(dst, fieldLength, protowire.VarintType)
	dst = protowire.AppendVarint(dst, uint64(s.Length))
	dst = protowire.AppendTag(dst, fieldPayload, protowire.BytesType)
	dst = protowire.AppendVarint(dst, uint64(len(s.Payload)))
	for _, v := range s.Payload {
		dst = append(dst, byte(v))
	}
	return dst
}

func (Binary) Decode(frame []byte) (capture.Sample, error) {
	var (
		s         capture.Sample
		length    uint64
		hasLength bool
	)
	for len(frame) > 0 {
		num, typ, n := protowire.ConsumeTag(frame)
		if n < 0 {
			return capture.Sample{}, fmt.Errorf("%w: %v", ErrBadFrame, protowire.ParseError(n))
		}
		frame = frame[n:]

		switch {
		case num == fieldTag && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(frame)
			if n < 0 || v > uint64(peers.None) {
				return capture.Sample{}, fmt.Errorf("%w: tag", ErrBadFrame)
			}
			s.Tag = peers.NodeID(v)
			frame = frame[n:]
		case num == fieldTimestamp && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(frame)
			if n < 0 {
				return capture.Sample{}, fmt.Errorf("%w: timestamp", ErrBadFrame)
			}
			s.Timestamp = v
			frame = frame[n:]
		case num == fieldLength && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(frame)
			if n < 0 || v > 0xFFFF {
				return capture.Sample{}, fmt.Errorf("%w: length", ErrBadFrame)
			}
			length, hasLength = v, true
			frame = frame[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			b, n := protowire.ConsumeBytes(frame)
			if n < 0 {
				return capture.Sample{}, fmt.Errorf("%w: payload", ErrBadFrame)
			}
			s.Payload = make([]int8, len(b))
			for i, v := range b {
				s.Payload[i] = int8(v)
			}
			frame = frame[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, frame)
			if n < 0 {
				return capture.Sample{}, fmt.Errorf("%w: field %d", ErrBadFrame, num)
			}
			frame = frame[n:]
		}
	}

	if len(s.Payload) > 0xFFFF {
		return capture.Sample{}, fmt.Errorf("%w: %d bytes", ErrSampleTooLong, len(s.Payload))
	}
	if hasLength && length != uint64(len(s.Payload)) {
		return capture.Sample{}, fmt.Errorf("%w: length %d, payload %d", ErrBadFrame, length, len(s.Payload))
	}
	s.Length = uint16(len(s.Payload))
	return s, nil
}
