package events

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Realtime messages arrive as two concatenated frames, an action frame
// describing what changed followed by a data frame carrying the change
// itself. Each frame starts with an 8-byte header:
//
//	0     packet type (1 = action, 2 = payload)
//	1     payload format (1 = JSON, 2 = UTF-8 string, 3 = buffer)
//	2     deflated flag (1 = zlib-compressed payload)
//	3     reserved
//	4..7  payload length, big-endian
const frameHeaderLen = 8

// PacketType identifies the role of a frame within a message.
type PacketType byte

const (
	PacketAction  PacketType = 1
	PacketPayload PacketType = 2
)

// PayloadFormat identifies how a frame's payload is encoded.
type PayloadFormat byte

const (
	FormatJSON   PayloadFormat = 1
	FormatString PayloadFormat = 2
	FormatBuffer PayloadFormat = 3
)

// Action is the decoded action frame of a realtime message.
type Action struct {
	Action      string `json:"action"`
	ID          string `json:"id"`
	ModelKey    string `json:"modelKey"`
	NewUpdateID string `json:"newUpdateId"`
}

// Packet is a fully decoded realtime message: the action header plus the
// raw (inflated) payload, which this client treats as opaque.
type Packet struct {
	Action  Action
	Format  PayloadFormat
	Payload []byte
}

// DecodeMessage splits a realtime message into its action and data frames,
// inflating each as needed.
func DecodeMessage(data []byte) (*Packet, error) {
	actionBody, actionType, _, rest, err := decodeFrame(data)
	if err != nil {
		return nil, fmt.Errorf("events: action frame: %w", err)
	}
	if actionType != PacketAction {
		return nil, fmt.Errorf("events: expected action frame, got packet type %d", actionType)
	}

	payload, payloadType, format, _, err := decodeFrame(rest)
	if err != nil {
		return nil, fmt.Errorf("events: data frame: %w", err)
	}
	if payloadType != PacketPayload {
		return nil, fmt.Errorf("events: expected payload frame, got packet type %d", payloadType)
	}

	pkt := &Packet{Format: format, Payload: payload}
	if err := json.Unmarshal(actionBody, &pkt.Action); err != nil {
		return nil, fmt.Errorf("events: decode action: %w", err)
	}
	return pkt, nil
}

func decodeFrame(data []byte) (body []byte, ptype PacketType, format PayloadFormat, rest []byte, err error) {
	if len(data) < frameHeaderLen {
		return nil, 0, 0, nil, fmt.Errorf("truncated header (%d bytes)", len(data))
	}

	size := int(binary.BigEndian.Uint32(data[4:frameHeaderLen]))
	if len(data) < frameHeaderLen+size {
		return nil, 0, 0, nil, fmt.Errorf("truncated payload (want %d bytes, have %d)", size, len(data)-frameHeaderLen)
	}

	body = data[frameHeaderLen : frameHeaderLen+size]
	if data[2] == 1 {
		zr, zerr := zlib.NewReader(bytes.NewReader(body))
		if zerr != nil {
			return nil, 0, 0, nil, fmt.Errorf("inflate: %w", zerr)
		}
		defer zr.Close()
		body, zerr = io.ReadAll(zr)
		if zerr != nil {
			return nil, 0, 0, nil, fmt.Errorf("inflate: %w", zerr)
		}
	}

	return body, PacketType(data[0]), PayloadFormat(data[1]), data[frameHeaderLen+size:], nil
}

// EncodeMessage builds a wire message from an action and a payload,
// deflating both frames.
func EncodeMessage(action Action, format PayloadFormat, payload []byte) ([]byte, error) {
	actionBody, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("events: encode action: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeFrame(&buf, PacketAction, FormatJSON, actionBody); err != nil {
		return nil, err
	}
	if err := encodeFrame(&buf, PacketPayload, format, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeFrame(buf *bytes.Buffer, ptype PacketType, format PayloadFormat, body []byte) error {
	var deflated bytes.Buffer
	zw := zlib.NewWriter(&deflated)
	if _, err := zw.Write(body); err != nil {
		return fmt.Errorf("events: deflate: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("events: deflate: %w", err)
	}

	header := [frameHeaderLen]byte{byte(ptype), byte(format), 1, 0}
	binary.BigEndian.PutUint32(header[4:], uint32(deflated.Len()))
	buf.Write(header[:])
	buf.Write(deflated.Bytes())
	return nil
}
