package events

import (
	"bytes"
	"testing"
)

func TestDecodeMessage_RoundTrip(t *testing.T) {
	action := Action{
		Action:      "update",
		ID:          "cam-1",
		ModelKey:    "camera",
		NewUpdateID: "e5b0e479",
	}
	payload := []byte(`{"state":"CONNECTED"}`)

	wire, err := EncodeMessage(action, FormatJSON, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	pkt, err := DecodeMessage(wire)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if pkt.Action != action {
		t.Errorf("action mismatch: got %+v, want %+v", pkt.Action, action)
	}
	if pkt.Format != FormatJSON {
		t.Errorf("format mismatch: got %d", pkt.Format)
	}
	if !bytes.Equal(pkt.Payload, payload) {
		t.Errorf("payload mismatch: got %q", pkt.Payload)
	}
}

func TestDecodeMessage_Malformed(t *testing.T) {
	valid, err := EncodeMessage(Action{Action: "add", ModelKey: "camera"}, FormatJSON, []byte(`{}`))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"Empty", nil},
		{"TruncatedHeader", valid[:4]},
		{"TruncatedPayload", valid[:frameHeaderLen+2]},
		{"MissingDataFrame", valid[:len(valid)/2]},
		{"Garbage", []byte("not a frame at all, definitely")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeMessage(tt.data); err == nil {
				t.Error("expected a decode error")
			}
		})
	}
}

func TestDecodeMessage_RejectsSwappedFrames(t *testing.T) {
	// A message whose first frame claims to be a payload frame.
	var buf bytes.Buffer
	if err := encodeFrame(&buf, PacketPayload, FormatJSON, []byte(`{}`)); err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	if err := encodeFrame(&buf, PacketAction, FormatJSON, []byte(`{"action":"add"}`)); err != nil {
		t.Fatalf("encode frame: %v", err)
	}

	if _, err := DecodeMessage(buf.Bytes()); err == nil {
		t.Error("expected rejection of out-of-order frames")
	}
}
