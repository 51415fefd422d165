package collab

import "fmt"

// Frame kinds. Every binary websocket message starts with one kind byte.
const (
	// FrameSync carries a full replica state. Clients send an empty sync frame
	// to request one.
	FrameSync byte = 0x00
	// FrameUpdate carries an update delta.
	FrameUpdate byte = 0x01
)

func encodeFrame(kind byte, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = kind
	copy(frame[1:], payload)
	return frame
}

func decodeFrame(msg []byte) (byte, []byte, error) {
	if len(msg) == 0 {
		return 0, nil, fmt.Errorf("empty frame")
	}
	switch msg[0] {
	case FrameSync, FrameUpdate:
		return msg[0], msg[1:], nil
	default:
		return 0, nil, fmt.Errorf("unknown frame kind 0x%02x", msg[0])
	}
}
