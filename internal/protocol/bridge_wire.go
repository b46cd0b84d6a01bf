package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Reserved length sentinels on the bridge wire (host <-> guest), spec.md §4.1.
// All numeric fields are big-endian.
const (
	bridgeEndOfStream uint32 = 0
	bridgeErrorFrame  uint32 = 0xFFFF_FFFF
	bridgeLogFrame    uint32 = 0xFFFF_FFFE
)

// BridgeFrameKind classifies a decoded bridge-wire frame.
type BridgeFrameKind int

const (
	FrameEndOfStream BridgeFrameKind = iota
	FrameError
	FrameLog
	FrameRecordBatch
)

// BridgeFrame is one decoded frame from the host<->guest transport.
type BridgeFrame struct {
	Kind BridgeFrameKind

	// Populated when Kind == FrameError.
	ErrorText string

	// Populated when Kind == FrameLog.
	LogLevel   uint8
	LogMessage string

	// Populated when Kind == FrameRecordBatch: the raw columnar IPC payload.
	RecordBatch []byte
}

// WriteEndOfStream writes the end-of-stream sentinel.
func WriteEndOfStream(w io.Writer) error {
	return writeU32(w, bridgeEndOfStream)
}

// WriteErrorFrame writes the error sentinel followed by the UTF-8 message.
func WriteErrorFrame(w io.Writer, message string) error {
	if err := writeU32(w, bridgeErrorFrame); err != nil {
		return err
	}
	return writeU32AndBytes(w, []byte(message))
}

// WriteLogFrame writes the log sideband sentinel followed by [level][length][bytes].
func WriteLogFrame(w io.Writer, level uint8, message string) error {
	if err := writeU32(w, bridgeLogFrame); err != nil {
		return err
	}
	if _, err := w.Write([]byte{level}); err != nil {
		return fmt.Errorf("write log frame level: %w", err)
	}
	return writeU32AndBytes(w, []byte(message))
}

// WriteRecordBatch writes a record-batch frame: [u32 length][payload].
func WriteRecordBatch(w io.Writer, payload []byte) error {
	if uint64(len(payload)) >= uint64(bridgeLogFrame) {
		return fmt.Errorf("record batch payload %d bytes collides with a reserved sentinel", len(payload))
	}
	return writeU32AndBytes(w, payload)
}

// ReadBridgeFrame reads and classifies the next frame from r.
func ReadBridgeFrame(r io.Reader) (BridgeFrame, error) {
	length, err := readU32(r)
	if err != nil {
		return BridgeFrame{}, err
	}

	switch length {
	case bridgeEndOfStream:
		return BridgeFrame{Kind: FrameEndOfStream}, nil

	case bridgeErrorFrame:
		msg, err := readU32Bytes(r)
		if err != nil {
			return BridgeFrame{}, fmt.Errorf("read error frame: %w", err)
		}
		return BridgeFrame{Kind: FrameError, ErrorText: string(msg)}, nil

	case bridgeLogFrame:
		var levelBuf [1]byte
		if _, err := io.ReadFull(r, levelBuf[:]); err != nil {
			return BridgeFrame{}, fmt.Errorf("read log frame level: %w", err)
		}
		msg, err := readU32Bytes(r)
		if err != nil {
			return BridgeFrame{}, fmt.Errorf("read log frame message: %w", err)
		}
		return BridgeFrame{Kind: FrameLog, LogLevel: levelBuf[0], LogMessage: string(msg)}, nil

	default:
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return BridgeFrame{}, fmt.Errorf("read record batch payload: %w", err)
		}
		return BridgeFrame{Kind: FrameRecordBatch, RecordBatch: payload}, nil
	}
}

func writeU32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func writeU32AndBytes(w io.Writer, b []byte) error {
	if err := writeU32(w, uint32(len(b))); err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	_, err := w.Write(b)
	return err
}

func readU32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readU32Bytes(r io.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}
