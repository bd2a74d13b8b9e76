// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the framed block-streaming protocol between
// a client and a worker data server.
//
// Every frame is length-prefixed and typed:
//
//	frame := uint32 totalLen | uint8 type | payload
//
// totalLen counts the type byte plus the payload, not the length
// prefix itself. All integers are big-endian. These values are
// protocol constants — changing them breaks client/worker
// compatibility.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies the message carried by a frame.
type FrameType uint8

const (
	// TypeReadRequest starts streaming a byte range of a block.
	TypeReadRequest FrameType = 0x01

	// TypeCancelRequest asks the server to stop an in-flight read.
	// The server may ignore it if the full response has already been
	// enqueued.
	TypeCancelRequest FrameType = 0x02

	// TypeReadResponse carries one packet of response data, or an
	// end-of-stream, cancellation, or error marker.
	TypeReadResponse FrameType = 0x10
)

// Status is the outcome code carried by a ReadResponse.
type Status uint16

const (
	// StatusSuccess carries payload bytes. An empty payload signals
	// end of stream.
	StatusSuccess Status = 0

	// StatusCancelled acknowledges a CancelRequest. It is the last
	// frame of a cancelled stream.
	StatusCancelled Status = 1

	// StatusError reports a server-side failure. The payload is a
	// UTF-8 message.
	StatusError Status = 2
)

// String returns the human-readable name of a status code.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusCancelled:
		return "cancelled"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint16(s))
	}
}

// Sentinel values for untracked reads. A ReadRequest carrying both
// marks a generic file read rather than a registry-tracked block read.
const (
	NoLockID    int64 = -1
	NoSessionID int64 = -1
)

// MaxFrameSize bounds the totalLen a decoder will accept. Frames
// larger than this indicate a corrupt stream or a protocol mismatch.
const MaxFrameSize = 16 << 20

// Message is a decoded protocol frame.
type Message interface {
	// Type returns the frame type tag for this message.
	Type() FrameType

	// encodePayload appends the message payload (everything after the
	// type byte) to dst.
	encodePayload(dst []byte) []byte
}

// ReadRequest asks the server to stream Length bytes of the block
// starting at Offset. LockID and SessionID bind the read to a worker
// registry entry; both set to the No* sentinels marks a generic file
// read.
type ReadRequest struct {
	BlockID   uint64
	Offset    int64
	Length    int64
	LockID    int64
	SessionID int64
}

// Type implements Message.
func (*ReadRequest) Type() FrameType { return TypeReadRequest }

func (r *ReadRequest) encodePayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, r.BlockID)
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.Offset))
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.Length))
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.LockID))
	dst = binary.BigEndian.AppendUint64(dst, uint64(r.SessionID))
	return dst
}

// Tracked reports whether the request refers to a registry-tracked
// block rather than a generic file.
func (r *ReadRequest) Tracked() bool {
	return r.SessionID != NoSessionID
}

// CancelRequest asks the server to stop streaming the given block.
type CancelRequest struct {
	BlockID uint64
}

// Type implements Message.
func (*CancelRequest) Type() FrameType { return TypeCancelRequest }

func (r *CancelRequest) encodePayload(dst []byte) []byte {
	return binary.BigEndian.AppendUint64(dst, r.BlockID)
}

// ReadResponse carries one packet of a streamed read. For
// StatusError, Payload holds the UTF-8 error message and Message()
// decodes it.
type ReadResponse struct {
	BlockID uint64
	Status  Status
	Payload []byte
}

// Type implements Message.
func (*ReadResponse) Type() FrameType { return TypeReadResponse }

func (r *ReadResponse) encodePayload(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, r.BlockID)
	dst = binary.BigEndian.AppendUint16(dst, uint16(r.Status))
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(r.Payload)))
	return append(dst, r.Payload...)
}

// EOF reports whether the response is the end-of-stream marker: a
// SUCCESS response with an empty payload.
func (r *ReadResponse) EOF() bool {
	return r.Status == StatusSuccess && len(r.Payload) == 0
}

// Message returns the error message of a StatusError response, or ""
// for other statuses.
func (r *ReadResponse) Message() string {
	if r.Status != StatusError {
		return ""
	}
	return string(r.Payload)
}

// ErrorResponse builds a StatusError response for a block.
func ErrorResponse(blockID uint64, message string) *ReadResponse {
	return &ReadResponse{BlockID: blockID, Status: StatusError, Payload: []byte(message)}
}

// EOFResponse builds the end-of-stream marker for a block.
func EOFResponse(blockID uint64) *ReadResponse {
	return &ReadResponse{BlockID: blockID, Status: StatusSuccess}
}

// EncodeFrame serializes msg into a complete frame, including the
// length prefix and type byte.
func EncodeFrame(msg Message) []byte {
	payload := msg.encodePayload(nil)
	frame := make([]byte, 0, 5+len(payload))
	frame = binary.BigEndian.AppendUint32(frame, uint32(1+len(payload)))
	frame = append(frame, byte(msg.Type()))
	return append(frame, payload...)
}

// WriteFrame encodes msg and writes the complete frame to w.
func WriteFrame(w io.Writer, msg Message) error {
	if _, err := w.Write(EncodeFrame(msg)); err != nil {
		return fmt.Errorf("writing %#x frame: %w", byte(msg.Type()), err)
	}
	return nil
}

// ReadFrame reads and decodes one frame from r. It returns io.EOF
// only when the stream ends cleanly on a frame boundary; a stream cut
// mid-frame returns io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (Message, error) {
	var header [5]byte
	if _, err := io.ReadFull(r, header[:4]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	totalLen := binary.BigEndian.Uint32(header[:4])
	if totalLen == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if totalLen > MaxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", totalLen, MaxFrameSize)
	}
	if _, err := io.ReadFull(r, header[4:5]); err != nil {
		return nil, fmt.Errorf("reading frame type: %w", eofToUnexpected(err))
	}
	payload := make([]byte, totalLen-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", eofToUnexpected(err))
	}
	return decodePayload(FrameType(header[4]), payload)
}

// DecodeFrame decodes one complete frame from data, returning the
// message and the unconsumed remainder.
func DecodeFrame(data []byte) (Message, []byte, error) {
	if len(data) < 5 {
		return nil, data, io.ErrUnexpectedEOF
	}
	totalLen := binary.BigEndian.Uint32(data[:4])
	if totalLen == 0 || totalLen > MaxFrameSize {
		return nil, data, fmt.Errorf("invalid frame length %d", totalLen)
	}
	if uint32(len(data)-4) < totalLen {
		return nil, data, io.ErrUnexpectedEOF
	}
	msg, err := decodePayload(FrameType(data[4]), data[5:4+totalLen])
	if err != nil {
		return nil, data, err
	}
	return msg, data[4+totalLen:], nil
}

func decodePayload(frameType FrameType, payload []byte) (Message, error) {
	switch frameType {
	case TypeReadRequest:
		if len(payload) != 40 {
			return nil, fmt.Errorf("read request payload is %d bytes, want 40", len(payload))
		}
		return &ReadRequest{
			BlockID:   binary.BigEndian.Uint64(payload[0:8]),
			Offset:    int64(binary.BigEndian.Uint64(payload[8:16])),
			Length:    int64(binary.BigEndian.Uint64(payload[16:24])),
			LockID:    int64(binary.BigEndian.Uint64(payload[24:32])),
			SessionID: int64(binary.BigEndian.Uint64(payload[32:40])),
		}, nil

	case TypeCancelRequest:
		if len(payload) != 8 {
			return nil, fmt.Errorf("cancel request payload is %d bytes, want 8", len(payload))
		}
		return &CancelRequest{BlockID: binary.BigEndian.Uint64(payload)}, nil

	case TypeReadResponse:
		if len(payload) < 14 {
			return nil, fmt.Errorf("read response payload is %d bytes, want at least 14", len(payload))
		}
		payloadLen := binary.BigEndian.Uint32(payload[10:14])
		if uint32(len(payload)-14) != payloadLen {
			return nil, fmt.Errorf("read response declares %d payload bytes, carries %d",
				payloadLen, len(payload)-14)
		}
		response := &ReadResponse{
			BlockID: binary.BigEndian.Uint64(payload[0:8]),
			Status:  Status(binary.BigEndian.Uint16(payload[8:10])),
		}
		if payloadLen > 0 {
			response.Payload = payload[14:]
		}
		return response, nil

	default:
		return nil, fmt.Errorf("unknown frame type %#x", byte(frameType))
	}
}

func eofToUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}
