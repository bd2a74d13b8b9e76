// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReadRequestRoundTrip(t *testing.T) {
	original := &ReadRequest{
		BlockID:   42,
		Offset:    1024,
		Length:    8192,
		LockID:    7,
		SessionID: 99,
	}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, original); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	msg, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	decoded, ok := msg.(*ReadRequest)
	if !ok {
		t.Fatalf("decoded type %T, want *ReadRequest", msg)
	}
	if *decoded != *original {
		t.Errorf("round trip mismatch: got %+v, want %+v", decoded, original)
	}
	if !decoded.Tracked() {
		t.Error("request with session ID should be tracked")
	}
}

func TestReadRequestSentinels(t *testing.T) {
	request := &ReadRequest{BlockID: 1, Length: 100, LockID: NoLockID, SessionID: NoSessionID}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, request); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	msg, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	decoded := msg.(*ReadRequest)
	if decoded.LockID != NoLockID || decoded.SessionID != NoSessionID {
		t.Errorf("sentinels not preserved: got lock %d session %d", decoded.LockID, decoded.SessionID)
	}
	if decoded.Tracked() {
		t.Error("sentinel request should not be tracked")
	}
}

func TestCancelRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, &CancelRequest{BlockID: 77}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	msg, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	decoded, ok := msg.(*CancelRequest)
	if !ok {
		t.Fatalf("decoded type %T, want *CancelRequest", msg)
	}
	if decoded.BlockID != 77 {
		t.Errorf("block ID %d, want 77", decoded.BlockID)
	}
}

func TestReadResponseRoundTrip(t *testing.T) {
	payload := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	original := &ReadResponse{BlockID: 5, Status: StatusSuccess, Payload: payload}

	var buf bytes.Buffer
	if err := WriteFrame(&buf, original); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	msg, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	decoded := msg.(*ReadResponse)
	if decoded.BlockID != 5 || decoded.Status != StatusSuccess {
		t.Errorf("header mismatch: %+v", decoded)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("payload mismatch: got %v, want %v", decoded.Payload, payload)
	}
	if decoded.EOF() {
		t.Error("non-empty payload must not decode as EOF")
	}
}

func TestReadResponseEOF(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, EOFResponse(9)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	msg, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	decoded := msg.(*ReadResponse)
	if !decoded.EOF() {
		t.Error("empty SUCCESS payload must decode as EOF")
	}
}

func TestReadResponseError(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, ErrorResponse(3, "block not found")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	msg, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	decoded := msg.(*ReadResponse)
	if decoded.Status != StatusError {
		t.Fatalf("status %v, want error", decoded.Status)
	}
	if decoded.Message() != "block not found" {
		t.Errorf("message %q, want %q", decoded.Message(), "block not found")
	}
	if decoded.EOF() {
		t.Error("error response must not decode as EOF")
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("empty stream: got %v, want io.EOF", err)
	}
}

func TestReadFrameTruncated(t *testing.T) {
	full := EncodeFrame(&ReadRequest{BlockID: 1, Length: 10, LockID: NoLockID, SessionID: NoSessionID})

	// Every proper prefix after the length prefix must fail with an
	// unexpected-EOF, never a clean EOF.
	for cut := 4; cut < len(full); cut++ {
		_, err := ReadFrame(bytes.NewReader(full[:cut]))
		if err == nil {
			t.Fatalf("cut at %d: expected error", cut)
		}
		if errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			t.Errorf("cut at %d: got clean EOF for a torn frame", cut)
		}
	}
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	_, err := ReadFrame(&buf)
	if err == nil {
		t.Fatal("expected oversized frame to be rejected")
	}
}

func TestReadFrameRejectsUnknownType(t *testing.T) {
	buf := []byte{0, 0, 0, 2, 0x7f, 0xaa}
	_, err := ReadFrame(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected unknown frame type to be rejected")
	}
}

func TestDecodeFrameRemainder(t *testing.T) {
	first := EncodeFrame(&CancelRequest{BlockID: 1})
	second := EncodeFrame(&CancelRequest{BlockID: 2})
	data := append(append([]byte{}, first...), second...)

	msg, rest, err := DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if msg.(*CancelRequest).BlockID != 1 {
		t.Errorf("first frame block %d, want 1", msg.(*CancelRequest).BlockID)
	}
	msg, rest, err = DecodeFrame(rest)
	if err != nil {
		t.Fatalf("DecodeFrame second: %v", err)
	}
	if msg.(*CancelRequest).BlockID != 2 {
		t.Errorf("second frame block %d, want 2", msg.(*CancelRequest).BlockID)
	}
	if len(rest) != 0 {
		t.Errorf("%d trailing bytes after both frames", len(rest))
	}
}

func TestReadResponseDeclaredLengthMismatch(t *testing.T) {
	frame := EncodeFrame(&ReadResponse{BlockID: 1, Status: StatusSuccess, Payload: []byte{1, 2, 3}})
	// Corrupt the declared payload length, which sits at bytes 15..18
	// (after 4 length + 1 type + 8 block + 2 status).
	frame[16] = 0xff
	_, _, err := DecodeFrame(frame)
	if err == nil {
		t.Fatal("expected declared-length mismatch to be rejected")
	}
}
