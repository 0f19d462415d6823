// Copyright (C) 2025 Arun Grover. All Rights Reserved.

// Package wire implements the frame format and body encoding used to carry
// batch requests and replies between servers and workers.
//
// A frame has a fixed binary header followed by a CBOR body:
//
//	| 'P' | 'B' | version | kind | type (2) | id length (2) | id ... | body length (4) | body ... |
//
// The correlation id is empty on direct connections; on multiplexed links it
// is assigned by the sender at dispatch time and echoed verbatim in the
// reply frame so the receiver can match the reply to its pending task.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// Version is the frame format version understood by this package.
const Version = 1

// Frame size limits enforced by ReadFrom.
const (
	MaxIDBytes   = 128
	MaxBodyBytes = 1 << 24
)

// A Kind discriminates the direction of a frame.
type Kind byte

const (
	KindRequest Kind = 1 // a batch request
	KindReply   Kind = 2 // the reply to a request
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "REQUEST"
	case KindReply:
		return "REPLY"
	default:
		return fmt.Sprintf("KIND:%d", byte(k))
	}
}

// A Frame is the parsed form of one wire frame.
type Frame struct {
	Kind Kind
	Type uint16 // request type tag; zero in reply frames
	ID   string // correlation id; empty on direct connections
	Body []byte // CBOR body
}

// WriteTo writes the frame to w in binary format. It satisfies io.WriterTo.
func (f *Frame) WriteTo(w io.Writer) (int64, error) {
	if len(f.ID) > MaxIDBytes {
		return 0, fmt.Errorf("oversized correlation id (%d bytes)", len(f.ID))
	}
	hdr := make([]byte, 8, 12+len(f.ID))
	hdr[0], hdr[1], hdr[2], hdr[3] = 'P', 'B', Version, byte(f.Kind)
	binary.BigEndian.PutUint16(hdr[4:], f.Type)
	binary.BigEndian.PutUint16(hdr[6:], uint16(len(f.ID)))
	hdr = append(hdr, f.ID...)
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(len(f.Body)))
	nw, err := w.Write(hdr)
	if err == nil && len(f.Body) != 0 {
		var nb int
		nb, err = w.Write(f.Body)
		nw += nb
	}
	return int64(nw), err
}

// ReadFrom reads one frame from r in binary format. It satisfies
// io.ReaderFrom.
func (f *Frame) ReadFrom(r io.Reader) (int64, error) {
	var hdr [8]byte
	nr, err := io.ReadFull(r, hdr[:])
	if err != nil {
		return int64(nr), fmt.Errorf("short frame header: %w", err)
	}
	if hdr[0] != 'P' || hdr[1] != 'B' {
		return int64(nr), fmt.Errorf("invalid frame magic %q", hdr[:2])
	}
	if hdr[2] != Version {
		return int64(nr), fmt.Errorf("invalid frame version %d", hdr[2])
	}
	f.Kind = Kind(hdr[3])
	if f.Kind != KindRequest && f.Kind != KindReply {
		return int64(nr), fmt.Errorf("invalid frame kind %d", hdr[3])
	}
	f.Type = binary.BigEndian.Uint16(hdr[4:])

	if n := binary.BigEndian.Uint16(hdr[6:]); n > MaxIDBytes {
		return int64(nr), fmt.Errorf("oversized correlation id (%d bytes)", n)
	} else if n > 0 {
		id := make([]byte, int(n))
		ni, err := io.ReadFull(r, id)
		nr += ni
		if err != nil {
			return int64(nr), fmt.Errorf("short correlation id: %w", err)
		}
		f.ID = string(id)
	} else {
		f.ID = ""
	}

	var blen [4]byte
	ni, err := io.ReadFull(r, blen[:])
	nr += ni
	if err != nil {
		return int64(nr), fmt.Errorf("short frame header: %w", err)
	}
	if n := binary.BigEndian.Uint32(blen[:]); n > MaxBodyBytes {
		return int64(nr), fmt.Errorf("oversized frame body (%d bytes)", n)
	} else if n > 0 {
		f.Body = make([]byte, int(n))
		nb, err := io.ReadFull(r, f.Body)
		nr += nb
		if err != nil {
			return int64(nr), fmt.Errorf("short frame body: %w", err)
		}
	} else {
		f.Body = nil
	}
	return int64(nr), nil
}

// String returns a human-friendly rendering of the frame.
func (f *Frame) String() string {
	return fmt.Sprintf("Frame(%v, type=%d, id=%q, %d bytes)", f.Kind, f.Type, f.ID, len(f.Body))
}

// NewMsgID returns a fresh correlation id for a multiplexed dispatch.
func NewMsgID() string { return uuid.NewString() }

var (
	encMode = must(cbor.CanonicalEncOptions().EncMode())
	decMode = must(cbor.DecOptions{}.DecMode())
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
