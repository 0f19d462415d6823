// Copyright (C) 2025 Arun Grover. All Rights Reserved.

package batch

import (
	"errors"
	"fmt"
)

// A Code is the numeric result of a batch operation, carried in replies and
// reported to completion handlers. Zero means success. Negative values are
// local sentinels that never appear on the wire; positive values belong to
// the batch protocol.
type Code int32

const (
	// CodeOK reports a successful operation.
	CodeOK Code = 0

	// CodeFailed is the local hard-failure sentinel, reported when a request
	// could not be delivered at all (for example, the retry window elapsed).
	// It never appears on the wire.
	CodeFailed Code = -1
)

// Protocol result codes. The block begins at 15001 to keep clear of both
// success and system errno values.
const (
	CodeSystem      Code = 15001 + iota // internal resource failure
	CodeBadRequest                      // unknown or malformed request type
	CodeUnknownHost                     // destination hostname did not resolve
	CodeUnreachable                     // destination unreachable or link lost
	CodeProtocol                        // reply frame or body could not be decoded
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeFailed:
		return "request failed"
	case CodeSystem:
		return "internal system error"
	case CodeBadRequest:
		return "invalid request type"
	case CodeUnknownHost:
		return "unknown destination host"
	case CodeUnreachable:
		return "destination unreachable"
	case CodeProtocol:
		return "protocol error"
	default:
		return fmt.Sprintf("result code %d", int32(c))
	}
}

// An Error associates a result code with a description of what failed.
// Errors reported by the dispatch core have concrete type *Error.
type Error struct {
	Code Code   // the result code reported to the caller
	Msg  string // a human-readable description
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("[%d] %s", int32(e.Code), e.Msg)
}

// Errorf constructs an *Error with the given code and a formatted message.
func Errorf(code Code, msg string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(msg, args...)}
}

// CodeOf reports the result code carried by err. It returns CodeOK if err is
// nil, and CodeFailed if err carries no *Error in its chain.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeFailed
}
