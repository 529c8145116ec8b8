// Package ppmerr defines the PPM bootloader's stable numeric error codes.
//
// The codes and their values are part of the wire-level contract described
// by the session and orchestrator layers: a calling process on the other
// side of a language boundary identifies failures by code, not by message
// text, so the values here must never be renumbered.
package ppmerr

import "fmt"

// Code is a stable PPM bootloader error code.
type Code int32

const (
	Ok                  Code = 0
	UnknownFail         Code = -1
	Internal            Code = -2
	SetBaud             Code = -16
	EnterPpm            Code = -17
	Calibration         Code = -18
	Unlock              Code = -19
	ChipNotSupported    Code = -20
	ActionNotSupported  Code = -21
	InvalidHex          Code = -22
	MissingData         Code = -23
	ProgrammingFailed   Code = -24
	VerifyFailed        Code = -25
	InvalidArg          Code = -26
	DecodeFraming       Code = -27
	DecodeTiming        Code = -28
)

var names = map[Code]string{
	Ok:                 "ok",
	UnknownFail:        "unknown failure",
	Internal:           "internal error",
	SetBaud:            "failed setting new baudrate",
	EnterPpm:           "failed entering ppm mode",
	Calibration:        "calibration failed",
	Unlock:             "unlock session failed",
	ChipNotSupported:   "chip not supported",
	ActionNotSupported: "action not supported for this memory",
	InvalidHex:         "invalid hex file",
	MissingData:        "missing data",
	ProgrammingFailed:  "programming failed",
	VerifyFailed:       "verify failed",
	InvalidArg:         "invalid argument",
	DecodeFraming:      "wire framing decode error",
	DecodeTiming:       "wire timing decode error",
}

// String returns the human-readable message for a code.
func (c Code) String() string {
	if s, ok := names[c]; ok {
		return s
	}
	return fmt.Sprintf("unrecognized error code %d", int32(c))
}

// Error is the concrete error type carrying a stable Code.
//
// Error wraps an optional underlying cause so errors.Is/errors.As traverse
// the chain, while still exposing the stable numeric Code to callers that
// need it (the CLI's process exit status, or a caller across a language
// boundary) via errors.As.
type Error struct {
	Code  Code
	Cause error
}

// New constructs an Error with no wrapped cause.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap constructs an Error that carries cause in its chain.
func Wrap(code Code, cause error) *Error {
	return &Error{Code: code, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Code.String(), e.Cause)
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a *Error with the same Code, so
// errors.Is(err, ppmerr.New(ppmerr.Unlock)) works without caring about the
// wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// CodeOf extracts the stable Code from err, returning UnknownFail if err is
// nil-distinct from an *Error (including plain nil, which maps to Ok).
func CodeOf(err error) Code {
	if err == nil {
		return Ok
	}
	var perr *Error
	if ok := asError(err, &perr); ok {
		return perr.Code
	}
	return UnknownFail
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
