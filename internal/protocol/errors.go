package protocol

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable classification of transport decode/encode failures.
// Codes are used for logging, metrics and the disconnect decision.
type ErrorCode uint16

const (
	ErrCodeUnknown ErrorCode = 0

	// Framing
	ErrCodeFrameTooLarge ErrorCode = 1001
	ErrCodeBadFrame      ErrorCode = 1002

	// Compression
	ErrCodeUnknownCompression     ErrorCode = 2001
	ErrCodeUnsupportedCompression ErrorCode = 2002
	ErrCodeDecompressedTooLarge   ErrorCode = 2003
	ErrCodeCorruptCompressed      ErrorCode = 2004

	// Batch
	ErrCodeEmptyPacket ErrorCode = 3001
	ErrCodeBadPayload  ErrorCode = 3002
	ErrCodeNotEncoded  ErrorCode = 3003
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeUnknown:                "unknown",
	ErrCodeFrameTooLarge:          "frame_too_large",
	ErrCodeBadFrame:               "bad_frame",
	ErrCodeUnknownCompression:     "unknown_compression",
	ErrCodeUnsupportedCompression: "unsupported_compression",
	ErrCodeDecompressedTooLarge:   "decompressed_too_large",
	ErrCodeCorruptCompressed:      "corrupt_compressed",
	ErrCodeEmptyPacket:            "empty_packet",
	ErrCodeBadPayload:             "bad_payload",
	ErrCodeNotEncoded:             "not_encoded",
}

// String returns the snake_case name of the code.
func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", uint16(c))
}

// ProtocolError is the only error type returned by the codec layers.
type ProtocolError struct {
	Code ErrorCode
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return fmt.Sprintf("protocol error (%s)", e.Code)
	case e.Err == nil:
		return fmt.Sprintf("protocol error (%s): %s", e.Code, e.Msg)
	default:
		return fmt.Sprintf("protocol error (%s): %s: %v", e.Code, e.Msg, e.Err)
	}
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewError creates a ProtocolError without a cause.
func NewError(code ErrorCode, msg string) *ProtocolError {
	return &ProtocolError{Code: code, Msg: msg}
}

// Errorf creates a ProtocolError with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WrapError creates a ProtocolError around a lower level failure.
func WrapError(code ErrorCode, msg string, err error) *ProtocolError {
	return &ProtocolError{Code: code, Msg: msg, Err: err}
}

// IsProtocolError reports whether err (or anything it wraps) is a ProtocolError.
func IsProtocolError(err error) (*ProtocolError, bool) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// HasCode reports whether err is a ProtocolError carrying code.
func HasCode(err error, code ErrorCode) bool {
	pe, ok := IsProtocolError(err)
	return ok && pe.Code == code
}
