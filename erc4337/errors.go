package erc4337

import "fmt"

// CodecError reports a malformed user operation field. It is always a caller bug.
type CodecError struct {
	Field string
	Err   error
}

func newCodecError(field string, format string, args ...interface{}) *CodecError {
	return &CodecError{Field: field, Err: fmt.Errorf(format, args...)}
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// ErrorCode implements rpc.Error so JSON-RPC clients receive invalid params.
func (e *CodecError) ErrorCode() int {
	return -32602
}
