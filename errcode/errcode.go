package errcode

import "errors"

// Code is a stable, log-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }
func (c Code) Code() Code    { return c }

// Canonical codes (short, stable).
const (
	OK            Code = "ok"
	Busy          Code = "busy"
	Timeout       Code = "timeout"
	Unsupported   Code = "unsupported"
	InvalidParams Code = "invalid_params"

	// Resources
	UnknownResource Code = "unknown_resource"
	NotOwner        Code = "not_owner"
	UnknownMode     Code = "unknown_mode"

	// Sensors
	NotConnected Code = "not_connected"
	NoData       Code = "no_data"
	OutOfRange   Code = "out_of_range"

	// Modem
	ModemInit  Code = "modem_init_failed"
	HTTPStatus Code = "http_status"
	NoURL      Code = "no_url"

	// Storage
	StorageUnavailable Code = "storage_unavailable"
	CorruptStore       Code = "corrupt_store"

	InvalidConfig Code = "invalid_config"
	Panic         Code = "panic"

	Error Code = "error" // generic fallback
)

// E wraps a cause with a code and the operation that failed.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	s := string(e.C)
	if e.Op != "" {
		s = e.Op + ": " + s
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}
func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// Wrap returns nil for a nil cause.
func Wrap(c Code, op string, err error) error {
	if err == nil {
		return nil
	}
	return &E{C: c, Op: op, Err: err}
}

// Of extracts the outermost Code from an error chain, defaulting to Error.
func Of(err error) Code {
	if err == nil {
		return OK
	}
	type coder interface{ Code() Code }
	var x coder
	if errors.As(err, &x) {
		return x.Code()
	}
	return Error
}
