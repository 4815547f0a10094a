package errors

// ErrorCode is a stable, machine-readable error identifier. It is what logs
// report as error_code and what API clients receive.
type ErrorCode string

// Error is an error carrying an ErrorCode. The human-readable text is the
// registered default message unless one is set, followed by the attached
// data or the wrapped cause.
type Error interface {
	error
	Code() ErrorCode
	WithMessage(msg string) Error
	WithData(data any) Error
	Data() any
	Unwrap() error
}

// Factory builds coded errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
