package errorsx

import "errors"

// ReasonedError tags a failure with the machine-readable reason code
// the session and relay branch on.
type ReasonedError struct {
	Reason ReasonCode
	Err    error
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Err.Error()
}

func (e ReasonedError) Unwrap() error { return e.Err }

// Wrap tags err with reason. A reason already attached deeper in the
// chain wins; nil errors pass through untouched.
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	if Reason(err) != ReasonUnknown {
		return err
	}
	return ReasonedError{Reason: reason, Err: err}
}

// Reason returns the code attached to err, or ReasonUnknown.
func Reason(err error) ReasonCode {
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason reports whether err carries the given code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
