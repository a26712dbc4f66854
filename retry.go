package hal

import "errors"

// permanentError stops a retry loop early
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// permanent marks err as not worth retrying
func permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// retry runs op until it succeeds, returns a permanent error, or attempts
// are used up. The attempt number passed to op starts at 0.
func retry(attempts int, op func(attempt int) error) error {
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = op(attempt)
		if err == nil {
			return nil
		}
		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
	}
	return err
}
