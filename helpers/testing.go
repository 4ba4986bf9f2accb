package helpers

import (
	"fmt"
)

type testError struct{ s string }

func (e testError) Error() string { return e.s }

// NewTestError returns comparable error value, handy for injecting failures into mocks.
func NewTestError(format string, args ...interface{}) error {
	return testError{fmt.Sprintf(format, args...)}
}
