package precrop

import "fmt"

// NegativeIntensityError reports a volume whose minimum intensity is below
// zero, which violates the precondition of the percentile/noise step and
// indicates an upstream data problem.
type NegativeIntensityError struct {
	Min float64
}

func (e *NegativeIntensityError) Error() string {
	return fmt.Sprintf("volume has negative minimum intensity %g", e.Min)
}

// MalformedOutputError reports external-tool output that could not be
// interpreted, such as a field-of-view report with fewer than two lines.
type MalformedOutputError struct {
	Tool   string
	Reason string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("malformed %s output: %s", e.Tool, e.Reason)
}
