package query

import "fmt"

// Outcome carries the result of one fallible collaborator call. A call either
// succeeded (OK), reverted with a reason (RevertReason set), or returned no
// usable data (NoData). Batch queries fold failed outcomes into zero values
// at the failing index.
type Outcome[T any] struct {
	OK           bool
	Value        T
	RevertReason string
	NoData       bool
}

// Call is a single fallible collaborator invocation.
type Call[T any] func() (T, error)

// Try runs the call and converts its result into an Outcome. Panics from the
// collaborator are captured as no-data outcomes rather than unwinding the
// batch.
func Try[T any](call Call[T]) (outcome Outcome[T]) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Outcome[T]{NoData: true, RevertReason: fmt.Sprintf("panic: %v", r)}
		}
	}()
	value, err := call()
	if err != nil {
		return Outcome[T]{RevertReason: err.Error()}
	}
	return Outcome[T]{OK: true, Value: value}
}
