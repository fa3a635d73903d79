package sandboxctl

import "context"

// AdvanceOutcome carries the return values of one Engine.Advance call.
type AdvanceOutcome struct {
	Result Result
	Err    error
}

// AdvanceAsync runs eng.Advance on its own goroutine and delivers the
// outcome on the returned channel, which is buffered and closed after the
// single send. Callers that need the engine to stay responsive, such as a
// UI event loop, select on it alongside their own events.
func AdvanceAsync(ctx context.Context, eng Engine, fields Fields) <-chan AdvanceOutcome {
	out := make(chan AdvanceOutcome, 1)
	go func() {
		defer close(out)
		res, err := eng.Advance(ctx, fields)
		out <- AdvanceOutcome{Result: res, Err: err}
	}()
	return out
}
