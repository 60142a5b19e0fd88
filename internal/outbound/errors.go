package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrorKind classifies a delivery or action failure.
type ErrorKind string

const (
	// KindResolution: unknown channel, no route, bad target.
	KindResolution ErrorKind = "resolution"
	// KindValidation: rejected before any network call.
	KindValidation ErrorKind = "validation"
	// KindAdapter: the channel's send surface failed.
	KindAdapter ErrorKind = "adapter"
	// KindAborted: the caller cancelled; distinct from a generic failure.
	KindAborted ErrorKind = "aborted"
)

// Delivery step names used in structured errors.
const (
	StepResolveChannel = "resolve_channel"
	StepResolveAccount = "resolve_account"
	StepResolveTarget  = "resolve_target"
	StepNormalize      = "normalize"
	StepEnqueue        = "enqueue"
	StepSendChunk      = "send_chunk"
	StepSendMedia      = "send_media"
	StepAction         = "action"
)

// DeliveryError describes which step of the pipeline failed, precisely
// enough for a caller to say "chunk 2 of 5 was rejected by the adapter"
// instead of "send failed".
type DeliveryError struct {
	Kind  ErrorKind
	Step  string
	Chunk int
	Total int
	Err   error
}

func (e *DeliveryError) Error() string {
	if e.Chunk > 0 {
		return fmt.Sprintf("%s at %s (chunk %d of %d): %v", e.Kind, e.Step, e.Chunk, e.Total, e.Err)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Step, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func newError(kind ErrorKind, step string, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Step: step, Err: err}
}

func chunkError(kind ErrorKind, step string, chunk, total int, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Step: step, Chunk: chunk, Total: total, Err: err}
}

// abortError classifies a context cancellation observed at step.
func abortError(ctx context.Context, step string) *DeliveryError {
	return &DeliveryError{Kind: KindAborted, Step: step, Err: ctx.Err()}
}

// IsAborted reports whether err represents cancellation rather than a
// genuine failure.
func IsAborted(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) && de.Kind == KindAborted {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// bestEffort runs a tolerated side effect: failure is logged and swallowed,
// never propagated. The helper keeps the tolerated/fatal distinction
// visible at the call site.
func bestEffort(op string, fn func() error) {
	if err := fn(); err != nil {
		slog.Warn("best-effort operation failed", "op", op, "error", err)
	}
}
