package llm

import (
	"context"

	"github.com/nulzo/provider-gateway/pkg/api"
)

// StreamBuffer is the channel depth used by every adapter.
const StreamBuffer = 16

// Emit delivers res unless the consumer has gone away. A false return means
// the producer must stop and release its connection.
func Emit(ctx context.Context, out chan<- api.StreamResult, res api.StreamResult) bool {
	select {
	case out <- res:
		return true
	case <-ctx.Done():
		return false
	}
}

// EmitChunk is Emit for a successful chunk.
func EmitChunk(ctx context.Context, out chan<- api.StreamResult, chunk *api.StreamChunk) bool {
	return Emit(ctx, out, api.StreamResult{Chunk: chunk})
}

// EmitError reports a mid-stream failure as a streaming error.
func EmitError(ctx context.Context, out chan<- api.StreamResult, provider string, err error) bool {
	var res api.StreamResult
	if api.KindOf(err) == api.KindInternal {
		res.Err = api.StreamingError(provider, err)
	} else {
		res.Err = err
	}
	return Emit(ctx, out, res)
}
