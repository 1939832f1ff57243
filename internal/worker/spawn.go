package worker

import (
	"context"
	"io"

	"toolhub/internal/shared/async"
	"toolhub/internal/shared/logging"
	"toolhub/internal/worker/servers"
)

// StartInProcess runs a worker runtime on its own goroutine, connected to
// the returned transport by a pair of in-process byte pipes. Nothing but
// serialized messages crosses the boundary; closing the transport ends the
// runtime.
func StartInProcess(ctx context.Context, registry *servers.Registry, opts TransportOptions) *Transport {
	logger := logging.OrNop(opts.Logger)

	requestReader, requestWriter := io.Pipe()
	responseReader, responseWriter := io.Pipe()

	runtime := NewRuntime(registry, logger)
	async.Go(logger, "worker.runtime.serve", func() {
		_ = runtime.Serve(ctx, requestReader, responseWriter)
		// Runtime exit propagates EOF to the host read loop, which rejects
		// anything still pending.
		_ = responseWriter.Close()
	})

	return NewTransport(responseReader, requestWriter, opts, requestWriter, responseReader)
}
