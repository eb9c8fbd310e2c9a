package proxy

import (
	"bufio"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/queue"
	"github.com/nulpointcorp/keygate/internal/sse"
)

const (
	// joinDrainWindow bounds the client's drain of the queue-join frame.
	joinDrainWindow = 5 * time.Second

	// streamWriteWindow bounds every later write so a client that stops
	// reading surfaces as an error well before the server write timeout.
	streamWriteWindow = 10 * time.Second
)

// writeDeadliner is the slice of net.Conn the stream writer uses.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// deadlineWriter arms a write deadline before every write and flush. A
// socket the client stopped draining blocks instead of erroring; the
// deadline turns the block into a write error, which the heartbeater and
// the render loop already treat as a dead client.
type deadlineWriter struct {
	w      queue.WriteFlusher
	conn   writeDeadliner
	window time.Duration
}

func (d *deadlineWriter) Write(p []byte) (int, error) {
	if d.conn != nil {
		d.conn.SetWriteDeadline(time.Now().Add(d.window))
	}
	return d.w.Write(p)
}

func (d *deadlineWriter) Flush() error {
	if d.conn != nil {
		d.conn.SetWriteDeadline(time.Now().Add(d.window))
	}
	return d.w.Flush()
}

// serveStream owns the streaming response: join handshake, heartbeats while
// queued, dispatch with re-enqueue on retryable failures, and the terminal
// [DONE] frame.
func (o *Orchestrator) serveStream(ctx *fasthttp.RequestCtx, in *inboundRequest, r *queue.Request) {
	start := o.now()

	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	conn := ctx.Conn()
	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			if rec := recover(); rec != nil {
				o.log.Error("stream writer panic",
					slog.String("request_id", in.RequestID),
					slog.Any("panic", rec))
			}
		}()

		sw := &deadlineWriter{w: w, conn: conn, window: joinDrainWindow}

		// Join handshake: the client has joinDrainWindow to drain the
		// padded position frame; a socket that never drains errors out
		// instead of holding the writer goroutine.
		if _, err := sw.Write(queue.JoinFrame(o.queue.Position(r))); err != nil {
			o.queue.Remove(r)
			return
		}
		if err := sw.Flush(); err != nil {
			o.queue.Remove(r)
			return
		}
		sw.window = streamWriteWindow

		req := r
		for {
			if err := o.waitTurn(sw, req); err != nil {
				if errors.Is(err, queue.ErrStalled) {
					o.writeSpoof(sw, in, "Your request stalled in the queue and was dropped. Please try again.")
				}
				return
			}
			o.observeQueueWait(req)

			sess, err := o.dispatch(o.baseCtx, in)
			if err != nil {
				if next := o.maybeRetry(in, req, err); next != nil {
					req = next
					continue
				}
				o.writeSpoof(sw, in, clientMessage(err))
				return
			}

			outputTokens, err := o.consume(in, sess, func(c sse.Chunk) error {
				if _, werr := sw.Write(renderChunk(in.Dialect, c)); werr != nil {
					return werr
				}
				return sw.Flush()
			})
			if err != nil {
				if next := o.maybeRetry(in, req, err); next != nil {
					req = next
					continue
				}
				o.writeSpoof(sw, in, clientMessage(err))
				return
			}

			o.finishUsage(in, sess.key, outputTokens, o.now().Sub(start), fasthttp.StatusOK)
			sw.Write(doneFrame)
			sw.Flush()
			return
		}
	})
}

// waitTurn heartbeats the stream until the queue releases the request.
// Returns the eviction reason, or ErrBackPressure when the client stopped
// draining.
func (o *Orchestrator) waitTurn(w queue.WriteFlusher, r *queue.Request) error {
	stop := make(chan struct{})
	hbDone := make(chan error, 1)
	hb := &queue.Heartbeater{Load: o.queue.Load}
	go func() { hbDone <- hb.Run(w, stop) }()

	select {
	case <-r.Proceed():
		close(stop)
		<-hbDone
		return nil
	case err := <-r.Evicted():
		close(stop)
		<-hbDone
		return err
	case err := <-hbDone:
		o.queue.Remove(r)
		return err
	}
}

// serveBlocking waits out the queue in the handler goroutine, dispatches,
// and aggregates the canonical stream back into a single response body.
func (o *Orchestrator) serveBlocking(ctx *fasthttp.RequestCtx, in *inboundRequest, r *queue.Request) {
	start := o.now()

	req := r
	for {
		select {
		case <-req.Proceed():
		case err := <-req.Evicted():
			o.writeHTTPError(ctx, err)
			return
		case <-ctx.Done():
			o.queue.Remove(req)
			return
		}
		o.observeQueueWait(req)

		sess, err := o.dispatch(o.baseCtx, in)
		if err != nil {
			if next := o.maybeRetry(in, req, err); next != nil {
				req = next
				continue
			}
			o.writeHTTPError(ctx, err)
			return
		}

		agg := sse.NewAggregator(in.Dialect)
		outputTokens, err := o.consume(in, sess, func(c sse.Chunk) error {
			agg.Add(c)
			return nil
		})
		if err != nil {
			if next := o.maybeRetry(in, req, err); next != nil {
				req = next
				continue
			}
			o.writeHTTPError(ctx, err)
			return
		}

		body, err := agg.Body()
		if err != nil {
			o.writeHTTPError(ctx, err)
			return
		}
		o.finishUsage(in, sess.key, outputTokens, o.now().Sub(start), http.StatusOK)
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		return
	}
}

// maybeRetry re-enqueues the request after a retryable failure, up to the
// cap. Returns the replacement request, or nil when the failure must
// surface.
func (o *Orchestrator) maybeRetry(in *inboundRequest, r *queue.Request, err error) *queue.Request {
	if !retryable(err) || r.RetryCount >= maxRetries {
		return nil
	}
	next := queue.NewRequest(r.Family, r.Identifier, r.ClientIP, r.SharedIP, r.Streaming)
	next.RetryCount = r.RetryCount + 1
	if qerr := o.queue.Enqueue(next); qerr != nil {
		return nil
	}
	o.log.Info("request re-enqueued",
		slog.String("request_id", in.RequestID),
		slog.Int("retry", next.RetryCount),
		slog.String("cause", err.Error()))
	if o.metrics != nil {
		o.metrics.RecordRetry(string(r.Family))
	}
	return next
}

func (o *Orchestrator) observeQueueWait(r *queue.Request) {
	if o.metrics == nil || r.QueueOutAt.IsZero() {
		return
	}
	o.metrics.ObserveQueueWait(string(r.Family), r.QueueOutAt.Sub(r.EnqueuedAt))
}

// writeSpoof emits an error as a dialect-native completion so naive
// streaming clients render the message, then terminates the stream.
func (o *Orchestrator) writeSpoof(w queue.WriteFlusher, in *inboundRequest, message string) {
	w.Write(spoofFrames(in.Dialect, in.RequestID, in.Model, message))
	w.Flush()
	if o.metrics != nil {
		o.metrics.RecordSpoofedError(string(in.Service))
	}
}
