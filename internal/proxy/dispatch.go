package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/sse"
)

// streamSession is one open upstream response, ready to be demarshalled.
type streamSession struct {
	resp        *http.Response
	call        *upstreamCall
	transformer *sse.Transformer
	key         *keypool.Key
}

// dispatch obtains a key, signs and opens the upstream connection, and
// classifies any pre-stream failure. ctx should outlive the whole stream.
func (o *Orchestrator) dispatch(ctx context.Context, in *inboundRequest) (*streamSession, error) {
	key, err := o.pool.Get(in.Model, in.Service)
	if err != nil {
		return nil, err
	}

	call, err := o.buildUpstream(ctx, in, key)
	if err != nil {
		return nil, err
	}

	start := o.now()
	resp, err := o.client.Do(call.req)
	if err != nil {
		o.pool.MarkRateLimited(in.Service, key.Fingerprint)
		if o.metrics != nil {
			o.metrics.RecordUpstreamAttempt(string(in.Service), "network_error", o.now().Sub(start))
		}
		return nil, &upstreamError{
			Service:   in.Service,
			Code:      "network_error",
			Message:   err.Error(),
			Retryable: true,
		}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		if o.metrics != nil {
			o.metrics.RecordUpstreamAttempt(string(in.Service), "upstream_error", o.now().Sub(start))
		}
		return nil, o.classifyFailure(in, key, resp)
	}
	if o.metrics != nil {
		o.metrics.RecordUpstreamAttempt(string(in.Service), "ok", o.now().Sub(start))
	}

	o.log.Debug("upstream opened",
		slog.String("request_id", in.RequestID),
		slog.String("service", string(in.Service)),
		slog.String("key", key.Fingerprint),
		slog.Duration("connect", o.now().Sub(start)))

	return &streamSession{
		resp:        resp,
		call:        call,
		transformer: sse.NewTransformer(call.dialect, call.apiVersion, in.RequestID, in.Model),
		key:         key,
	}, nil
}

// consume drains the upstream body through the adapter and transformer,
// handing each canonical chunk to emit. Returns the estimated output token
// count.
func (o *Orchestrator) consume(in *inboundRequest, sess *streamSession, emit func(sse.Chunk) error) (int, error) {
	defer sess.resp.Body.Close()

	outChars := 0
	handle := func(events []sse.Event) error {
		for _, ev := range events {
			chunks, err := sess.transformer.Transform(ev)
			if err != nil {
				return o.classifyStreamError(in, sess.key, err)
			}
			for _, c := range chunks {
				for _, choice := range c.Choices {
					outChars += len(choice.Delta.Content)
				}
				if err := emit(c); err != nil {
					return err
				}
			}
		}
		return nil
	}

	buf := make([]byte, 32*1024)
	for {
		n, rerr := sess.resp.Body.Read(buf)
		if n > 0 {
			events, aerr := sess.call.adapter.Feed(buf[:n])
			if aerr != nil {
				return outChars / 4, o.classifyStreamError(in, sess.key, aerr)
			}
			if err := handle(events); err != nil {
				return outChars / 4, err
			}
		}
		if rerr == io.EOF {
			events, aerr := sess.call.adapter.Finish()
			if aerr != nil {
				return outChars / 4, o.classifyStreamError(in, sess.key, aerr)
			}
			if err := handle(events); err != nil {
				return outChars / 4, err
			}
			return outChars / 4, nil
		}
		if rerr != nil {
			o.pool.MarkRateLimited(in.Service, sess.key.Fingerprint)
			return outChars / 4, &upstreamError{
				Service:   in.Service,
				Code:      "stream_interrupted",
				Message:   rerr.Error(),
				Retryable: true,
			}
		}
	}
}

// classifyStreamError converts mid-stream adapter and transformer failures
// into classified upstream errors, applying pool actions first.
func (o *Orchestrator) classifyStreamError(in *inboundRequest, key *keypool.Key, err error) error {
	var retryable *sse.RetryableError
	if errors.As(err, &retryable) {
		o.pool.MarkRateLimited(in.Service, key.Fingerprint)
		return &upstreamError{
			Service:   in.Service,
			Code:      retryable.Reason,
			Message:   retryable.Error(),
			Retryable: true,
		}
	}

	var upstream *sse.UpstreamErrorEvent
	if errors.As(err, &upstream) {
		lowered := strings.ToLower(upstream.Payload)
		ue := &upstreamError{
			Service: in.Service,
			Code:    "upstream_error_event",
			Message: upstream.Payload,
		}
		if strings.Contains(lowered, "throttl") || strings.Contains(lowered, "overloaded") {
			o.pool.MarkRateLimited(in.Service, key.Fingerprint)
			ue.Retryable = true
		}
		return ue
	}
	return err
}

// finishUsage records a completed dispatch against the key and the usage
// sink.
func (o *Orchestrator) finishUsage(in *inboundRequest, key *keypool.Key, outputTokens int, latency time.Duration, status int) {
	total := int64(in.PromptTokens + outputTokens)
	o.pool.IncrementUsage(in.Service, key.Fingerprint, in.Model, total)
	if o.metrics != nil {
		o.metrics.AddTokens(string(in.Service), string(in.Family), in.PromptTokens, outputTokens)
	}
	if o.usageLog != nil {
		o.usageLog.Log(in.RequestID, string(in.Service), in.Model, key.Fingerprint,
			in.PromptTokens, outputTokens, latency, status)
	}
}

// retryable reports whether a dispatch failure should re-enqueue.
func retryable(err error) bool {
	var ue *upstreamError
	return errors.As(err, &ue) && ue.Retryable
}
