package proxy

import (
	"context"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keygate/internal/keypool"
	"github.com/nulpointcorp/keygate/internal/queue"
	"github.com/nulpointcorp/keygate/pkg/apierr"
)

// clientMessage is the text surfaced to clients for a dispatch failure.
// Secrets and fingerprints never appear here.
func clientMessage(err error) string {
	var ue *upstreamError
	switch {
	case errors.Is(err, keypool.ErrNoKeyAvailable):
		return "No API key is currently available for the requested model. Please try again later."
	case errors.As(err, &ue):
		if ue.Message != "" {
			return ue.Message
		}
		return "The upstream provider rejected the request."
	default:
		return "The proxy encountered an internal error handling the request."
	}
}

// writeHTTPError maps a pre-stream failure to an HTTP status and the
// OpenAI-shaped error envelope.
func (o *Orchestrator) writeHTTPError(ctx *fasthttp.RequestCtx, err error) {
	var (
		bad *errBadRequest
		ue  *upstreamError
	)
	switch {
	case errors.As(err, &bad):
		apierr.Write(ctx, fasthttp.StatusBadRequest, bad.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)

	case errors.Is(err, errRateLimited):
		apierr.WriteRateLimit(ctx)

	case errors.Is(err, errStreamRequired):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"the queue is under heavy load; retry with \"stream\": true",
			apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)

	case errors.Is(err, queue.ErrQueueFull):
		ctx.Response.Header.Set("Retry-After", "30")
		apierr.Write(ctx, fasthttp.StatusTooManyRequests,
			"you already have a request in the queue; wait for it to finish",
			apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded)

	case errors.Is(err, queue.ErrStalled):
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			"request stalled in the queue; try again later",
			apierr.TypeProviderError, apierr.CodeProviderError)

	case errors.Is(err, queue.ErrRemoved):
		// Client went away; nothing to write.

	case errors.Is(err, keypool.ErrNoKeyAvailable):
		apierr.Write(ctx, fasthttp.StatusPaymentRequired, clientMessage(err),
			apierr.TypeProviderError, apierr.CodeNoKeyAvailable)

	case errors.Is(err, keypool.ErrUnknownModel):
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)

	case errors.As(err, &ue):
		apierr.WriteProviderError(ctx, ue.HTTPStatus(), clientMessage(err))

	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)

	default:
		apierr.Write(ctx, fasthttp.StatusInternalServerError, clientMessage(err),
			apierr.TypeServerError, apierr.CodeInternalError)
	}
}
