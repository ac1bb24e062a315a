package llm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingMiddleware records one span per completion attempt.
func TracingMiddleware(tracer trace.Tracer) Middleware {
	return func(next CompleteFunc) CompleteFunc {
		return func(ctx context.Context, req Request) (Response, error) {
			ctx, span := tracer.Start(ctx, "llm.complete", trace.WithAttributes(
				attribute.String("llm.provider", req.Provider),
				attribute.String("llm.model", req.Model),
				attribute.Int("llm.max_tokens", req.MaxTokens),
			))
			defer span.End()

			resp, err := next(ctx, req)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return resp, err
			}
			span.SetAttributes(
				attribute.Int("llm.usage.input_tokens", resp.Usage.InputTokens),
				attribute.Int("llm.usage.output_tokens", resp.Usage.OutputTokens),
				attribute.String("llm.stop_reason", resp.StopReason),
			)
			return resp, nil
		}
	}
}
