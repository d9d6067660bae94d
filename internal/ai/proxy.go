package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"intelligence-substrate/core/internal/platform"
	"intelligence-substrate/core/internal/policy/domain"
	telemetrydomain "intelligence-substrate/core/internal/telemetry/domain"
)

// DefaultModel is used when neither the caller nor the global policy names a model.
const DefaultModel = "gemini-2.5-flash"

const streamReadSize = 4 << 10

// ErrStreamConsumed is yielded when a stream sequence is ranged over a second time.
var ErrStreamConsumed = errors.New("ai: stream already consumed")

// Engine is the policy engine surface the proxy uses. Implemented by *engine.Engine.
type Engine interface {
	TrackInteraction(appID string, action telemetrydomain.EventType, meta map[string]any)
	GetOptimizedPrompt(prompt, appID string, scope domain.Scope) string
	GetDynamicTemperature() float64
}

// PolicySource supplies model and token defaults. Implemented by *policycache.Cache.
type PolicySource interface {
	Get(ctx context.Context) (domain.GlobalPolicy, error)
}

// Config holds proxy settings.
type Config struct {
	DefaultModel string
	Retry        RetryConfig
	// Scope is the learned-fact scope used for augmentation when a call does not set one.
	Scope domain.Scope
}

// Deps are the proxy's collaborators. Net and Engine are required.
type Deps struct {
	Net    platform.NetworkTransport
	Engine Engine
	Policy PolicySource
	Clock  platform.Clock
	Sleep  Sleeper
	Meters metric.MeterProvider
	Tracer trace.TracerProvider
	Logger *zap.Logger
}

// Proxy routes every generation call through augmentation, retry, and telemetry.
type Proxy struct {
	cfg    Config
	net    platform.NetworkTransport
	engine Engine
	policy PolicySource
	clock  platform.Clock
	sleep  Sleeper
	ins    instruments
	tracer trace.Tracer
	logger *zap.Logger
}

// NewProxy returns a Proxy.
func NewProxy(cfg Config, deps Deps) *Proxy {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.Retry == (RetryConfig{}) {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Scope == "" {
		cfg.Scope = domain.ScopeGlobal
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = platform.SystemClock()
	}
	if deps.Tracer == nil {
		deps.Tracer = tracenoop.NewTracerProvider()
	}
	return &Proxy{
		cfg:    cfg,
		net:    deps.Net,
		engine: deps.Engine,
		policy: deps.Policy,
		clock:  deps.Clock,
		sleep:  deps.Sleep,
		ins:    newInstruments(deps.Meters, deps.Logger),
		tracer: deps.Tracer.Tracer(instrumentationName),
		logger: deps.Logger,
	}
}

// GenerateOptimizedContent augments req, executes it with retry, and records generate/completion/error events.
func (p *Proxy) GenerateOptimizedContent(ctx context.Context, appID string, req Request, isRegen bool) (*Response, error) {
	return p.GenerateWithScope(ctx, appID, p.cfg.Scope, req, isRegen)
}

// GenerateWithScope is GenerateOptimizedContent with an explicit learned-fact scope.
func (p *Proxy) GenerateWithScope(ctx context.Context, appID string, scope domain.Scope, req Request, isRegen bool) (*Response, error) {
	action := telemetrydomain.EventGenerate
	if isRegen {
		action = telemetrydomain.EventRegenerate
	}
	p.engine.TrackInteraction(appID, action, nil)

	req = p.prepare(ctx, appID, scope, req)
	inLen := inputLength(req.Contents)

	ctx, span := p.tracer.Start(ctx, "ai.generate", trace.WithAttributes(
		attribute.String("app_id", appID),
		attribute.String("model", req.Model),
		attribute.Bool("regenerate", isRegen),
	))
	defer span.End()

	start := p.clock.Now()
	resp, err := RetryWithBackoff(ctx, p.cfg.Retry, p.sleep, p.onRetry(ctx, span, "generate"), func(ctx context.Context) (*Response, error) {
		var out Response
		if err := p.net.PostJSON(ctx, GeneratePath, req, &out); err != nil {
			return nil, err
		}
		return &out, nil
	})
	elapsed := p.clock.Now().Sub(start)
	p.ins.record(ctx, "generate", err, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "generate failed")
		p.engine.TrackInteraction(appID, telemetrydomain.EventError, map[string]any{
			"error":      err.Error(),
			"status":     platform.StatusCode(err),
			"latencyMs":  elapsed.Milliseconds(),
			"model":      req.Model,
			"regenerate": isRegen,
		})
		p.logger.Warn("ai: generate failed", zap.String("app_id", appID), zap.String("model", req.Model), zap.Error(err))
		return nil, fmt.Errorf("ai: generate: %w", err)
	}

	outLen := utf8.RuneCountInString(resp.Text)
	span.SetAttributes(attribute.Int("input_length", inLen), attribute.Int("output_length", outLen))
	p.engine.TrackInteraction(appID, telemetrydomain.EventCompletion, map[string]any{
		"inputLength":  inLen,
		"outputLength": outLen,
		"latencyMs":    elapsed.Milliseconds(),
		"model":        req.Model,
	})
	return resp, nil
}

// StreamAIContent posts req to the stream endpoint and yields text fragments as NDJSON lines arrive. The
// sequence is single-use. Streams are not retried.
func (p *Proxy) StreamAIContent(ctx context.Context, req Request) iter.Seq2[string, error] {
	if req.Model == "" {
		req.Model = p.cfg.DefaultModel
	}
	var used atomic.Bool
	return func(yield func(string, error) bool) {
		if used.Swap(true) {
			yield("", ErrStreamConsumed)
			return
		}
		ctx, span := p.tracer.Start(ctx, "ai.stream", trace.WithAttributes(attribute.String("model", req.Model)))
		defer span.End()
		start := p.clock.Now()
		var streamErr error
		defer func() { p.ins.record(ctx, "stream", streamErr, p.clock.Now().Sub(start)) }()

		body, err := p.net.OpenStream(ctx, StreamPath, req)
		if err != nil {
			streamErr = fmt.Errorf("ai: stream: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "open failed")
			yield("", streamErr)
			return
		}
		defer body.Close()

		dec := NewStreamDecoder(p.logger)
		buf := make([]byte, streamReadSize)
		for {
			n, rerr := body.Read(buf)
			if n > 0 {
				for _, text := range dec.Feed(buf[:n]) {
					if !yield(text, nil) {
						return
					}
				}
			}
			if errors.Is(rerr, io.EOF) {
				break
			}
			if rerr != nil {
				streamErr = fmt.Errorf("ai: stream read: %w", rerr)
				span.RecordError(rerr)
				span.SetStatus(codes.Error, "read failed")
				yield("", streamErr)
				return
			}
		}
		for _, text := range dec.Finish() {
			if !yield(text, nil) {
				return
			}
		}
		span.SetAttributes(attribute.Int("skipped_lines", dec.Skipped()))
	}
}

// GenerateVideo requests a video and returns its proxy URL, or nil when the server returned none.
func (p *Proxy) GenerateVideo(ctx context.Context, appID string, req VideoRequest) (*string, error) {
	p.engine.TrackInteraction(appID, telemetrydomain.EventGenerate, map[string]any{"kind": "video"})
	if req.Model == "" {
		req.Model = p.cfg.DefaultModel
	}

	ctx, span := p.tracer.Start(ctx, "ai.video", trace.WithAttributes(
		attribute.String("app_id", appID),
		attribute.String("model", req.Model),
	))
	defer span.End()

	start := p.clock.Now()
	out, err := RetryWithBackoff(ctx, p.cfg.Retry, p.sleep, p.onRetry(ctx, span, "video"), func(ctx context.Context) (videoResponse, error) {
		var out videoResponse
		err := p.net.PostJSON(ctx, VideoPath, req, &out)
		return out, err
	})
	elapsed := p.clock.Now().Sub(start)
	p.ins.record(ctx, "video", err, elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "video failed")
		p.engine.TrackInteraction(appID, telemetrydomain.EventError, map[string]any{
			"error":     err.Error(),
			"status":    platform.StatusCode(err),
			"latencyMs": elapsed.Milliseconds(),
			"model":     req.Model,
			"kind":      "video",
		})
		return nil, fmt.Errorf("ai: video: %w", err)
	}
	p.engine.TrackInteraction(appID, telemetrydomain.EventCompletion, map[string]any{
		"inputLength": utf8.RuneCountInString(req.Prompt),
		"latencyMs":   elapsed.Milliseconds(),
		"model":       req.Model,
		"kind":        "video",
	})
	return out.ProxyURL, nil
}

// prepare fills temperature, model, and token budget and rewrites the prompt text. req is not mutated.
func (p *Proxy) prepare(ctx context.Context, appID string, scope domain.Scope, req Request) Request {
	cfg := GenerationConfig{}
	if req.Config != nil {
		cfg = *req.Config
	}
	if cfg.Temperature == nil {
		t := p.engine.GetDynamicTemperature()
		cfg.Temperature = &t
	}

	policy := domain.DefaultGlobalPolicy()
	if p.policy != nil {
		var err error
		if policy, err = p.policy.Get(ctx); err != nil {
			p.logger.Debug("ai: global policy unavailable, using defaults", zap.Error(err))
		}
	}
	if req.Model == "" {
		if m, ok := policy.Model(appID); ok {
			req.Model = m
		} else {
			req.Model = p.cfg.DefaultModel
		}
	}
	if cfg.MaxOutputTokens <= 0 {
		if n, ok := policy.MaxOutputTokens(appID); ok {
			cfg.MaxOutputTokens = n
		}
	}
	req.Config = &cfg

	if text, ok := promptText(req.Contents); ok {
		if augmented := p.engine.GetOptimizedPrompt(text, appID, scope); augmented != text {
			req.Contents = withPromptText(req.Contents, augmented)
		}
	}
	return req
}

func (p *Proxy) onRetry(ctx context.Context, span trace.Span, op string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		p.ins.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", op)))
		span.AddEvent("retry", trace.WithAttributes(
			attribute.Int("attempt", attempt),
			attribute.Int64("delay_ms", delay.Milliseconds()),
			attribute.Int("status", platform.StatusCode(err)),
		))
		p.logger.Debug("ai: retrying", zap.String("operation", op), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}
}
