package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"personashift/pkg/circuitbreaker"
	"personashift/shared/config"
)

type OpenAIConfig struct {
	APIKey           string
	BaseURL          string
	Model            string
	Timeout          time.Duration
	ContextSize      int
	FailureThreshold int
	Cooldown         time.Duration
	// Options are appended to the client options.
	Options []option.RequestOption
}

// OpenAI asks a chat-completion model for a decision. Calls are bounded by
// Timeout and short-circuited while the breaker is open.
type OpenAI struct {
	client  openai.Client
	cfg     OpenAIConfig
	breaker *circuitbreaker.CircuitBreaker
	tracer  trace.Tracer
	logger  *zap.Logger
}

func NewOpenAI(cfg OpenAIConfig, logger *zap.Logger) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: no API key configured", ErrDisabled)
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.ContextSize <= 0 {
		cfg.ContextSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, cfg.Options...)

	o := &OpenAI{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		tracer: otel.Tracer("personashift/oracle"),
		logger: logger,
	}
	o.breaker = circuitbreaker.New("oracle", circuitbreaker.Settings{
		FailureThreshold: uint32(max(cfg.FailureThreshold, 0)),
		Timeout:          cfg.Cooldown,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			logger.Warn("oracle circuit state change", zap.String("breaker", name),
				zap.Stringer("from", from), zap.Stringer("to", to))
		},
	})
	return o, nil
}

// Breaker exposes the circuit state for health reporting.
func (o *OpenAI) Breaker() *circuitbreaker.CircuitBreaker { return o.breaker }

func (o *OpenAI) Decide(ctx context.Context, req Request) (Decision, error) {
	ctx, span := o.tracer.Start(ctx, "oracle.decide", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("persona.current", req.CurrentPersona),
		attribute.String("oracle.model", o.cfg.Model),
		attribute.Int("window.size", len(req.Window)),
	))
	defer span.End()

	var reply string
	err := o.breaker.Execute(func() error {
		var callErr error
		reply, callErr = o.complete(ctx, req)
		return callErr
	}, func(err error) bool {
		// a cancelled caller says nothing about the model's health
		return !errors.Is(err, context.Canceled)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "oracle call failed")
		switch {
		case errors.Is(err, circuitbreaker.ErrCircuitOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
			return Decision{}, ErrCircuitOpen
		case errors.Is(err, ErrUnavailable):
			return Decision{}, err
		default:
			return Decision{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
	}

	d, err := ParseDecision(reply)
	if err != nil {
		o.logger.Warn("oracle reply rejected", zap.String("session_id", req.SessionID), zap.Error(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "malformed decision")
		return Decision{}, err
	}
	span.SetAttributes(attribute.String("decision.action", string(d.Action)),
		attribute.String("decision.persona", d.NewPersona))
	return d, nil
}

func (o *OpenAI) complete(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.cfg.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(BuildPrompt(req, o.cfg.ContextSize)),
		},
		Temperature: openai.Float(0.4),
		MaxTokens:   openai.Int(500),
	}
	completion, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ErrMalformedDecision)
	}
	return completion.Choices[0].Message.Content, nil
}

// FromConfig builds the configured oracle. A disabled oracle, or one without
// an API key, yields Disabled so every evaluation uses the heuristic.
func FromConfig(c config.OracleConfig, contextSize int, logger *zap.Logger) Oracle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !c.Enabled {
		logger.Info("oracle disabled by configuration")
		return Disabled{}
	}
	o, err := NewOpenAI(OpenAIConfig{
		APIKey:           c.APIKey,
		BaseURL:          c.BaseURL,
		Model:            c.Model,
		Timeout:          c.Timeout,
		ContextSize:      contextSize,
		FailureThreshold: c.FailureThreshold,
		Cooldown:         c.Cooldown,
	}, logger)
	if err != nil {
		logger.Warn("oracle unavailable, heuristic only", zap.Error(err))
		return Disabled{}
	}
	return o
}
