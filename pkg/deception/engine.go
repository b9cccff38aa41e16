// Package deception runs the per-session persona state machine: it collects
// interactions, asks the decision oracle (or the heuristic classifier when
// the oracle fails) whether to switch persona every N interactions, weighs
// the answer against learned strategy weights, and commits transitions.
package deception

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"personashift/pkg/heuristic"
	"personashift/pkg/metrics"
	"personashift/pkg/oracle"
	"personashift/pkg/persona"
	"personashift/pkg/strategy"
	"personashift/shared/config"
	"personashift/shared/eventbus"
)

var (
	ErrSessionClosed  = errors.New("deception: session closed")
	ErrUnknownSession = errors.New("deception: unknown session")
	ErrSessionExists  = errors.New("deception: session already open")
	ErrInvalidConfig  = errors.New("deception: invalid configuration")
)

// BiasMode selects how learned weights influence a proposed switch.
type BiasMode string

const (
	// BiasOff skips the strategy lookup.
	BiasOff BiasMode = "off"
	// BiasAdvisory looks the weights up and records them; the proposal stands.
	BiasAdvisory BiasMode = "advisory"
	// BiasPreferLearned stays when the current persona outweighs the
	// candidate by more than the tolerance.
	BiasPreferLearned BiasMode = "prefer-learned"
)

func ParseBiasMode(s string) (BiasMode, error) {
	switch m := BiasMode(s); m {
	case BiasOff, BiasAdvisory, BiasPreferLearned:
		return m, nil
	case "":
		return BiasAdvisory, nil
	}
	return "", fmt.Errorf("%w: unknown bias mode %q", ErrInvalidConfig, s)
}

type Config struct {
	// EvalInterval is N: the pipeline runs when the counter is a multiple of N.
	EvalInterval int
	// WindowSize bounds the rolling interaction window.
	WindowSize int
	// RetainAfterSwitch is K: the window keeps its trailing K entries after a switch.
	RetainAfterSwitch int
	InitialPersona    string
	BiasMode          BiasMode
	BiasTolerance     float64
	// OracleTimeout bounds one oracle call; zero leaves it to the oracle.
	OracleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		EvalInterval:      3,
		WindowSize:        25,
		RetainAfterSwitch: 3,
		InitialPersona:    persona.DefaultName,
		BiasMode:          BiasAdvisory,
		BiasTolerance:     0.5,
		OracleTimeout:     8 * time.Second,
	}
}

// FromConfig maps the deception section of the service configuration.
func FromConfig(c config.DeceptionConfig, oracleTimeout time.Duration) (Config, error) {
	mode, err := ParseBiasMode(c.BiasMode)
	if err != nil {
		return Config{}, err
	}
	return Config{
		EvalInterval:      c.EvalInterval,
		WindowSize:        c.WindowSize,
		RetainAfterSwitch: c.RetainAfterSwitch,
		InitialPersona:    c.InitialPersona,
		BiasMode:          mode,
		BiasTolerance:     c.BiasTolerance,
		OracleTimeout:     oracleTimeout,
	}, nil
}

func (c Config) validate(catalog *persona.Catalog) error {
	switch {
	case c.EvalInterval < 1:
		return fmt.Errorf("%w: evaluation interval must be >= 1, got %d", ErrInvalidConfig, c.EvalInterval)
	case c.WindowSize < 1:
		return fmt.Errorf("%w: window size must be >= 1, got %d", ErrInvalidConfig, c.WindowSize)
	case c.RetainAfterSwitch < 0 || c.RetainAfterSwitch > c.WindowSize:
		return fmt.Errorf("%w: retain-after-switch must be within [0, %d]", ErrInvalidConfig, c.WindowSize)
	case c.BiasTolerance < 0:
		return fmt.Errorf("%w: negative bias tolerance", ErrInvalidConfig)
	case !catalog.Has(c.InitialPersona):
		return fmt.Errorf("%w: initial persona %q not in catalog", ErrInvalidConfig, c.InitialPersona)
	}
	return nil
}

// Engine holds what every session shares. It is safe for concurrent use.
type Engine struct {
	cfg        Config
	catalog    *persona.Catalog
	oracle     oracle.Oracle
	classifier *heuristic.Classifier
	store      strategy.Reader
	bus        eventbus.Publisher
	metrics    *metrics.Deception
	log        *zap.Logger
	now        func() time.Time
}

type Option func(*Engine)

func WithOracle(o oracle.Oracle) Option { return func(e *Engine) { e.oracle = o } }

func WithClassifier(c *heuristic.Classifier) Option { return func(e *Engine) { e.classifier = c } }

// WithStore sets the learned-weight source of the bias step.
func WithStore(r strategy.Reader) Option { return func(e *Engine) { e.store = r } }

func WithPublisher(p eventbus.Publisher) Option { return func(e *Engine) { e.bus = p } }

func WithMetrics(m *metrics.Deception) Option { return func(e *Engine) { e.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func New(cfg Config, catalog *persona.Catalog, opts ...Option) (*Engine, error) {
	if catalog == nil {
		return nil, fmt.Errorf("%w: nil catalog", ErrInvalidConfig)
	}
	if cfg.BiasMode == "" {
		cfg.BiasMode = BiasAdvisory
	}
	if err := cfg.validate(catalog); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		catalog:    catalog,
		oracle:     oracle.Disabled{},
		classifier: heuristic.Default(),
		log:        zap.NewNop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	if e.oracle == nil {
		e.oracle = oracle.Disabled{}
	}
	if e.store == nil && e.cfg.BiasMode != BiasOff {
		e.log.Warn("no strategy store configured; bias checks see zero weights")
	}
	e.log = e.log.Named("deception")
	return e, nil
}

func (e *Engine) Config() Config            { return e.cfg }
func (e *Engine) Catalog() *persona.Catalog { return e.catalog }

// NewSession starts a session on the initial persona. Sessions are usually
// opened through a Manager.
func (e *Engine) NewSession(id string) *Session {
	p, _ := e.catalog.Get(e.cfg.InitialPersona)
	ctx, cancel := context.WithCancel(context.Background())
	now := e.now()
	return &Session{
		id:       id,
		engine:   e,
		persona:  p,
		initial:  p.Name,
		window:   make([]oracle.Interaction, 0, e.cfg.WindowSize),
		ctx:      ctx,
		cancel:   cancel,
		openedAt: now,
		lastSeen: now,
	}
}

func (e *Engine) publish(ctx context.Context, evt eventbus.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, evt); err != nil && !errors.Is(err, eventbus.ErrClosed) {
		e.log.Warn("publish event", zap.String("type", evt.Type), zap.Error(err))
	}
}
