package learning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/zap"

	"personashift/pkg/metrics"
	"personashift/pkg/sessionlog"
	"personashift/pkg/strategy"
)

// Options configures a Learner.
type Options struct {
	// Dirs are scanned in order; the first copy of a session wins.
	Dirs           []string
	Smoothing      strategy.Smoothing
	Attribution    Attribution
	DefaultPersona string
	// MaxRetries bounds the retries of a session write after ErrWriteConflict.
	MaxRetries   int
	RetryBackoff time.Duration
	Owner        string
	TagBonus     map[string]int
	Logger       *zap.Logger
	Metrics      *metrics.Learning
}

// Summary reports one run.
type Summary struct {
	Seen             int      `json:"sessions_seen"`
	Applied          int      `json:"sessions_applied"`
	AlreadyProcessed int      `json:"already_processed"`
	Malformed        int      `json:"malformed"`
	Failed           int      `json:"failed"`
	UpdatedPersonas  []string `json:"updated_personas"`
}

// Learner folds session records into a strategy store.
type Learner struct {
	store strategy.Store
	agg   *Aggregator
	opts  Options
	log   *zap.Logger
}

func New(store strategy.Store, opts Options) *Learner {
	if opts.Attribution == "" {
		opts.Attribution = Proportional
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 50 * time.Millisecond
	}
	if opts.Owner == "" {
		host, _ := os.Hostname()
		opts.Owner = fmt.Sprintf("%s/%d", host, os.Getpid())
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Learner{store: store, agg: NewAggregator(opts.TagBonus), opts: opts, log: log.Named("learner")}
}

// Run learns from every record found in the configured directories.
func (l *Learner) Run(ctx context.Context) (Summary, error) {
	paths, err := sessionlog.Discover(l.opts.Dirs...)
	if err != nil {
		return Summary{}, err
	}
	var (
		sessions  []sessionlog.Session
		malformed int
	)
	for _, p := range paths {
		s, err := sessionlog.ReadFile(p)
		if err != nil {
			l.log.Warn("skipping malformed session record", zap.String("path", p), zap.Error(err))
			l.opts.Metrics.Session("malformed")
			malformed++
			continue
		}
		sessions = append(sessions, s)
	}
	sum, err := l.Learn(ctx, sessions)
	sum.Seen += malformed
	sum.Malformed += malformed
	return sum, err
}

// Learn applies sessions in chronological order under the store's run lock,
// refreshing the lock before each session. An unavailable store or a lost
// lock aborts the run; a session whose write keeps conflicting is counted as
// failed and the run continues.
func (l *Learner) Learn(ctx context.Context, sessions []sessionlog.Session) (Summary, error) {
	sum := Summary{Seen: len(sessions), UpdatedPersonas: []string{}}
	start := time.Now()
	defer l.opts.Metrics.Run(start)

	lock, err := l.store.AcquireRunLock(ctx, l.opts.Owner)
	if err != nil {
		return sum, fmt.Errorf("acquire run lock: %w", err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			l.log.Warn("release run lock", zap.Error(err))
		}
	}()
	if err := l.store.Ping(ctx); err != nil {
		return sum, fmt.Errorf("strategy store: %w", err)
	}

	seen := map[string]bool{}
	unique := make([]sessionlog.Session, 0, len(sessions))
	for _, s := range sessions {
		if seen[s.ID] {
			sum.AlreadyProcessed++
			l.opts.Metrics.Session("already_processed")
			continue
		}
		seen[s.ID] = true
		unique = append(unique, s)
	}

	updated := map[string]bool{}
	for _, s := range chronological(unique) {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := lock.Refresh(ctx); err != nil {
			return sum, fmt.Errorf("run lock lost: %w", err)
		}
		log := l.log.With(zap.String("session_id", s.ID))
		done, err := l.store.IsProcessed(ctx, s.ID)
		if err != nil {
			if errors.Is(err, strategy.ErrUnavailable) {
				return sum, fmt.Errorf("strategy store: %w", err)
			}
			log.Error("processed check failed", zap.Error(err))
			sum.Failed++
			l.opts.Metrics.Session("failed")
			continue
		}
		if done {
			sum.AlreadyProcessed++
			l.opts.Metrics.Session("already_processed")
			continue
		}

		u := l.Update(s)
		applied, err := l.apply(ctx, u)
		switch {
		case errors.Is(err, strategy.ErrUnavailable):
			return sum, fmt.Errorf("strategy store: %w", err)
		case err != nil:
			log.Error("session not applied", zap.Error(err))
			sum.Failed++
			l.opts.Metrics.Session("failed")
		case !applied:
			sum.AlreadyProcessed++
			l.opts.Metrics.Session("already_processed")
		default:
			sum.Applied++
			l.opts.Metrics.Session("applied")
			for _, c := range u.Credits {
				updated[c.Persona] = true
			}
			log.Debug("session applied",
				zap.Float64("engagement", u.Metrics.EngagementScore),
				zap.Float64("threat", u.Metrics.ThreatScore),
				zap.Int("personas", len(u.Credits)))
		}
	}

	for p := range updated {
		sum.UpdatedPersonas = append(sum.UpdatedPersonas, p)
	}
	sort.Strings(sum.UpdatedPersonas)
	l.publishWeights(ctx)
	l.log.Info("learning run finished",
		zap.Int("seen", sum.Seen),
		zap.Int("applied", sum.Applied),
		zap.Int("already_processed", sum.AlreadyProcessed),
		zap.Int("failed", sum.Failed),
		zap.Duration("took", time.Since(start)))
	return sum, nil
}

// Update builds the store write for one session.
func (l *Learner) Update(s sessionlog.Session) strategy.SessionUpdate {
	rows, initial, final := Effectiveness(s, l.opts.DefaultPersona)
	m := l.agg.Metrics(s, initial, final)
	return strategy.SessionUpdate{
		Metrics:       m,
		Effectiveness: rows,
		Credits:       l.opts.Attribution.Credits(m, rows, final),
		Smoothing:     l.opts.Smoothing,
		Source:        s.Path,
	}
}

func (l *Learner) apply(ctx context.Context, u strategy.SessionUpdate) (bool, error) {
	for attempt := 0; ; attempt++ {
		applied, err := l.store.ApplySession(ctx, u)
		if err == nil || !errors.Is(err, strategy.ErrWriteConflict) || attempt >= l.opts.MaxRetries {
			return applied, err
		}
		l.opts.Metrics.Retry()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.opts.RetryBackoff * time.Duration(attempt+1)):
		}
	}
}

func (l *Learner) publishWeights(ctx context.Context) {
	if l.opts.Metrics == nil {
		return
	}
	rows, err := l.store.ListStrategies(ctx)
	if err != nil {
		return
	}
	for _, r := range rows {
		l.opts.Metrics.Weight(r.Persona, r.EngagementWeight, r.ThreatWeight)
	}
}

// chronological orders by end time (start time when the end is unknown),
// then session id.
func chronological(in []sessionlog.Session) []sessionlog.Session {
	out := append([]sessionlog.Session(nil), in...)
	key := func(s sessionlog.Session) time.Time {
		if !s.End.IsZero() {
			return s.End
		}
		return s.Start
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := key(out[i]), key(out[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
