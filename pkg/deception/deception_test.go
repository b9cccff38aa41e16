package deception

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"personashift/pkg/oracle"
	"personashift/pkg/persona"
	"personashift/pkg/strategy"
	"personashift/shared/eventbus"
	"personashift/shared/ledger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type weights map[string]strategy.PersonaStrategy

func (w weights) Strategies(_ context.Context, names ...string) (map[string]strategy.PersonaStrategy, error) {
	out := map[string]strategy.PersonaStrategy{}
	for _, n := range names {
		if r, ok := w[n]; ok {
			out[n] = r
		}
	}
	return out, nil
}

type brokenStore struct{}

func (brokenStore) Strategies(context.Context, ...string) (map[string]strategy.PersonaStrategy, error) {
	return nil, strategy.ErrUnavailable
}

func newEngine(t *testing.T, mutate func(*Config), opts ...Option) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := New(cfg, persona.DefaultCatalog(), opts...)
	require.NoError(t, err)
	return e
}

func switchTo(name, reason string) oracle.Oracle {
	return oracle.Func(func(context.Context, oracle.Request) (oracle.Decision, error) {
		return oracle.Decision{Action: oracle.ActionSwitch, NewPersona: name, Reason: reason}, nil
	})
}

func interact(t *testing.T, s *Session, lines ...string) Evaluation {
	t.Helper()
	var ev Evaluation
	for _, l := range lines {
		var err error
		ev, err = s.Interact(context.Background(), persona.SSH, l)
		require.NoError(t, err)
	}
	return ev
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"zero interval":   func(c *Config) { c.EvalInterval = 0 },
		"retain > window": func(c *Config) { c.RetainAfterSwitch = c.WindowSize + 1 },
		"unknown initial": func(c *Config) { c.InitialPersona = "Mainframe" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := New(cfg, persona.DefaultCatalog())
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
	_, err := ParseBiasMode("veto")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestEvaluatesExactlyAtMultiplesOfN(t *testing.T) {
	var calls []int
	var mu sync.Mutex
	o := oracle.Func(func(_ context.Context, req oracle.Request) (oracle.Decision, error) {
		mu.Lock()
		calls = append(calls, len(req.Window))
		mu.Unlock()
		return oracle.Decision{Action: oracle.ActionStay}, nil
	})
	e := newEngine(t, func(c *Config) { c.EvalInterval = 3 }, WithOracle(o))
	s := e.NewSession("n")

	for i := 1; i <= 10; i++ {
		ev, err := s.Interact(context.Background(), persona.SSH, fmt.Sprintf("cmd %d", i))
		require.NoError(t, err)
		assert.Equal(t, i%3 == 0, ev.Ran, "interaction %d", i)
		assert.Equal(t, int64(i), ev.Counter)
	}
	assert.Equal(t, []int{3, 6, 9}, calls)
}

func TestConcurrentInteractionsEvaluateEveryNth(t *testing.T) {
	var calls atomic.Int32
	o := oracle.Func(func(context.Context, oracle.Request) (oracle.Decision, error) {
		calls.Add(1)
		return oracle.Decision{Action: oracle.ActionStay}, nil
	})
	s := newEngine(t, func(c *Config) { c.EvalInterval = 3 }, WithOracle(o)).NewSession("burst")

	const total = 300
	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev, err := s.Interact(context.Background(), persona.Web, "GET /")
			assert.NoError(t, err)
			if ev.Ran {
				ran.Add(1)
				assert.Zero(t, ev.Counter%3)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(total/3), calls.Load())
	assert.Equal(t, int32(total/3), ran.Load())
	ev, err := s.Evaluate(context.Background())
	require.NoError(t, err)
	assert.False(t, ev.Ran)
}

func TestRecordThenEvaluate(t *testing.T) {
	var calls atomic.Int32
	o := oracle.Func(func(context.Context, oracle.Request) (oracle.Decision, error) {
		calls.Add(1)
		return oracle.Decision{Action: oracle.ActionStay}, nil
	})
	s := newEngine(t, nil, WithOracle(o)).NewSession("split")
	for _, c := range []string{"a", "b", "c"} {
		_, err := s.Record(persona.SSH, c)
		require.NoError(t, err)
	}
	ev, err := s.Evaluate(context.Background())
	require.NoError(t, err)
	assert.True(t, ev.Ran)
	assert.Equal(t, int64(3), ev.Counter)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEvaluateWithoutNewInteractionsIsNoop(t *testing.T) {
	var calls atomic.Int32
	o := oracle.Func(func(context.Context, oracle.Request) (oracle.Decision, error) {
		calls.Add(1)
		return oracle.Decision{Action: oracle.ActionStay}, nil
	})
	s := newEngine(t, nil, WithOracle(o)).NewSession("noop")
	interact(t, s, "a", "b", "c")

	ev, err := s.Evaluate(context.Background())
	require.NoError(t, err)
	assert.False(t, ev.Ran)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSQLMapScenarioFallsBackToHeuristic(t *testing.T) {
	s := newEngine(t, nil, WithOracle(oracle.Disabled{})).NewSession("sqlmap")

	ev := interact(t, s, "whoami", "ls -la", "trying sqlmap against the db")
	require.True(t, ev.Ran)
	assert.Equal(t, OutcomeFallback, ev.Result.Outcome)
	assert.ErrorIs(t, ev.Result.OracleErr, oracle.ErrUnavailable)
	require.NotNil(t, ev.Transition)
	assert.Equal(t, "Linux Dev Server", ev.Transition.Previous)
	assert.Equal(t, "MySQL Backend", ev.Transition.New)
	assert.Contains(t, ev.Transition.Reason, "database probing")
	assert.NotEmpty(t, ev.Transition.Modules)
	assert.Equal(t, "MySQL Backend", s.Persona().Name)
}

func TestNoHeuristicMatchStays(t *testing.T) {
	s := newEngine(t, nil).NewSession("quiet")
	ev := interact(t, s, "ls", "pwd", "id")
	assert.Equal(t, OutcomeStay, ev.Result.Outcome)
	assert.Nil(t, ev.Transition)
	assert.Empty(t, s.Snapshot().Transitions)
}

func TestOracleSwitchCommits(t *testing.T) {
	s := newEngine(t, nil, WithOracle(switchTo("IoT Hub", "attacker looks for firmware"))).NewSession("o")
	ev := interact(t, s, "a", "b", "c")
	assert.Equal(t, OutcomeOracle, ev.Result.Outcome)
	require.NotNil(t, ev.Transition)
	assert.Equal(t, "attacker looks for firmware", ev.Transition.Reason)
	assert.Equal(t, OutcomeOracle, ev.Transition.Outcome)
}

func TestSwitchToCurrentPersonaAppendsNothing(t *testing.T) {
	s := newEngine(t, nil, WithOracle(switchTo(persona.DefaultName, "same"))).NewSession("same")
	ev := interact(t, s, "a", "b", "c", "d", "e", "f")
	assert.True(t, ev.Ran)
	assert.Nil(t, ev.Transition)
	assert.Empty(t, s.Snapshot().Transitions)
}

func TestUnknownPersonaStays(t *testing.T) {
	s := newEngine(t, nil, WithOracle(switchTo("Mainframe", "why not"))).NewSession("unknown")
	ev := interact(t, s, "a", "b", "c")
	assert.Equal(t, OutcomeStay, ev.Result.Outcome)
	assert.Nil(t, ev.Transition)
	assert.Equal(t, persona.DefaultName, s.Persona().Name)
}

func TestMalformedOracleDecisionFallsBack(t *testing.T) {
	o := oracle.Func(func(context.Context, oracle.Request) (oracle.Decision, error) {
		return oracle.Decision{Action: "maybe"}, nil
	})
	s := newEngine(t, nil, WithOracle(o)).NewSession("malformed")
	ev := interact(t, s, "cat /etc/device.conf", "b", "c")
	assert.Equal(t, OutcomeFallback, ev.Result.Outcome)
	assert.ErrorIs(t, ev.Result.OracleErr, oracle.ErrMalformedDecision)
	require.NotNil(t, ev.Transition)
	assert.Equal(t, "IoT Hub", ev.Transition.New)
}

func TestOracleTimeoutFallsBack(t *testing.T) {
	o := oracle.Func(func(ctx context.Context, _ oracle.Request) (oracle.Decision, error) {
		<-ctx.Done()
		return oracle.Decision{}, ctx.Err()
	})
	s := newEngine(t, func(c *Config) { c.OracleTimeout = 20 * time.Millisecond }, WithOracle(o)).NewSession("slow")
	ev := interact(t, s, "GET /wp-admin", "b", "c")
	assert.Equal(t, OutcomeFallback, ev.Result.Outcome)
	assert.ErrorIs(t, ev.Result.OracleErr, context.DeadlineExceeded)
	require.NotNil(t, ev.Transition)
	assert.Equal(t, "Vulnerable Web CMS", ev.Transition.New)
}

func TestBiasModes(t *testing.T) {
	learned := weights{
		persona.DefaultName: {Persona: persona.DefaultName, EngagementWeight: 8, ThreatWeight: 2},
		"IoT Hub":           {Persona: "IoT Hub", EngagementWeight: 1},
	}
	run := func(mode BiasMode, store strategy.Reader, target string) Evaluation {
		e := newEngine(t, func(c *Config) { c.BiasMode = mode; c.BiasTolerance = 0.5 },
			WithOracle(switchTo(target, "proposal")), WithStore(store))
		return interact(t, e.NewSession(string(mode)), "a", "b", "c")
	}

	ev := run(BiasPreferLearned, learned, "IoT Hub")
	assert.Nil(t, ev.Transition)
	require.NotNil(t, ev.Result.Bias)
	assert.True(t, ev.Result.Bias.Kept)
	assert.Equal(t, 10.0, ev.Result.Bias.Current)
	assert.Equal(t, 1.0, ev.Result.Bias.Candidate)

	ev = run(BiasAdvisory, learned, "IoT Hub")
	require.NotNil(t, ev.Transition)
	require.NotNil(t, ev.Result.Bias)
	assert.False(t, ev.Result.Bias.Kept)
	assert.Equal(t, 10.0, ev.Result.Bias.Current)

	ev = run(BiasOff, learned, "IoT Hub")
	require.NotNil(t, ev.Transition)
	assert.Nil(t, ev.Result.Bias)

	// Personas without rows weigh 0: the tolerance is not exceeded.
	ev = run(BiasPreferLearned, weights{}, "C2 Panel")
	require.NotNil(t, ev.Transition)
	assert.Equal(t, 0.0, ev.Result.Bias.Current)
	assert.Equal(t, 0.0, ev.Result.Bias.Candidate)
}

func TestStoreFailureDecidesUnbiased(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.BiasMode = BiasPreferLearned },
		WithOracle(switchTo("IoT Hub", "p")), WithStore(brokenStore{}))
	ev := interact(t, e.NewSession("broken"), "a", "b", "c")
	require.NotNil(t, ev.Transition)
	require.NotNil(t, ev.Result.Bias)
	assert.NotEmpty(t, ev.Result.Bias.Err)
}

func TestSwitchTrimsWindow(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.EvalInterval = 5; c.RetainAfterSwitch = 2 }, WithOracle(switchTo("IoT Hub", "p")))
	s := e.NewSession("trim")
	interact(t, s, "1", "2", "3", "4", "5")

	snap := s.Snapshot()
	assert.Equal(t, []string{"4", "5"}, snap.Window)
	assert.Equal(t, int64(5), snap.Counter)

	interact(t, s, "6")
	assert.Equal(t, int64(6), s.Snapshot().Counter)
}

func TestWindowIsBounded(t *testing.T) {
	e := newEngine(t, func(c *Config) { c.EvalInterval = 100; c.WindowSize = 4; c.RetainAfterSwitch = 1 })
	s := e.NewSession("bounded")
	interact(t, s, "1", "2", "3", "4", "5", "6")
	assert.Equal(t, []string{"3", "4", "5", "6"}, s.Snapshot().Window)
}

func TestCloseDuringEvaluationDoesNotCommit(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	o := oracle.Func(func(ctx context.Context, _ oracle.Request) (oracle.Decision, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return oracle.Decision{}, ctx.Err()
	})
	e := newEngine(t, func(c *Config) { c.OracleTimeout = 0 }, WithOracle(o))
	m := NewManager(e)
	s, err := m.Open("closing")
	require.NoError(t, err)
	interact(t, s, "sql", "sql")

	done := make(chan error, 1)
	go func() {
		_, err := s.Interact(context.Background(), persona.SSH, "sql database")
		done <- err
	}()
	<-started
	snap, err := m.Close(context.Background(), "closing")
	require.NoError(t, err)
	assert.True(t, snap.Closed)

	assert.ErrorIs(t, <-done, ErrSessionClosed)
	assert.Empty(t, s.Snapshot().Transitions)
	assert.Equal(t, persona.DefaultName, s.Persona().Name)

	_, err = s.Record(persona.SSH, "late")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestManagerLifecycle(t *testing.T) {
	m := NewManager(newEngine(t, nil))
	a, err := m.Open("")
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID())

	_, err = m.Open(a.ID())
	assert.ErrorIs(t, err, ErrSessionExists)

	got, err := m.Get(a.ID())
	require.NoError(t, err)
	assert.Same(t, a, got)

	_, err = m.Close(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = m.Close(context.Background(), a.ID())
	require.NoError(t, err)
	_, err = m.Get(a.ID())
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, 0, m.Len())
}

func TestCloseIdle(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var clock atomic.Pointer[time.Time]
	clock.Store(&now)
	e := newEngine(t, nil, WithClock(func() time.Time { return *clock.Load() }))
	m := NewManager(e)

	_, err := m.Open("old")
	require.NoError(t, err)
	later := now.Add(time.Minute)
	clock.Store(&later)
	fresh, err := m.Open("fresh")
	require.NoError(t, err)
	_, err = fresh.Record(persona.Web, "GET /")
	require.NoError(t, err)

	closed := m.CloseIdle(context.Background(), now.Add(30*time.Second))
	require.Len(t, closed, 1)
	assert.Equal(t, "old", closed[0].ID)
	assert.Equal(t, []string{"fresh"}, m.IDs())

	assert.Len(t, m.CloseAll(context.Background()), 1)
}

func TestTransitionsReachLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger-persona.log")
	bus := eventbus.NewBus(16)
	bus.Register(NewLedgerRecorder(ledger.NewWriter(path, "persona-engine"), nil))

	m := NewManager(newEngine(t, nil, WithPublisher(bus)))
	s, err := m.Open("ledger")
	require.NoError(t, err)
	interact(t, s, "a", "b", "show database tables")
	_, err = m.Close(context.Background(), "ledger")
	require.NoError(t, err)
	bus.Close()

	entries, err := ledger.ReadEntries(path, eventbus.TopicPersonaTransition)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var evt TransitionEvent
	require.NoError(t, json.Unmarshal(entries[0].Data, &evt))
	assert.Equal(t, "ledger", evt.SessionID)
	assert.Equal(t, "MySQL Backend", evt.Transition.New)
	assert.Equal(t, int64(3), evt.Counter)

	closed, err := ledger.ReadEntries(path, eventbus.TopicSessionClosed)
	require.NoError(t, err)
	assert.Len(t, closed, 1)
}

func TestConcurrentSessions(t *testing.T) {
	learned := weights{"MySQL Backend": {Persona: "MySQL Backend", EngagementWeight: 3}}
	m := NewManager(newEngine(t, nil, WithStore(learned)))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Open(fmt.Sprintf("s-%02d", i))
			if err != nil {
				errs <- err
				return
			}
			for j := 0; j < 9; j++ {
				if _, err := s.Interact(context.Background(), persona.SSH, "select * from users -- sql"); err != nil {
					errs <- err
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, id := range m.IDs() {
		s, err := m.Get(id)
		require.NoError(t, err)
		snap := s.Snapshot()
		assert.Equal(t, "MySQL Backend", snap.Persona, id)
		assert.Len(t, snap.Transitions, 1, id)
	}
	assert.Len(t, m.CloseAll(context.Background()), 16)
}

func TestDecisionNeverFails(t *testing.T) {
	o := oracle.Func(func(context.Context, oracle.Request) (oracle.Decision, error) {
		return oracle.Decision{}, errors.New("boom")
	})
	s := newEngine(t, nil, WithOracle(o)).NewSession("boom")
	ev := interact(t, s, "x", "y", "z")
	assert.Equal(t, OutcomeStay, ev.Result.Outcome)
	assert.ErrorIs(t, ev.Result.OracleErr, oracle.ErrUnavailable)
}
