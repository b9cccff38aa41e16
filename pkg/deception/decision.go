package deception

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"personashift/pkg/oracle"
	"personashift/shared/eventbus"
)

// Outcome names the branch of the pipeline that produced a decision.
type Outcome string

const (
	// OutcomeOracle: the oracle answered.
	OutcomeOracle Outcome = "oracle"
	// OutcomeFallback: the oracle failed and a heuristic rule matched.
	OutcomeFallback Outcome = "fallback"
	// OutcomeStay: no branch proposed a usable switch.
	OutcomeStay Outcome = "stay"
)

// DecisionResult is Oracle(decision) | Fallback(match) | Stay.
type DecisionResult struct {
	Outcome Outcome
	Action  oracle.Action
	// Persona is the switch target; empty on stay.
	Persona string
	Reason  string
	// OracleErr is why the fallback branch ran, if it did.
	OracleErr error
	// Bias is set when a switch went through the bias check.
	Bias *BiasCheck
}

func (r DecisionResult) Switch() bool { return r.Action == oracle.ActionSwitch }

func stay(reason string) DecisionResult {
	return DecisionResult{Outcome: OutcomeStay, Action: oracle.ActionStay, Reason: reason}
}

// BiasCheck records a comparison of learned combined weights.
type BiasCheck struct {
	Mode      BiasMode `json:"mode"`
	Current   float64  `json:"current_weight"`
	Candidate float64  `json:"candidate_weight"`
	// Kept is true when the check vetoed the switch.
	Kept bool `json:"kept_current"`
	// Err is the store failure, if any; the switch then stands unbiased.
	Err string `json:"error,omitempty"`
}

// decide runs oracle, then heuristic fallback, then the bias check. It never
// fails: the worst outcome is stay.
func (e *Engine) decide(ctx context.Context, sessionID, current string, window []oracle.Interaction) DecisionResult {
	log := e.log.With(zap.String("session_id", sessionID))

	res, err := e.askOracle(ctx, sessionID, current, window)
	if err != nil {
		if ctx.Err() != nil {
			return stay("evaluation cancelled")
		}
		log.Debug("oracle unavailable, using heuristic", zap.Error(err))
		e.publish(context.WithoutCancel(ctx), eventbus.Event{
			Type:      eventbus.TopicOracleFailure,
			Source:    "deception",
			SessionID: sessionID,
			Payload:   map[string]string{"error": err.Error()},
		})
		res = e.fallback(window)
		res.OracleErr = err
	}

	if !res.Switch() {
		return res
	}
	if res.Persona == current {
		res.Action = oracle.ActionStay
		return res
	}
	if !e.catalog.Has(res.Persona) {
		log.Warn("decision names unknown persona, staying",
			zap.String("persona", res.Persona), zap.String("outcome", string(res.Outcome)))
		out := stay(fmt.Sprintf("unknown persona %q", res.Persona))
		out.OracleErr = res.OracleErr
		return out
	}

	if e.cfg.BiasMode != BiasOff {
		check := e.biasCheck(ctx, current, res.Persona)
		res.Bias = &check
		if check.Kept {
			log.Info("learned weights keep current persona",
				zap.String("candidate", res.Persona),
				zap.Float64("current_weight", check.Current),
				zap.Float64("candidate_weight", check.Candidate))
			res.Action = oracle.ActionStay
			res.Reason = fmt.Sprintf("learned weight of %s (%.3f) exceeds %s (%.3f)", current, check.Current, res.Persona, check.Candidate)
			res.Persona = ""
		}
	}
	return res
}

func (e *Engine) askOracle(ctx context.Context, sessionID, current string, window []oracle.Interaction) (DecisionResult, error) {
	if e.cfg.OracleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.OracleTimeout)
		defer cancel()
	}
	start := time.Now()
	d, err := e.oracle.Decide(ctx, oracle.Request{
		SessionID:      sessionID,
		CurrentPersona: current,
		Personas:       e.catalog.Names(),
		Window:         window,
	})
	if err != nil {
		e.metrics.OracleCall(start, failureReason(err))
		if !errors.Is(err, oracle.ErrUnavailable) {
			err = fmt.Errorf("%w: %w", oracle.ErrUnavailable, err)
		}
		return DecisionResult{}, err
	}
	switch d.Action {
	case oracle.ActionStay:
	case oracle.ActionSwitch:
		if d.NewPersona == "" {
			e.metrics.OracleCall(start, "malformed")
			return DecisionResult{}, fmt.Errorf("%w: switch without persona", oracle.ErrMalformedDecision)
		}
	default:
		e.metrics.OracleCall(start, "malformed")
		return DecisionResult{}, fmt.Errorf("%w: action %q", oracle.ErrMalformedDecision, d.Action)
	}
	e.metrics.OracleCall(start, "")
	return DecisionResult{Outcome: OutcomeOracle, Action: d.Action, Persona: d.NewPersona, Reason: d.Reason}, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, oracle.ErrDisabled):
		return "disabled"
	case errors.Is(err, oracle.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, oracle.ErrMalformedDecision):
		return "malformed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

func (e *Engine) fallback(window []oracle.Interaction) DecisionResult {
	texts := make([]string, len(window))
	for i, it := range window {
		texts[i] = it.Content
	}
	m, ok := e.classifier.Classify(texts)
	if !ok {
		return stay("no heuristic match")
	}
	return DecisionResult{Outcome: OutcomeFallback, Action: oracle.ActionSwitch, Persona: m.Persona, Reason: m.Reason}
}

// biasCheck compares combined weights. Personas without a row weigh 0. The
// store is only read; no lock is held.
func (e *Engine) biasCheck(ctx context.Context, current, candidate string) BiasCheck {
	check := BiasCheck{Mode: e.cfg.BiasMode}
	if e.store == nil {
		e.metrics.BiasCheck(string(check.Mode), "no_store")
		return check
	}
	rows, err := e.store.Strategies(ctx, current, candidate)
	if err != nil {
		e.log.Warn("strategy lookup failed, deciding unbiased", zap.Error(err))
		check.Err = err.Error()
		e.metrics.BiasCheck(string(check.Mode), "store_error")
		return check
	}
	check.Current = rows[current].Combined()
	check.Candidate = rows[candidate].Combined()
	if e.cfg.BiasMode == BiasPreferLearned && check.Current-check.Candidate > e.cfg.BiasTolerance {
		check.Kept = true
		e.metrics.BiasCheck(string(check.Mode), "kept")
		return check
	}
	e.metrics.BiasCheck(string(check.Mode), "switched")
	return check
}
