package scanner

import (
	"pattern-trader/internal/model"
	"pattern-trader/internal/pattern"
	"pattern-trader/internal/portfolio"
	"pattern-trader/internal/validator"
)

// Stage names attached to events and rejection metrics.
const (
	StageDetect     = "detect"
	StageValidation = "validation"
	StageRisk       = "risk"
	StageCapacity   = "capacity"
	StageExecution  = "execution"
	StageExit       = "exit"
)

// Pipeline is the decision path shared by live scanning and backtests:
// detect, validate, then price and size.
type Pipeline struct {
	Detector  *pattern.Detector
	Validator *validator.Pipeline
	Risk      *portfolio.RiskManager
}

// Outcome is the result of evaluating one snapshot. Exactly one of the
// following holds: no pattern (Pattern nil), validation failed, risk
// rejected (Err set), or Signal ready (OK).
type Outcome struct {
	Pattern    *model.PatternSignal
	Validation *model.ValidationResult
	Signal     model.Signal
	Stage      string
	Err        error
	OK         bool
}

// Reason returns why the outcome is not a signal, or "".
func (o Outcome) Reason() string {
	switch {
	case o.OK:
		return ""
	case o.Err != nil:
		return o.Err.Error()
	case o.Validation != nil:
		return o.Validation.Reason
	default:
		return "no pattern"
	}
}

// Evaluate runs snap through the pipeline.
func (p *Pipeline) Evaluate(snap model.SeriesSnapshot) Outcome {
	ps, ok := p.Detector.Detect(snap)
	if !ok {
		return Outcome{Stage: StageDetect}
	}
	out := Outcome{Pattern: &ps}

	vr := p.Validator.Validate(validator.Input{Signal: ps, Snapshot: snap})
	out.Validation = &vr
	if !vr.Passed {
		out.Stage = StageValidation
		return out
	}

	sig, err := p.Risk.Plan(ps, snap)
	if err != nil {
		out.Stage, out.Err = StageRisk, err
		return out
	}
	out.Signal, out.OK = sig, true
	return out
}
