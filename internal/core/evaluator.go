package core

import (
	"slices"
	"strings"
	"time"
)

const missingPercentageAttribute = "<none>"

// Applied is the outcome of running a feature's strategies against a context.
type Applied struct {
	Matched bool
	Value   any
}

type Evaluator struct {
	percentage PercentageCalculator
	now        func() time.Time
}

type EvaluatorOption func(*Evaluator)

func WithPercentageCalculator(calc PercentageCalculator) EvaluatorOption {
	return func(e *Evaluator) {
		if calc != nil {
			e.percentage = calc
		}
	}
}

// WithClock overrides the time source used for the synthetic "now" attribute.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEvaluator(opts ...EvaluatorOption) *Evaluator {
	e := &Evaluator{
		percentage: Murmur3Calculator{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply walks strategies in order and returns the first one that matches ctx.
// Strategies sharing a percentage key occupy consecutive bands. Band state
// lives only for the duration of the call.
func (e *Evaluator) Apply(strategies []RolloutStrategy, featureID string, ctx *EvaluationContext) Applied {
	if ctx == nil || len(strategies) == 0 {
		return Applied{}
	}

	defaultKey, hasDefaultKey := ctx.DefaultPercentageKey()
	bases := make(map[string]int)

	var (
		hashedKey string
		hashed    bool
		bucket    int
	)

	for _, rs := range strategies {
		if rs.Percentage != 0 && (hasDefaultKey || rs.HasPercentageAttributes()) {
			key := percentageKey(ctx, rs, defaultKey)
			if !hashed || key != hashedKey {
				bucket = e.percentage.Percentage(key, featureID)
				hashedKey = key
				hashed = true
			}

			base := 0
			if !rs.HasAttributes() {
				base = bases[key]
			}

			if bucket <= base+rs.Percentage && (!rs.HasAttributes() || e.matchAttributes(ctx, rs)) {
				return Applied{Matched: true, Value: rs.Value}
			}

			if !rs.HasAttributes() {
				bases[key] += rs.Percentage
			}
		}

		if rs.Percentage == 0 && rs.HasAttributes() && e.matchAttributes(ctx, rs) {
			return Applied{Matched: true, Value: rs.Value}
		}
	}

	return Applied{}
}

func percentageKey(ctx *EvaluationContext, rs RolloutStrategy, defaultKey string) string {
	if !rs.HasPercentageAttributes() {
		return defaultKey
	}
	parts := make([]string, len(rs.PercentageAttributes))
	for i, name := range rs.PercentageAttributes {
		parts[i] = ctx.First(name, missingPercentageAttribute)
	}
	return strings.Join(parts, "$")
}

// matchAttributes requires every attribute of rs to match.
func (e *Evaluator) matchAttributes(ctx *EvaluationContext, rs RolloutStrategy) bool {
	for _, attr := range rs.Attributes {
		supplied := ctx.Values(attr.FieldName)
		if len(supplied) == 0 && strings.EqualFold(attr.FieldName, "now") {
			switch attr.Type {
			case FieldDate:
				supplied = []string{e.now().UTC().Format(time.DateOnly)}
			case FieldDateTime:
				supplied = []string{e.now().UTC().Format(time.RFC3339)}
			}
		}

		if len(attr.Values) == 0 && len(supplied) == 0 {
			if attr.Conditional != ConditionalEquals {
				return false
			}
			continue
		}
		if len(attr.Values) == 0 || len(supplied) == 0 {
			return false
		}

		if !slices.ContainsFunc(supplied, func(v string) bool { return Match(v, attr) }) {
			return false
		}
	}
	return true
}
