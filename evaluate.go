package flagkit

import (
	"context"

	"github.com/matt-riley/flagkit/internal/core"
	"github.com/matt-riley/flagkit/internal/evaluation"
)

// EvaluationListener receives the outcome of [Client.EvaluateAsync].
type EvaluationListener func(decision FlagDecision, err error)

// Evaluate returns the decision for flagKey under uc and caches it as the
// latest decision for that key. On any failure, including an unknown flag,
// it returns a disabled decision with no variables along with the error.
// Callers that treat failures as "off" may ignore the error.
func (c *Client) Evaluate(ctx context.Context, flagKey string, uc *UserContext) (FlagDecision, error) {
	if c.isClosed() {
		return core.Disabled(flagKey, ""), ErrClosed
	}
	return c.services().eval.Evaluate(ctx, flagKey, uc)
}

// EvaluateAsync evaluates in the background and reports to listener. When
// several evaluations of the same key overlap, the one submitted last
// determines the cached decision.
func (c *Client) EvaluateAsync(flagKey string, uc *UserContext, listener EvaluationListener) {
	if !c.begin() {
		if listener != nil {
			listener(core.Disabled(flagKey, ""), ErrClosed)
		}
		return
	}
	c.services().eval.EvaluateAsync(c.ctx, flagKey, uc, func(decision core.FlagDecision, err error) {
		defer c.inflight.Done()
		if listener != nil {
			listener(decision, err)
		}
	})
}

// Decision returns the latest cached decision for flagKey.
func (c *Client) Decision(flagKey string) (FlagDecision, bool) {
	return c.services().eval.Decision(flagKey)
}

// Variables returns the variables of the cached decision for flagKey. It is
// empty when flagKey has not been evaluated.
func (c *Client) Variables(flagKey string) []Variable {
	return c.services().eval.Variables(flagKey)
}

// VariableValue returns the variable called name from decision, or def when
// it is absent or of a different kind.
func VariableValue(decision FlagDecision, name string, def Value) Value {
	return evaluation.Variable(decision, name, def)
}

// VariableAs is the typed form of [VariableValue].
func VariableAs[T evaluation.Scalar](decision FlagDecision, name string, def T) T {
	return evaluation.VariableAs(decision, name, def)
}
