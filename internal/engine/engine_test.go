package engine

import (
	"testing"
	"time"

	"tradeguard/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, order []string) *Engine {
	t.Helper()
	eng, err := New(Config{
		Order: order,
		Conditions: []Condition{
			&ProbabilityThreshold{Threshold: 0.55, CooldownWindow: 30 * time.Second},
			&MomentumSpike{Limit: 0.05, CooldownWindow: 30 * time.Second},
		},
		ExpiryFloorSeconds: 60,
	})
	require.NoError(t, err)
	return eng
}

func snapshot(prob, momentum, tte float64) Snapshot {
	return Snapshot{
		Trade:           &domain.Trade{ID: 1, Side: domain.Buy, EntryPrice: 0.80, Size: 10},
		Position:        &domain.ActivePosition{TradeID: 1, Revision: 1},
		MarkPrice:       0.70,
		Momentum:        momentum,
		Probability:     prob,
		SecondsToExpiry: tte,
		At:              time.Now(),
	}
}

func TestEngine_Hold(t *testing.T) {
	eng := newTestEngine(t, []string{"probability_threshold", "momentum_spike"})
	v := eng.Evaluate(snapshot(0.80, 0.0, 3600))
	assert.Equal(t, Hold, v.Action)
	assert.Equal(t, domain.ReasonHold, v.Reason)
}

func TestEngine_PrecedenceDeterminism(t *testing.T) {
	// Both conditions fire; the verdict must follow configured order, not
	// insertion order.
	snap := snapshot(0.40, -0.10, 3600)

	probFirst := newTestEngine(t, []string{"probability_threshold", "momentum_spike"})
	v := probFirst.Evaluate(snap)
	require.Equal(t, Stop, v.Action)
	assert.Equal(t, "probability_threshold", v.Condition)
	assert.Equal(t, domain.ReasonProbability, v.Reason)

	momentumFirst := newTestEngine(t, []string{"momentum_spike", "probability_threshold"})
	v = momentumFirst.Evaluate(snap)
	require.Equal(t, Stop, v.Action)
	assert.Equal(t, "momentum_spike", v.Condition)
	assert.Equal(t, domain.ReasonMomentum, v.Reason)
}

func TestEngine_ExpiryPrecedence(t *testing.T) {
	eng := newTestEngine(t, []string{"probability_threshold", "momentum_spike"})

	// Below the hard floor the expiry verdict wins regardless of everything
	// else, even when other conditions also fire.
	v := eng.Evaluate(snapshot(0.40, -0.10, 30))
	require.Equal(t, Stop, v.Action)
	assert.Equal(t, "expiry", v.Condition)
	assert.Equal(t, domain.ReasonExpiry, v.Reason)

	// Healthy inputs, expiry imminent: still stops.
	v = eng.Evaluate(snapshot(0.95, 0.0, 59.9))
	require.Equal(t, Stop, v.Action)
	assert.Equal(t, "expiry", v.Condition)
}

func TestEngine_ShortCircuit(t *testing.T) {
	fired := 0
	counting := &countingCondition{name: "counting", fire: func(Snapshot) bool { fired++; return false }}
	eng, err := New(Config{
		Order: []string{"probability_threshold", "counting"},
		Conditions: []Condition{
			&ProbabilityThreshold{Threshold: 0.55},
			counting,
		},
		ExpiryFloorSeconds: 60,
	})
	require.NoError(t, err)

	// First condition fires: the second must not be evaluated this cycle.
	v := eng.Evaluate(snapshot(0.40, 0, 3600))
	require.Equal(t, Stop, v.Action)
	assert.Equal(t, 0, fired)

	// First condition holds: evaluation falls through.
	eng.Evaluate(snapshot(0.80, 0, 3600))
	assert.Equal(t, 1, fired)
}

func TestEngine_CooldownSuppressesRefire(t *testing.T) {
	eng := newTestEngine(t, []string{"probability_threshold", "momentum_spike"})
	now := time.Now()

	snap := snapshot(0.40, 0, 3600)
	snap.At = now
	v := eng.Evaluate(snap)
	require.Equal(t, Stop, v.Action)

	// The verdict was superseded (manual override); the condition goes quiet.
	eng.Suppress(1, "probability_threshold", now)

	snap.At = now.Add(10 * time.Second)
	v = eng.Evaluate(snap)
	assert.Equal(t, Hold, v.Action, "condition must stay quiet inside its cooldown window")

	// After the window elapses it may fire again.
	snap.At = now.Add(31 * time.Second)
	v = eng.Evaluate(snap)
	require.Equal(t, Stop, v.Action)
	assert.Equal(t, "probability_threshold", v.Condition)
}

func TestEngine_CooldownDoesNotMuteExpiry(t *testing.T) {
	eng := newTestEngine(t, []string{"probability_threshold"})
	now := time.Now()
	eng.Suppress(1, "probability_threshold", now)

	snap := snapshot(0.40, 0, 10)
	snap.At = now.Add(time.Second)
	v := eng.Evaluate(snap)
	require.Equal(t, Stop, v.Action)
	assert.Equal(t, "expiry", v.Condition)
}

func TestEngine_DisabledConditionSkipped(t *testing.T) {
	eng, err := New(Config{
		Order: []string{"probability_threshold", "momentum_spike"},
		Conditions: []Condition{
			&ProbabilityThreshold{Threshold: 0.55, Disabled: true},
			&MomentumSpike{Limit: 0.05},
		},
		ExpiryFloorSeconds: 60,
	})
	require.NoError(t, err)

	v := eng.Evaluate(snapshot(0.40, -0.10, 3600))
	require.Equal(t, Stop, v.Action)
	assert.Equal(t, "momentum_spike", v.Condition)
}

func TestEngine_UnknownConditionInOrder(t *testing.T) {
	_, err := New(Config{
		Order:              []string{"no_such_rule"},
		Conditions:         []Condition{&ProbabilityThreshold{Threshold: 0.55}},
		ExpiryFloorSeconds: 60,
	})
	require.Error(t, err)
}

func TestMomentumSpike_SideAware(t *testing.T) {
	c := &MomentumSpike{Limit: 0.05}

	long := snapshot(0.80, -0.06, 3600)
	fired, _ := c.Fire(long)
	assert.True(t, fired, "falling momentum is adverse for a long")

	long.Momentum = 0.06
	fired, _ = c.Fire(long)
	assert.False(t, fired, "rising momentum is favorable for a long")

	short := snapshot(0.80, 0.06, 3600)
	short.Trade.Side = domain.Sell
	fired, _ = c.Fire(short)
	assert.True(t, fired, "rising momentum is adverse for a short")
}

func TestProbabilityThreshold_DescendingSeries(t *testing.T) {
	// Position opened at probability 0.80, threshold 0.55: the verdict must
	// flip to Stop on the first sample at or below the threshold.
	eng := newTestEngine(t, []string{"probability_threshold", "momentum_spike"})

	series := []float64{0.80, 0.74, 0.68, 0.61, 0.57, 0.55, 0.50}
	var stoppedAt float64 = -1
	for _, p := range series {
		v := eng.Evaluate(snapshot(p, 0, 3600))
		if v.Action == Stop {
			require.Equal(t, "probability_threshold", v.Condition)
			stoppedAt = p
			break
		}
	}
	assert.Equal(t, 0.55, stoppedAt, "must stop exactly on the threshold crossing")
}

// countingCondition lets tests observe evaluation order.
type countingCondition struct {
	name string
	fire func(Snapshot) bool
}

func (c *countingCondition) Name() string            { return c.name }
func (c *countingCondition) Enabled() bool           { return true }
func (c *countingCondition) Cooldown() time.Duration { return 0 }
func (c *countingCondition) Fire(snap Snapshot) (bool, domain.StopReason) {
	return c.fire(snap), domain.ReasonUnknown
}
