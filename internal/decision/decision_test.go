package decision_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/aristath/perpcore/internal/decision"
	"github.com/aristath/perpcore/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := fmt.Sprintf("file:decision_%s?mode=memory&cache=shared", t.Name())
	s, err := store.Open(store.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type fakeClient struct {
	raw []byte
	err error
}

func (f *fakeClient) Complete(ctx context.Context, req decision.Request) ([]byte, error) {
	return f.raw, f.err
}

func marshalProposal(t *testing.T, p decision.Proposal) []byte {
	t.Helper()
	data, err := json.Marshal(p)
	require.NoError(t, err)
	return data
}

func TestProposeAcceptsValidProposal(t *testing.T) {
	s := newTestStore(t)
	p := decision.Proposal{
		MarketRegime: "TREND",
		StrategyAllocations: []decision.StrategyAllocation{
			{StrategyID: "ema_trend", Weight: 0.6, Confidence: 0.8},
			{StrategyID: "momentum", Weight: 0.4, Confidence: 0.7},
		},
		TotalPosition: 0.5, Confidence: 0.75,
	}
	client := &fakeClient{raw: marshalProposal(t, p)}
	engine := decision.New(client, s, zerolog.Nop())

	result := engine.Propose(context.Background(), decision.Request{}, map[string]bool{"ema_trend": true, "momentum": true})

	require.Equal(t, decision.OutcomeAccepted, result.Outcome)
	require.Equal(t, 0.5, result.Proposal.TotalPosition)
}

func TestProposeRejectsWeightsNotSummingToOne(t *testing.T) {
	s := newTestStore(t)
	p := decision.Proposal{
		StrategyAllocations: []decision.StrategyAllocation{
			{StrategyID: "ema_trend", Weight: 0.3},
		},
		TotalPosition: 0.5, Confidence: 0.75,
	}
	client := &fakeClient{raw: marshalProposal(t, p)}
	engine := decision.New(client, s, zerolog.Nop())

	result := engine.Propose(context.Background(), decision.Request{}, map[string]bool{"ema_trend": true})

	require.Equal(t, decision.OutcomeRejected, result.Outcome)
	require.Contains(t, result.Reason, "sum of weights")
}

func TestProposeRejectsUnknownStrategyID(t *testing.T) {
	s := newTestStore(t)
	p := decision.Proposal{
		StrategyAllocations: []decision.StrategyAllocation{
			{StrategyID: "not_enabled", Weight: 1.0},
		},
		TotalPosition: 0.2, Confidence: 0.5,
	}
	client := &fakeClient{raw: marshalProposal(t, p)}
	engine := decision.New(client, s, zerolog.Nop())

	result := engine.Propose(context.Background(), decision.Request{}, map[string]bool{"ema_trend": true})

	require.Equal(t, decision.OutcomeRejected, result.Outcome)
	require.Contains(t, result.Reason, "not in the enabled set")
}

func TestProposeRejectsTotalPositionOutOfRange(t *testing.T) {
	s := newTestStore(t)
	p := decision.Proposal{
		StrategyAllocations: []decision.StrategyAllocation{
			{StrategyID: "ema_trend", Weight: 1.0},
		},
		TotalPosition: 1.5, Confidence: 0.5,
	}
	client := &fakeClient{raw: marshalProposal(t, p)}
	engine := decision.New(client, s, zerolog.Nop())

	result := engine.Propose(context.Background(), decision.Request{}, map[string]bool{"ema_trend": true})

	require.Equal(t, decision.OutcomeRejected, result.Outcome)
	require.Contains(t, result.Reason, "total_position")
}

func TestProposeRejectsNegativeWeight(t *testing.T) {
	s := newTestStore(t)
	p := decision.Proposal{
		StrategyAllocations: []decision.StrategyAllocation{
			{StrategyID: "ema_trend", Weight: -0.1},
			{StrategyID: "momentum", Weight: 1.1},
		},
		TotalPosition: 0.2, Confidence: 0.5,
	}
	client := &fakeClient{raw: marshalProposal(t, p)}
	engine := decision.New(client, s, zerolog.Nop())

	result := engine.Propose(context.Background(), decision.Request{}, map[string]bool{"ema_trend": true, "momentum": true})

	require.Equal(t, decision.OutcomeRejected, result.Outcome)
	require.Contains(t, result.Reason, "negative weight")
}

func TestProposeReturnsErrorOutcomeOnClientFailure(t *testing.T) {
	s := newTestStore(t)
	client := &fakeClient{err: fmt.Errorf("provider unreachable")}
	engine := decision.New(client, s, zerolog.Nop())

	result := engine.Propose(context.Background(), decision.Request{}, map[string]bool{})

	require.Equal(t, decision.OutcomeError, result.Outcome)
}

func TestProposeWithNilClientAlwaysRejects(t *testing.T) {
	s := newTestStore(t)
	engine := decision.New(nil, s, zerolog.Nop())

	result := engine.Propose(context.Background(), decision.Request{}, map[string]bool{})

	require.Equal(t, decision.OutcomeRejected, result.Outcome)
	require.Equal(t, "decision engine disabled", result.Reason)
}
