package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreListNewestFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := t.Context()
	now := time.Now()

	for i, d := range []Decision{DecisionEscalate, DecisionBlock, DecisionAllow} {
		require.NoError(t, s.Record(ctx, &Assessment{
			ID:          string(d),
			SessionID:   "sess_1",
			Decision:    d,
			Factors:     map[string]float64{"pinAuthentication": 30},
			EvaluatedAt: now.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, s.Record(ctx, &Assessment{ID: "other", SessionID: "sess_2"}))

	list, err := s.ListBySession(ctx, "sess_1", 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "allow", list[0].ID)
	assert.Equal(t, "block", list[1].ID)

	empty, err := s.ListBySession(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	a := &Assessment{ID: "a", SessionID: "sess_1", Factors: map[string]float64{"wifiSafetyCheck": 20}}
	require.NoError(t, s.Record(t.Context(), a))

	a.Factors["wifiSafetyCheck"] = 0
	list, err := s.ListBySession(t.Context(), "sess_1", 1)
	require.NoError(t, err)
	assert.Equal(t, float64(20), list[0].Factors["wifiSafetyCheck"])

	list[0].Factors["wifiSafetyCheck"] = 5
	again, _ := s.ListBySession(t.Context(), "sess_1", 1)
	assert.Equal(t, float64(20), again[0].Factors["wifiSafetyCheck"])
}
