package strategy

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"papertrader/internal/domain/models"
)

func TestCommitMonotonicVersions(t *testing.T) {
	st := NewState(models.DefaultStrategyParameters())
	_, v0 := st.Snapshot()
	require.Equal(t, int64(1), v0)

	prev := v0
	for i := 0; i < 5; i++ {
		p, _ := st.Snapshot()
		p.MinScore += 0.01
		v := st.Commit(p, fmt.Sprintf("bump %d", i), time.Now().UTC())
		require.Greater(t, v, prev)
		prev = v
	}
}

func TestCommitSanitizesCandidate(t *testing.T) {
	st := NewState(models.DefaultStrategyParameters())
	p, _ := st.Snapshot()
	p.MinScore = 2.0    // above bound
	p.StopLossATR = 0.1 // below bound
	st.Commit(p, "out of bounds", time.Now().UTC())

	got, _ := st.Snapshot()
	require.InDelta(t, 0.95, got.MinScore, 1e-12)
	require.InDelta(t, 0.8, got.StopLossATR, 1e-12)
}

func TestHistoryBounded(t *testing.T) {
	st := NewState(models.DefaultStrategyParameters())
	for i := 0; i < 60; i++ {
		p, _ := st.Snapshot()
		st.Commit(p, "churn", time.Now().UTC())
	}
	h := st.History()
	require.Len(t, h, maxHistory)
	// newest entry is last and carries the highest version
	_, v := st.Snapshot()
	require.Equal(t, v, h[len(h)-1].Version)
}

func TestWarningsBounded(t *testing.T) {
	st := NewState(models.DefaultStrategyParameters())
	for i := 0; i < 30; i++ {
		st.Warn(time.Now().UTC(), fmt.Sprintf("warn %d", i))
	}
	w := st.Warnings()
	require.Len(t, w, maxWarnings)
	require.Equal(t, "warn 29", w[len(w)-1].Message)
}

func TestSaverInvokedOnCommit(t *testing.T) {
	st := NewState(models.DefaultStrategyParameters())
	var saved []models.StrategyRevision
	st.SetSaver(func(rev models.StrategyRevision) { saved = append(saved, rev) })

	p, _ := st.Snapshot()
	v := st.Commit(p, "persisted", time.Now().UTC())
	require.Len(t, saved, 1)
	require.Equal(t, v, saved[0].Version)
}
