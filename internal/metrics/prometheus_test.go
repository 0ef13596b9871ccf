package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRegistryGathersCounters(t *testing.T) {
	m := New()
	m.IncElectionsWon()
	m.IncElectionsWon()
	m.IncKicks()

	reg := NewRegistry(m)
	families, err := reg.Gatherer().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	require.InDelta(t, 2, testutil.ToFloat64(reg.electionsWon), 0.0001)
	require.InDelta(t, 1, testutil.ToFloat64(reg.kicks), 0.0001)
}
