package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	assert.NotPanics(t, Register)
	assert.NotPanics(t, Register)

	ChunksDiscarded.WithLabelValues("hash_mismatch").Inc()

	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["furydrop_chunks_discarded_total"])
	assert.True(t, names["furydrop_active_transfers"])
}
