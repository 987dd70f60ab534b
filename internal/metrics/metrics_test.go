package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordChunk(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordChunk(1000, 600, true)
	m.RecordChunk(1000, 600, false)
	m.RecordChunk(500, 300, true)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.chunksStored))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.chunksDeduped))
	assert.Equal(t, float64(2500), testutil.ToFloat64(m.bytesOriginal))
	assert.Equal(t, float64(900), testutil.ToFloat64(m.bytesStored))
}

func TestRecordOperation(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordOperation("create", 2*time.Second, nil)
	m.RecordOperation("create", time.Second, errors.New("boom"))

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.operationsTotal.WithLabelValues("create", "success")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.operationsTotal.WithLabelValues("create", "error")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.operationErrors.WithLabelValues("create")))
}

func TestRecordItemAndRepair(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordItem("file")
	m.RecordItem("file")
	m.RecordItem("symlink")
	m.RecordRepair("zero_chunk")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.itemsProcessed.WithLabelValues("file")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.itemsProcessed.WithLabelValues("symlink")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.repairActions.WithLabelValues("zero_chunk")))
}

func TestUpdateRuntime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	m.UpdateRuntime()
	assert.Greater(t, testutil.ToFloat64(m.goroutines), float64(0))
	assert.Greater(t, testutil.ToFloat64(m.memoryAllocBytes), float64(0))
}

func TestMetricsRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)
	m.RecordChunk(1, 1, true)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["carbonvault_chunks_stored_total"])
	assert.True(t, names["carbonvault_bytes_original_total"])
}
