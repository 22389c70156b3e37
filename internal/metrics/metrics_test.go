package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/specialistvlad/accelgrid/internal/bytecode"
	"github.com/specialistvlad/accelgrid/internal/engine"
	"github.com/specialistvlad/accelgrid/internal/memory"
	"github.com/specialistvlad/accelgrid/internal/simdevice"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func event(op bytecode.Opcode, dev int) engine.Event {
	return engine.Event{
		Instruction: bytecode.Instruction{Op: op, Device: dev},
		Duration:    time.Millisecond,
	}
}

func TestCollector_Observe(t *testing.T) {
	c := NewCollector()

	copyIn := event(bytecode.OpCopyIn, 1)
	copyIn.Bytes = 64
	c.Observe(copyIn)

	skipped := event(bytecode.OpCopyIn, 1)
	skipped.Skipped = true
	c.Observe(skipped)

	failed := event(bytecode.OpLaunchTask, 0)
	failed.Err = errors.New("boom")
	c.Observe(failed)

	tests := []struct {
		name               string
		op, device, status string
		want               float64
	}{
		{"transfer", "COPY_IN", "1", statusOK, 1},
		{"cached transfer", "COPY_IN", "1", statusSkipped, 1},
		{"failure", "LAUNCH_TASK", "0", statusError, 1},
		{"not seen", "LAUNCH_TASK", "0", statusOK, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := testutil.ToFloat64(c.instructions.WithLabelValues(tc.op, tc.device, tc.status))
			assert.Equal(t, tc.want, got)
		})
	}

	assert.Equal(t, float64(64), testutil.ToFloat64(c.transferred.WithLabelValues("COPY_IN", "1")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.transferred), "skipped transfers move no bytes")
	assert.Equal(t, 2, testutil.CollectAndCount(c.issueTime))
}

func TestCollector_ObserveRun(t *testing.T) {
	c := NewCollector()
	c.ObserveRun(nil, time.Second)
	c.ObserveRun(nil, time.Second)
	c.ObserveRun(errors.New("boom"), time.Second)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.runs.WithLabelValues(statusOK)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.runs.WithLabelValues(statusError)))
	assert.Equal(t, 1, testutil.CollectAndCount(c.runTime))
}

func TestCollector_ObserveMemory(t *testing.T) {
	ctx := context.Background()
	dev := simdevice.New("sim0")
	defer dev.Close()

	m := memory.New(256)
	require.NoError(t, m.AllocateRegion(ctx, dev, 4096))
	_, err := m.Allocate(100, 0, 8)
	require.NoError(t, err)

	c := NewCollector()
	c.ObserveMemory(2, m)

	assert.Equal(t, float64(m.HeapAllocated()), testutil.ToFloat64(c.heapUsed.WithLabelValues("2")))
	assert.Equal(t, float64(m.HeapSize()), testutil.ToFloat64(c.heapSize.WithLabelValues("2")))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.stackUsed.WithLabelValues("2")))
	assert.NotZero(t, m.HeapAllocated())
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector()
	c.Observe(event(bytecode.OpBarrier, 3))

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `accelgrid_instructions_total{device="3",op="BARRIER",status="ok"} 1`)
	assert.NotContains(t, string(body), "go_goroutines", "the private registry carries no runtime collectors")
}

func TestCollector_IsObserver(t *testing.T) {
	var _ engine.Observer = NewCollector()
}
