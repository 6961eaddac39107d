package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/informalsystems/chainpulse/internal/supervisor"
	"github.com/informalsystems/chainpulse/pkg/metrics"
)

type fakeWorker struct {
	ran chan struct{}
}

func (w *fakeWorker) Run(ctx context.Context) error {
	<-ctx.Done()
	close(w.ran)
	return nil
}

func TestSupervisorStopsWorkersOnContextCancel(t *testing.T) {
	reg := metrics.New()
	w := &fakeWorker{ran: make(chan struct{})}
	s := supervisor.New(map[string]supervisor.Worker{"osmosis-1": w}, reg, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		require.NoError(t, s.Run(ctx))
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}

	select {
	case <-w.ran:
	default:
		t.Fatal("worker was not stopped")
	}
}

func TestSupervisorSetsChainsGauge(t *testing.T) {
	reg := metrics.New()
	w1 := &fakeWorker{ran: make(chan struct{})}
	w2 := &fakeWorker{ran: make(chan struct{})}
	s := supervisor.New(map[string]supervisor.Worker{"osmosis-1": w1, "cosmoshub-4": w2}, reg, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, float64(2), testutil.ToFloat64(reg.ChainpulseChains))
	cancel()
	time.Sleep(50 * time.Millisecond)
}
