package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"vmsentry/internal/model"
)

type fakeNotifier struct {
	mu        sync.Mutex
	immediate []model.Alert
	batches   [][]model.Alert
	err       error
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) SendImmediate(_ context.Context, alert model.Alert, _ model.EntityContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.immediate = append(f.immediate, alert)
	return f.err
}

func (f *fakeNotifier) SendBatch(_ context.Context, alerts []model.Alert, _ model.EntityContext) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, append([]model.Alert(nil), alerts...))
	return f.err
}

func (f *fakeNotifier) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.immediate), len(f.batches)
}

func serviceAlert(entity, service string, state model.ServiceState) model.Alert {
	sev := model.SeverityWarning
	if state == model.ServiceDown {
		sev = model.SeverityCritical
	}
	return model.Alert{
		EntityID:     entity,
		DisplayName:  entity + ".local",
		Metric:       model.ServiceKind(service),
		Service:      service,
		ServiceState: state,
		Severity:     sev,
		Message:      fmt.Sprintf("Service %s is %s", service, state),
	}
}

func TestNumericAlertsAlwaysImmediate(t *testing.T) {
	n := &fakeNotifier{}
	r := NewRouter(n, time.Minute, nil, nil)
	ctx := context.Background()
	alert := model.Alert{EntityID: "vm-1", Metric: model.MetricCPUUsage, Severity: model.SeverityWarning}
	for i := 0; i < 3; i++ {
		r.Route(ctx, alert)
	}
	immediate, _ := n.counts()
	assert.Equal(t, 3, immediate)
	assert.Zero(t, r.Flush(ctx))
	assert.Zero(t, r.Stats().Queued)
}

func TestServiceAlertFirstImmediateThenBatched(t *testing.T) {
	n := &fakeNotifier{}
	r := NewRouter(n, time.Minute, nil, nil)
	r.now = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))
	immediate, batches := n.counts()
	require.Equal(t, 1, immediate)
	require.Zero(t, batches)

	st, ok := r.ServiceState("vm-1", "nginx")
	require.True(t, ok)
	assert.True(t, st.EmailSent)
	assert.Equal(t, st.FirstAlertTime, st.LastAlertTime)

	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))
	r.Route(ctx, serviceAlert("vm-1", "redis", model.ServiceDown))
	r.Route(ctx, serviceAlert("vm-1", "redis", model.ServiceDown))
	immediate, _ = n.counts()
	assert.Equal(t, 2, immediate, "second nginx alert is queued, first redis alert goes out")
	require.Len(t, r.Pending("vm-1"), 2)

	assert.Equal(t, 1, r.Flush(ctx))
	_, batches = n.counts()
	require.Equal(t, 1, batches)
	assert.Len(t, n.batches[0], 2)
	assert.Empty(t, r.Pending("vm-1"))

	assert.Zero(t, r.Flush(ctx), "empty queues are skipped")
}

func TestQueuedAlertsReplacedByMetric(t *testing.T) {
	n := &fakeNotifier{}
	r := NewRouter(n, time.Minute, nil, nil)
	ctx := context.Background()

	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDegraded))
	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDegraded))
	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))

	pending := r.Pending("vm-1")
	require.Len(t, pending, 1)
	assert.Equal(t, model.ServiceDown, pending[0].ServiceState)

	st, ok := r.ServiceState("vm-1", "nginx")
	require.True(t, ok)
	assert.Equal(t, model.ServiceDown, st.Alert.ServiceState)
}

func TestBatchesAreGroupedPerEntity(t *testing.T) {
	n := &fakeNotifier{}
	r := NewRouter(n, time.Minute, nil, nil)
	ctx := context.Background()
	for _, entity := range []string{"vm-1", "vm-2", "vm-3"} {
		r.Route(ctx, serviceAlert(entity, "sshd", model.ServiceDown))
	}
	r.Route(ctx, serviceAlert("vm-1", "sshd", model.ServiceDown))
	r.Route(ctx, serviceAlert("vm-3", "sshd", model.ServiceDown))

	assert.Equal(t, 2, r.Flush(ctx))
	_, batches := n.counts()
	assert.Equal(t, 2, batches)
}

func TestSendFailureKeepsRoutingState(t *testing.T) {
	n := &fakeNotifier{err: errors.New("smtp: connection refused")}
	r := NewRouter(n, time.Minute, nil, nil)
	ctx := context.Background()

	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))
	st, ok := r.ServiceState("vm-1", "nginx")
	require.True(t, ok)
	assert.True(t, st.EmailSent, "a failed send still counts as sent")

	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))
	assert.Equal(t, 1, r.Flush(ctx))
	assert.Empty(t, r.Pending("vm-1"), "a failed batch is not requeued")

	immediate, batches := n.counts()
	assert.Equal(t, 1, immediate)
	assert.Equal(t, 1, batches)
}

func TestResetForgetsServiceState(t *testing.T) {
	n := &fakeNotifier{}
	r := NewRouter(n, time.Minute, nil, nil)
	ctx := context.Background()
	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))
	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))
	r.Reset()

	assert.Zero(t, r.Stats().Queued)
	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))
	immediate, _ := n.counts()
	assert.Equal(t, 2, immediate)
}

func TestConcurrentRouteAndFlushLoseNothing(t *testing.T) {
	n := &fakeNotifier{}
	r := NewRouter(n, time.Minute, nil, nil)
	ctx := context.Background()

	const services = 200
	for i := 0; i < services; i++ {
		r.Route(ctx, serviceAlert("vm-1", fmt.Sprintf("svc-%d", i), model.ServiceDown))
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < services; i += 4 {
				r.Route(ctx, serviceAlert("vm-1", fmt.Sprintf("svc-%d", i), model.ServiceDown))
			}
		}(w)
	}
	stop := make(chan struct{})
	flushed := make(chan struct{})
	go func() {
		defer close(flushed)
		for {
			select {
			case <-stop:
				return
			default:
				r.Flush(ctx)
			}
		}
	}()
	wg.Wait()
	close(stop)
	<-flushed
	r.Flush(ctx)

	total := 0
	n.mu.Lock()
	for _, b := range n.batches {
		total += len(b)
	}
	n.mu.Unlock()
	assert.Equal(t, services, total)
}

func TestScheduledFlushAndStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	n := &fakeNotifier{}
	r := NewRouter(n, time.Second, nil, nil)
	ctx := context.Background()
	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))
	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))

	r.Start()
	require.Eventually(t, func() bool {
		_, batches := n.counts()
		return batches == 1
	}, 5*time.Second, 50*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	assert.NoError(t, r.Stop(stopCtx), "second stop is a no-op")
}

// gatedNotifier blocks sends until release is closed. With batchOnly set,
// immediate sends pass straight through.
type gatedNotifier struct {
	fakeNotifier
	batchOnly bool
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
}

func newGatedNotifier() *gatedNotifier {
	return &gatedNotifier{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedNotifier) wait() {
	g.once.Do(func() { close(g.entered) })
	<-g.release
}

func (g *gatedNotifier) SendImmediate(ctx context.Context, alert model.Alert, entity model.EntityContext) error {
	if !g.batchOnly {
		g.wait()
	}
	return g.fakeNotifier.SendImmediate(ctx, alert, entity)
}

func (g *gatedNotifier) SendBatch(ctx context.Context, alerts []model.Alert, entity model.EntityContext) error {
	g.wait()
	return g.fakeNotifier.SendBatch(ctx, alerts, entity)
}

func TestStopWaitsForRunningFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	n := newGatedNotifier()
	n.batchOnly = true
	r := NewRouter(n, time.Second, nil, nil)
	ctx := context.Background()
	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))
	r.Route(ctx, serviceAlert("vm-1", "nginx", model.ServiceDown))

	r.Start()
	select {
	case <-n.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled flush never started")
	}

	stopped := make(chan error, 1)
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopped <- r.Stop(stopCtx)
	}()
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned during a running flush: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	close(n.release)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the flush finished")
	}
	_, batches := n.counts()
	assert.Equal(t, 1, batches)
}

func TestStartedRouterDoesNotBlockOnImmediateSend(t *testing.T) {
	defer goleak.VerifyNone(t)

	n := newGatedNotifier()
	r := NewRouter(n, time.Hour, nil, nil)
	r.Start()

	routed := make(chan struct{})
	go func() {
		defer close(routed)
		r.Route(context.Background(), model.Alert{EntityID: "vm-1", Metric: model.MetricCPUUsage, Severity: model.SeverityCritical})
	}()
	select {
	case <-routed:
	case <-time.After(2 * time.Second):
		t.Fatal("Route waited on the notifier")
	}
	<-n.entered

	close(n.release)
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	immediate, _ := n.counts()
	assert.Equal(t, 1, immediate)
}

func TestStopDeadlineCancelsStalledDelivery(t *testing.T) {
	defer goleak.VerifyNone(t)

	n := newGatedNotifier()
	r := NewRouter(n, time.Hour, nil, nil)
	r.Start()
	r.Route(context.Background(), model.Alert{EntityID: "vm-1", Metric: model.MetricCPUUsage, Severity: model.SeverityCritical})
	<-n.entered

	stopCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.Stop(stopCtx), context.DeadlineExceeded)
	close(n.release)
}
