package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/subsonic/internal/logging"
	"github.com/anstrom/subsonic/internal/metrics"
	"github.com/anstrom/subsonic/internal/session"
)

type startCall struct {
	domain     string
	wordlist   session.Wordlist
	dnsServers []string
	opts       session.ScanOptions
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []startCall
	next  int
	panic bool
}

func (f *fakeStarter) StartScan(domain string, wordlist session.Wordlist, dnsServers []string, opts session.ScanOptions) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("starter exploded")
	}
	f.calls = append(f.calls, startCall{domain, wordlist, dnsServers, opts})
	f.next++
	return uuid.NewString()
}

func (f *fakeStarter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestScheduler(starter Starter, opts ...Option) *Scheduler {
	return NewScheduler(starter, append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

var exampleJob = ScanJobConfig{
	Domain:      "example.com",
	WordlistKey: "common_speak",
	DNSServers:  []string{"1.1.1.1"},
	Options:     session.ScanOptions{Concurrency: 100, Adaptive: true, EnableRetry: true},
}

func TestAddScanJob(t *testing.T) {
	tests := []struct {
		name     string
		cronExpr string
		config   ScanJobConfig
		wantErr  string
	}{
		{name: "five field expression", cronExpr: "0 3 * * *", config: exampleJob},
		{name: "descriptor", cronExpr: "@hourly", config: exampleJob},
		{name: "interval", cronExpr: "@every 30m", config: exampleJob},
		{name: "invalid expression", cronExpr: "every tuesday", config: exampleJob, wantErr: "invalid cron expression"},
		{name: "too many fields", cronExpr: "0 0 3 * * *", config: exampleJob, wantErr: "invalid cron expression"},
		{name: "missing domain", cronExpr: "@daily", config: ScanJobConfig{WordlistKey: "x"}, wantErr: "domain is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(&fakeStarter{})

			id, err := s.AddScanJob(tt.name, tt.cronExpr, tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Equal(t, uuid.Nil, id)
				assert.Empty(t, s.GetJobs())
				return
			}

			require.NoError(t, err)
			jobs := s.GetJobs()
			require.Len(t, jobs, 1)
			assert.Equal(t, id, jobs[0].ID)
			assert.Equal(t, tt.cronExpr, jobs[0].CronExpression)
			assert.True(t, jobs[0].NextRun.After(time.Now()))
		})
	}
}

func TestRunNow(t *testing.T) {
	starter := &fakeStarter{}
	registry := metrics.NewRegistry()
	s := newTestScheduler(starter, WithMetrics(registry))

	id, err := s.AddScanJob("nightly", "@daily", exampleJob)
	require.NoError(t, err)

	require.NoError(t, s.RunNow(id))

	require.Equal(t, 1, starter.callCount())
	call := starter.calls[0]
	assert.Equal(t, "example.com", call.domain)
	assert.False(t, call.wordlist.IsInline())
	assert.Equal(t, "common_speak", call.wordlist.Key())
	assert.Equal(t, []string{"1.1.1.1"}, call.dnsServers)
	assert.Equal(t, exampleJob.Options, call.opts)

	job := s.GetJobs()[0]
	assert.Equal(t, 1, job.Runs)
	assert.NotEmpty(t, job.LastRequestID)
	assert.False(t, job.LastRun.IsZero())
	assert.Equal(t, 1.0, registry.Value(metrics.MetricScheduledRuns, metrics.Labels{"result": "started"}))

	assert.Error(t, s.RunNow(uuid.New()))
}

func TestRunNow_InlineWords(t *testing.T) {
	starter := &fakeStarter{}
	s := newTestScheduler(starter)

	cfg := exampleJob
	cfg.Words = []string{"www", "mail"}
	id, err := s.AddScanJob("inline", "@daily", cfg)
	require.NoError(t, err)
	require.NoError(t, s.RunNow(id))

	call := starter.calls[0]
	assert.True(t, call.wordlist.IsInline())
	assert.Equal(t, []string{"www", "mail"}, call.wordlist.Words())
}

func TestRunSkippedWhenNotReady(t *testing.T) {
	starter := &fakeStarter{}
	registry := metrics.NewRegistry()
	connected := false
	s := newTestScheduler(starter,
		WithMetrics(registry),
		WithReadyFunc(func() bool { return connected }))

	id, err := s.AddScanJob("gated", "@daily", exampleJob)
	require.NoError(t, err)

	require.NoError(t, s.RunNow(id))
	assert.Zero(t, starter.callCount())
	assert.Equal(t, 1, s.GetJobs()[0].Skipped)
	assert.Equal(t, 1.0, registry.Value(metrics.MetricScheduledRuns, metrics.Labels{"result": "skipped"}))

	connected = true
	require.NoError(t, s.RunNow(id))
	assert.Equal(t, 1, starter.callCount())
}

func TestRemoveJob(t *testing.T) {
	s := newTestScheduler(&fakeStarter{})

	a, err := s.AddScanJob("a", "@daily", exampleJob)
	require.NoError(t, err)
	_, err = s.AddScanJob("b", "@hourly", exampleJob)
	require.NoError(t, err)

	require.NoError(t, s.RemoveJob(a))
	jobs := s.GetJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "b", jobs[0].Name)

	assert.Error(t, s.RemoveJob(a), "removing twice fails")
}

func TestGetJobs_SortedCopies(t *testing.T) {
	s := newTestScheduler(&fakeStarter{})
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		_, err := s.AddScanJob(name, "@daily", exampleJob)
		require.NoError(t, err)
	}

	jobs := s.GetJobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, []string{jobs[0].Name, jobs[1].Name, jobs[2].Name})

	jobs[0].Name = "mutated"
	assert.Equal(t, "alpha", s.GetJobs()[0].Name)
}

func TestStartStop(t *testing.T) {
	s := newTestScheduler(&fakeStarter{})

	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "starting twice fails")

	s.Stop()
	s.Stop()
}

func TestScheduledRunFires(t *testing.T) {
	starter := &fakeStarter{}
	s := newTestScheduler(starter)

	_, err := s.AddScanJob("fast", "@every 1s", exampleJob)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	require.Eventually(t, func() bool { return starter.callCount() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestPanicInRunIsRecovered(t *testing.T) {
	starter := &fakeStarter{panic: true}
	s := newTestScheduler(starter)

	_, err := s.AddScanJob("boom", "@every 1s", exampleJob)
	require.NoError(t, err)
	require.NoError(t, s.Start())

	// The cron goroutine survives; give it time to fire at least once.
	time.Sleep(1500 * time.Millisecond)
	assert.NotPanics(t, s.Stop)
}
