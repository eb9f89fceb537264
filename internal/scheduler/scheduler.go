// Package scheduler runs recurring scans. Each job pairs a cron expression with
// a fixed scan request and calls StartScan whenever the expression fires.
package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/anstrom/subsonic/internal/metrics"
	"github.com/anstrom/subsonic/internal/session"
)

// Starter starts a scan. *session.Controller implements it.
type Starter interface {
	StartScan(domain string, wordlist session.Wordlist, dnsServers []string, opts session.ScanOptions) string
}

var _ Starter = (*session.Controller)(nil)

// ScanJobConfig is the request a job sends every time it fires.
// Words takes precedence over WordlistKey when both are set.
type ScanJobConfig struct {
	Domain      string              `json:"domain" yaml:"domain"`
	Words       []string            `json:"words,omitempty" yaml:"words,omitempty"`
	WordlistKey string              `json:"wordlist_key,omitempty" yaml:"wordlist_key,omitempty"`
	DNSServers  []string            `json:"dns_servers,omitempty" yaml:"dns_servers,omitempty"`
	Options     session.ScanOptions `json:"options" yaml:"options"`
}

func (c ScanJobConfig) wordlist() session.Wordlist {
	if c.Words != nil {
		return session.InlineWordlist(c.Words...)
	}
	return session.WordlistKey(c.WordlistKey)
}

// ScheduledJob is a registered job and its run history.
type ScheduledJob struct {
	ID             uuid.UUID
	Name           string
	CronExpression string
	CronID         cron.EntryID
	Config         ScanJobConfig
	LastRun        time.Time
	LastRequestID  string
	NextRun        time.Time
	Runs           int
	Skipped        int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r metrics.MetricsRegistry) Option {
	return func(s *Scheduler) { s.metrics = metrics.OrNop(r) }
}

// WithReadyFunc gates every run: when ready reports false the run is skipped
// instead of sending a command that would be dropped.
func WithReadyFunc(ready func() bool) Option {
	return func(s *Scheduler) { s.ready = ready }
}

// WithLocation evaluates cron expressions in loc instead of time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.location = loc }
}

// Scheduler manages scheduled scan jobs.
type Scheduler struct {
	starter  Starter
	cron     *cron.Cron
	location *time.Location
	ready    func() bool
	logger   *slog.Logger
	metrics  metrics.MetricsRegistry

	jobs    map[uuid.UUID]*ScheduledJob
	mu      sync.RWMutex
	running bool
}

// NewScheduler creates a scheduler that starts scans through starter.
func NewScheduler(starter Starter, opts ...Option) *Scheduler {
	s := &Scheduler{
		starter:  starter,
		location: time.Local,
		logger:   slog.Default(),
		metrics:  metrics.Nop{},
		jobs:     make(map[uuid.UUID]*ScheduledJob),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	s.cron = cron.New(cron.WithLocation(s.location))
	return s
}

// Start begins firing jobs.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

// Stop stops firing jobs and waits for a run in progress to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// AddScanJob registers a job. cronExpr uses the standard five-field syntax
// or a descriptor such as "@hourly" or "@every 30m".
func (s *Scheduler) AddScanJob(name, cronExpr string, config ScanJobConfig) (uuid.UUID, error) {
	if strings.TrimSpace(config.Domain) == "" {
		return uuid.Nil, fmt.Errorf("scan job %q: domain is required", name)
	}
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	job := &ScheduledJob{
		ID:             uuid.New(),
		Name:           name,
		CronExpression: cronExpr,
		Config:         config,
		NextRun:        schedule.Next(time.Now().In(s.location)),
	}
	if err := s.addJobToCron(job); err != nil {
		return uuid.Nil, err
	}
	return job.ID, nil
}

func (s *Scheduler) addJobToCron(job *ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobID := job.ID
	cronID, err := s.cron.AddFunc(job.CronExpression, func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Scheduled scan panicked", "job_id", jobID, "panic", r)
			}
		}()
		s.executeScanJob(jobID)
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	job.CronID = cronID
	s.jobs[job.ID] = job

	s.logger.Info("Added scan job",
		"job", job.Name,
		"domain", job.Config.Domain,
		"schedule", job.CronExpression)
	return nil
}

// RemoveJob unregisters a job. A run already in progress is not interrupted.
func (s *Scheduler) RemoveJob(jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("job not found")
	}

	s.cron.Remove(job.CronID)
	delete(s.jobs, jobID)

	s.logger.Info("Removed scan job", "job", job.Name)
	return nil
}

// RunNow fires a job immediately, outside its schedule.
func (s *Scheduler) RunNow(jobID uuid.UUID) error {
	s.mu.RLock()
	_, exists := s.jobs[jobID]
	s.mu.RUnlock()
	if !exists {
		return fmt.Errorf("job not found")
	}

	s.executeScanJob(jobID)
	return nil
}

// GetJobs returns copies of all jobs ordered by name.
func (s *Scheduler) GetJobs() []*ScheduledJob {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*ScheduledJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		j := *job
		if s.running {
			if entry := s.cron.Entry(job.CronID); entry.Valid() {
				j.NextRun = entry.Next
			}
		}
		jobs = append(jobs, &j)
	}
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].Name < jobs[b].Name
	})
	return jobs
}

func (s *Scheduler) executeScanJob(jobID uuid.UUID) {
	s.mu.Lock()
	job, exists := s.jobs[jobID]
	if !exists {
		s.mu.Unlock()
		return
	}
	config := job.Config
	name := job.Name
	if s.ready != nil && !s.ready() {
		job.Skipped++
		s.mu.Unlock()

		s.logger.Warn("Skipping scheduled scan: not connected", "job", name, "domain", config.Domain)
		s.metrics.Counter(metrics.MetricScheduledRuns, metrics.Labels{"result": "skipped"})
		return
	}
	s.mu.Unlock()

	requestID := s.starter.StartScan(config.Domain, config.wordlist(), config.DNSServers, config.Options)

	s.mu.Lock()
	job.LastRun = time.Now()
	job.LastRequestID = requestID
	job.Runs++
	s.mu.Unlock()

	s.metrics.Counter(metrics.MetricScheduledRuns, metrics.Labels{"result": "started"})
	s.logger.Info("Scheduled scan started",
		"job", name,
		"domain", config.Domain,
		"request_id", requestID)
}
