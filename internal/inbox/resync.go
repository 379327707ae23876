package inbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/soyeahso/salesdesk/internal/logging"
)

// Resyncable is anything that can reload itself from the canonical store.
type Resyncable interface {
	Resync(ctx context.Context) error
}

// Resyncer periodically resyncs registered sessions, which covers rows
// missed while a feed was down without reporting it.
type Resyncer struct {
	mu       sync.Mutex
	cron     *cron.Cron
	schedule string
	entry    cron.EntryID
	targets  map[string]Resyncable
	timeout  time.Duration
	log      *logging.Logger
}

// NewResyncer creates a Resyncer for a standard five-field cron schedule.
// "" and "off" disable periodic runs; RunOnce still works.
func NewResyncer(schedule string, log *logging.Logger) (*Resyncer, error) {
	if schedule != "" && schedule != "off" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("invalid resync schedule %q: %w", schedule, err)
		}
	}
	return &Resyncer{
		cron:     cron.New(),
		schedule: schedule,
		targets:  make(map[string]Resyncable),
		timeout:  30 * time.Second,
		log:      log.Sub("resync"),
	}, nil
}

// Enabled reports whether periodic runs are scheduled.
func (r *Resyncer) Enabled() bool {
	return r.schedule != "" && r.schedule != "off"
}

// Add registers target under name, replacing any previous one.
func (r *Resyncer) Add(name string, target Resyncable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name] = target
}

// Remove unregisters name.
func (r *Resyncer) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, name)
}

// Len returns the number of registered targets.
func (r *Resyncer) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.targets)
}

// RunOnce resyncs every target in name order and returns how many failed.
func (r *Resyncer) RunOnce(ctx context.Context) int {
	r.mu.Lock()
	names := make([]string, 0, len(r.targets))
	for name := range r.targets {
		names = append(names, name)
	}
	targets := make(map[string]Resyncable, len(r.targets))
	for k, v := range r.targets {
		targets[k] = v
	}
	r.mu.Unlock()
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		tctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := targets[name].Resync(tctx)
		cancel()
		if err != nil {
			failed++
			r.log.Warn().Err(err).Str("target", name).Msg("resync failed")
		}
	}
	r.log.Debug().Int("targets", len(names)).Int("failed", failed).Msg("resync pass done")
	return failed
}

// Start schedules periodic passes. It is a no-op when disabled.
func (r *Resyncer) Start() error {
	if !r.Enabled() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entry != 0 {
		return nil
	}
	id, err := r.cron.AddFunc(r.schedule, func() { r.RunOnce(context.Background()) })
	if err != nil {
		return fmt.Errorf("scheduling resync: %w", err)
	}
	r.entry = id
	r.cron.Start()
	r.log.Info().Str("schedule", r.schedule).Msg("periodic resync started")
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (r *Resyncer) Stop() {
	<-r.cron.Stop().Done()
}
