package jobs

import (
	"time"

	"github.com/rs/zerolog/log"
)

// CallSweeper evicts calls older than maxAge.
type CallSweeper interface {
	Sweep(maxAge time.Duration) int
}

// ExpirySweeper drops entries whose own TTL has passed.
type ExpirySweeper interface {
	Sweep() int
}

// SweepJob bounds in-memory state: stale calls and expired delivery claims.
type SweepJob struct {
	calls    CallSweeper
	claims   ExpirySweeper
	maxAge   time.Duration
	interval time.Duration
	done     chan struct{}
}

// NewSweepJob builds the job. claims may be nil when delivery claims live
// outside the process.
func NewSweepJob(calls CallSweeper, claims ExpirySweeper, maxAge, interval time.Duration) *SweepJob {
	return &SweepJob{
		calls:    calls,
		claims:   claims,
		maxAge:   maxAge,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *SweepJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Dur("maxAge", j.maxAge).Msg("sweep job started")
}

func (j *SweepJob) Stop() {
	close(j.done)
	log.Info().Msg("sweep job stopped")
}

func (j *SweepJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.sweep()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep()
		}
	}
}

func (j *SweepJob) sweep() {
	j.runSweep("calls", func() int { return j.calls.Sweep(j.maxAge) })
	if j.claims != nil {
		j.runSweep("delivery claims", j.claims.Sweep)
	}
}

func (j *SweepJob) runSweep(name string, fn func() int) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msgf("failed to sweep %s", name)
		}
	}()

	if count := fn(); count > 0 {
		log.Info().Int("count", count).Msgf("swept %s", name)
	}
}
