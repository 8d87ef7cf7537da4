/*
scheduler.go - Choice timeout scheduler

PURPOSE:
  Card bookings of a cancelled session wait for the user to pick credit
  or refund. This scheduler periodically applies the default choice to
  bookings that have waited longer than the timeout.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Delegates to booking.Service.ExpireChoices
  - Bookings whose refund outcome is unknown stay pending for the next run
  - A failing booking never blocks the others

CONFIGURATION:
  - CheckInterval: How often to check (SCHEDULER_INTERVAL)
  - Timeout:       How long users get to choose (CHOICE_TIMEOUT)
  - Default:       Choice applied after the timeout (CHOICE_DEFAULT)

USAGE:
  scheduler := NewChoiceTimeoutScheduler(svc, refunder, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - booking/masscancel.go: CancelSession, ResolveChoice, ExpireChoices
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/booking-engine/booking"
)

// ChoiceTimeoutScheduler settles expired compensation choices.
type ChoiceTimeoutScheduler struct {
	Service       *booking.Service
	Refunder      booking.Refunder
	CheckInterval time.Duration
	Timeout       time.Duration
	Default       booking.Choice
	Enabled       bool

	log    logrus.FieldLogger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewChoiceTimeoutScheduler creates a scheduler with a 15 minute interval,
// a 72 hour timeout and credit as the default choice.
func NewChoiceTimeoutScheduler(svc *booking.Service, refunder booking.Refunder, log logrus.FieldLogger) *ChoiceTimeoutScheduler {
	return &ChoiceTimeoutScheduler{
		Service:       svc,
		Refunder:      refunder,
		CheckInterval: 15 * time.Minute,
		Timeout:       72 * time.Hour,
		Default:       booking.ChoiceCredit,
		Enabled:       true,
		log:           log.WithField("component", "choice-scheduler"),
		stop:          make(chan struct{}),
	}
}

// Start begins the scheduler.
func (cs *ChoiceTimeoutScheduler) Start() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.Enabled || cs.CheckInterval <= 0 {
		cs.log.Info("disabled, not starting")
		return
	}

	cs.ticker = time.NewTicker(cs.CheckInterval)
	cs.wg.Add(1)

	go cs.run()

	cs.log.WithFields(logrus.Fields{
		"interval": cs.CheckInterval.String(),
		"timeout":  cs.Timeout.String(),
		"default":  cs.Default,
	}).Info("started")
}

// Stop stops the scheduler and waits for a running check to finish.
func (cs *ChoiceTimeoutScheduler) Stop() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.ticker != nil {
		cs.ticker.Stop()
		close(cs.stop)
		cs.wg.Wait()
		cs.ticker = nil
		cs.log.Info("stopped")
	}
}

func (cs *ChoiceTimeoutScheduler) run() {
	defer cs.wg.Done()

	// Run immediately on start
	cs.RunNow(context.Background())

	for {
		select {
		case <-cs.ticker.C:
			cs.RunNow(context.Background())
		case <-cs.stop:
			return
		}
	}
}

// RunNow settles every expired choice once and returns how many were settled.
func (cs *ChoiceTimeoutScheduler) RunNow(ctx context.Context) int {
	resolved, err := cs.Service.ExpireChoices(ctx, cs.Timeout, cs.Default, cs.Refunder)
	if err != nil {
		cs.log.WithError(err).Error("expiring choices failed")
	}
	if len(resolved) > 0 {
		cs.log.WithField("resolved", len(resolved)).Info("expired choices settled")
	}
	return len(resolved)
}
