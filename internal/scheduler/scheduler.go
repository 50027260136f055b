package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/BairdWan/BilibiliMonitoring/internal/detector"
	"github.com/BairdWan/BilibiliMonitoring/internal/domain"
	"github.com/BairdWan/BilibiliMonitoring/internal/notify"
)

const (
	cleanupSpec = "0 2 * * *"
	statsSpec   = "0 * * * *"

	cycleTimeout = 15 * time.Minute
)

// Dispatcher delivers one formatted message to the webhook.
type Dispatcher interface {
	Send(ctx context.Context, msg notify.Message) error
}

// Store is the slice of the delivery ledger the scheduler needs on top
// of what the detector already uses.
type Store interface {
	detector.Store
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

// Scheduler owns the process lifetime: the two polling timers, the
// probe-signature cache, the dirty-account set, and the relay that
// moves surviving items through format → dispatch → commit.
type Scheduler struct {
	ctx        context.Context
	cron       *cron.Cron
	det        *detector.Detector
	store      Store
	formatter  *notify.Formatter
	dispatcher Dispatcher
	accounts   []domain.MonitoredAccount

	globalInterval time.Duration
	checkInterval  time.Duration
	retention      time.Duration

	// mu serializes cycles so probe ticks, full ticks and manual runs
	// never interleave their dispatch/commit pairs.
	mu         sync.Mutex
	probeState detector.ProbeState
	dirty      map[string]domain.MonitoredAccount

	log *slog.Logger
}

type Options struct {
	Accounts       []domain.MonitoredAccount
	GlobalInterval time.Duration
	CheckInterval  time.Duration
	Retention      time.Duration
}

func New(
	ctx context.Context,
	det *detector.Detector,
	store Store,
	formatter *notify.Formatter,
	dispatcher Dispatcher,
	opts Options,
	log *slog.Logger,
) *Scheduler {
	return &Scheduler{
		ctx:            ctx,
		cron:           cron.New(),
		det:            det,
		store:          store,
		formatter:      formatter,
		dispatcher:     dispatcher,
		accounts:       opts.Accounts,
		globalInterval: opts.GlobalInterval,
		checkInterval:  opts.CheckInterval,
		retention:      opts.Retention,
		probeState:     make(detector.ProbeState),
		dirty:          make(map[string]domain.MonitoredAccount),
		log:            log,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.globalInterval), s.probeTick); err != nil {
		return fmt.Errorf("add probe entry: %w", err)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.checkInterval), s.fullTick); err != nil {
		return fmt.Errorf("add full check entry: %w", err)
	}
	if _, err := s.cron.AddFunc(cleanupSpec, s.cleanupTick); err != nil {
		return fmt.Errorf("add cleanup entry: %w", err)
	}
	if _, err := s.cron.AddFunc(statsSpec, s.statsTick); err != nil {
		return fmt.Errorf("add stats entry: %w", err)
	}

	s.cron.Start()

	return nil
}

// Stop halts the timers and waits for an in-flight cycle to finish so
// no dispatch is left without its commit.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	defer s.mu.Unlock()
}

// probeTick is Tier 1: cheap signatures for every enabled account,
// followed immediately by a detailed check of whatever changed.
func (s *Scheduler) probeTick() {
	ctx, cancel := context.WithTimeout(s.ctx, cycleTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	for _, account := range s.det.Probe(ctx, s.accounts, s.probeState) {
		s.dirty[account.ID] = account
	}
	if len(s.dirty) == 0 {
		s.log.DebugContext(ctx, "No account changes detected")
		return
	}

	pending := make([]domain.MonitoredAccount, 0, len(s.dirty))
	for _, account := range s.dirty {
		pending = append(pending, account)
	}

	s.runDetailedCheck(ctx, pending)
}

// fullTick is Tier 2's bedrock sweep: a detailed check of every
// enabled account regardless of probe signatures. It is what picks up
// video uploads the dynamic probe can miss.
func (s *Scheduler) fullTick() {
	ctx, cancel := context.WithTimeout(s.ctx, cycleTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	s.runDetailedCheck(ctx, s.accounts)
}

// runDetailedCheck must be called with mu held.
func (s *Scheduler) runDetailedCheck(ctx context.Context, accounts []domain.MonitoredAccount) {
	batches, failed := s.det.Detect(ctx, accounts)

	// Accounts whose fetch failed stay dirty and are retried on the
	// next tick even if their signature does not move again.
	for _, account := range accounts {
		if _, stillFailing := failed[account.ID]; !stillFailing {
			delete(s.dirty, account.ID)
		}
	}

	s.relay(ctx, batches)
}

// relay pushes each surviving item through format → dispatch → commit.
// The commit happens after the dispatch attempt completes, and also on
// permanent rejection, so an item is never sent twice. A commit
// failure discards the rest of the cycle's results: redelivering later
// is worse than underdelivering now.
func (s *Scheduler) relay(ctx context.Context, batches []domain.AccountItems) {
	for _, batch := range batches {
		for _, item := range batch.Items {
			msg := s.formatter.Format(batch.Account, item)

			err := s.dispatcher.Send(ctx, msg)
			switch {
			case err == nil:
			case errors.Is(err, notify.ErrRejected):
				s.log.ErrorContext(ctx, "Webhook rejected message; marking delivered anyway",
					"error", err,
					"accountID", batch.Account.ID,
					"itemID", item.ItemID)
			default:
				s.log.ErrorContext(ctx, "Dispatch failed; item will be retried next cycle",
					"error", err,
					"accountID", batch.Account.ID,
					"itemID", item.ItemID)

				continue
			}

			if err := s.store.Record(ctx, batch.Account.ID, item.ItemID, time.Now()); err != nil {
				s.log.ErrorContext(ctx, "Failed to commit delivery record; discarding remaining results",
					"error", err,
					"accountID", batch.Account.ID,
					"itemID", item.ItemID)

				return
			}

			s.log.InfoContext(ctx, "Item relayed",
				"accountID", batch.Account.ID,
				"accountName", batch.Account.DisplayName,
				"itemID", item.ItemID,
				"kind", item.Kind)
		}
	}
}

func (s *Scheduler) cleanupTick() {
	ctx, cancel := context.WithTimeout(s.ctx, cycleTimeout)
	defer cancel()

	deleted, err := s.store.Prune(ctx, s.retention)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to prune old delivery records",
			"error", err,
			"retention", s.retention)

		return
	}

	if deleted > 0 {
		s.log.InfoContext(ctx, "Old delivery records pruned",
			"deleted", deleted,
			"retention", s.retention)
	}
}

func (s *Scheduler) statsTick() {
	ctx, cancel := context.WithTimeout(s.ctx, time.Minute)
	defer cancel()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		s.log.ErrorContext(ctx, "Failed to read delivery stats",
			"error", err)

		return
	}

	s.log.InfoContext(ctx, "Delivery stats",
		"totalDelivered", stats.TotalDelivered,
		"deliveredToday", stats.DeliveredToday,
		"accountCount", stats.AccountCount,
		"latestDelivery", stats.LatestDelivery)
}

// RunOnce performs one full detection and relay cycle, used for the
// once command and the initial sweep at startup.
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runDetailedCheck(ctx, s.accounts)
}
