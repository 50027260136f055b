package detector

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/BairdWan/BilibiliMonitoring/internal/domain"
)

const detailFetchMaxConcurrency = 4

// Client is the slice of the upstream API the detector needs.
type Client interface {
	FetchGlobalProbe(ctx context.Context, accountID string) (domain.ProbeResult, error)
	FetchDetailedItems(ctx context.Context, accountID string, kinds []domain.Kind) ([]domain.ContentItem, error)
}

// Store is the slice of the delivery ledger the detector needs.
type Store interface {
	Exists(ctx context.Context, accountID, itemID string) (bool, error)
	Record(ctx context.Context, accountID, itemID string, deliveredAt time.Time) error
	CountForAccount(ctx context.Context, accountID string) (int64, error)
}

// ProbeState is the cached per-account change signature. The caller
// owns it and passes it into every probe cycle.
type ProbeState map[string]string

// Detector runs the two-tier check: a cheap signature probe across all
// accounts, then a detailed fetch only for accounts that changed.
type Detector struct {
	client Client
	store  Store
	log    *slog.Logger
}

func New(client Client, store Store, log *slog.Logger) *Detector {
	return &Detector{client: client, store: store, log: log}
}

// Probe compares each enabled account's current signature with the
// cached one and returns the accounts that changed, updating state in
// place. A probe failure skips the account for this cycle; the full
// check sweep covers it later.
func (d *Detector) Probe(
	ctx context.Context,
	accounts []domain.MonitoredAccount,
	state ProbeState,
) []domain.MonitoredAccount {
	var changed []domain.MonitoredAccount

	for _, account := range accounts {
		if !account.Enabled {
			continue
		}

		probe, err := d.client.FetchGlobalProbe(ctx, account.ID)
		if err != nil {
			d.log.WarnContext(ctx, "Probe failed; skipping account this cycle",
				"error", err,
				"accountID", account.ID,
				"accountName", account.DisplayName)

			continue
		}

		previous, known := state[account.ID]
		if known && previous == probe.Signature {
			continue
		}

		state[account.ID] = probe.Signature
		changed = append(changed, account)
	}

	return changed
}

type detectResult struct {
	account domain.MonitoredAccount
	items   []domain.ContentItem
	err     error
}

// Detect fetches detailed item lists for the given accounts with
// bounded concurrency, filters out everything that is not genuinely
// new, and returns per-account batches sorted by ascending publish
// time. Failed accounts are reported in the second return value and
// never block the others.
func (d *Detector) Detect(
	ctx context.Context,
	accounts []domain.MonitoredAccount,
) ([]domain.AccountItems, map[string]error) {
	enabled := make([]domain.MonitoredAccount, 0, len(accounts))
	for _, account := range accounts {
		if account.Enabled {
			enabled = append(enabled, account)
		}
	}
	if len(enabled) == 0 {
		return nil, nil
	}

	var wg sync.WaitGroup

	concurrency := min(detailFetchMaxConcurrency, len(enabled))
	semCh := make(chan struct{}, concurrency)
	resultCh := make(chan detectResult, len(enabled))

	for _, account := range enabled {
		wg.Add(1)
		semCh <- struct{}{}

		go func(copiedAccount domain.MonitoredAccount) {
			defer wg.Done()

			items, err := d.detectAccount(ctx, copiedAccount)
			resultCh <- detectResult{account: copiedAccount, items: items, err: err}

			<-semCh
		}(account)
	}

	go func() {
		wg.Wait()
		close(semCh)
		close(resultCh)
	}()

	var batches []domain.AccountItems
	failed := make(map[string]error)

	for res := range resultCh {
		if res.err != nil {
			failed[res.account.ID] = res.err
			d.log.WarnContext(ctx, "Detailed check failed; retrying next cycle",
				"error", res.err,
				"accountID", res.account.ID,
				"accountName", res.account.DisplayName)
		}
		if len(res.items) > 0 {
			batches = append(batches, domain.AccountItems{Account: res.account, Items: res.items})
		}
	}

	if len(failed) == 0 {
		failed = nil
	}

	slices.SortFunc(batches, func(a, b domain.AccountItems) int {
		return cmp.Compare(a.Account.ID, b.Account.ID)
	})

	return batches, failed
}

func (d *Detector) detectAccount(
	ctx context.Context,
	account domain.MonitoredAccount,
) ([]domain.ContentItem, error) {
	items, err := d.client.FetchDetailedItems(ctx, account.ID, account.Kinds)
	if err != nil && len(items) == 0 {
		return nil, err
	}
	if err != nil {
		d.log.WarnContext(ctx, "Partial detailed fetch",
			"error", err,
			"accountID", account.ID,
			"itemCount", len(items))
	}

	recorded, countErr := d.store.CountForAccount(ctx, account.ID)
	if countErr != nil {
		return nil, countErr
	}

	// First ever fetch for this account: record everything as the
	// delivered baseline instead of flooding the webhook.
	if recorded == 0 {
		if err := d.baseline(ctx, account, items); err != nil {
			return nil, err
		}
		return nil, nil
	}

	fresh, err := d.filter(ctx, account, items)
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(fresh, func(a, b domain.ContentItem) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return fresh, nil
}

func (d *Detector) baseline(
	ctx context.Context,
	account domain.MonitoredAccount,
	items []domain.ContentItem,
) error {
	now := time.Now()
	for _, item := range items {
		if err := d.store.Record(ctx, account.ID, item.ItemID, now); err != nil {
			return err
		}
	}

	d.log.InfoContext(ctx, "Account baselined",
		"accountID", account.ID,
		"accountName", account.DisplayName,
		"itemCount", len(items))

	return nil
}

func (d *Detector) filter(
	ctx context.Context,
	account domain.MonitoredAccount,
	items []domain.ContentItem,
) ([]domain.ContentItem, error) {
	var fresh []domain.ContentItem

	for _, item := range items {
		if item.IsPinned {
			seen, err := d.store.Exists(ctx, account.ID, item.ItemID)
			if err != nil {
				return nil, err
			}
			// Pinned items resurface at the top of every fetch
			// without being new.
			if seen {
				continue
			}
		}

		if item.IsRepostOfOther {
			continue
		}

		seen, err := d.store.Exists(ctx, account.ID, item.ItemID)
		if err != nil {
			return nil, err
		}
		if seen {
			continue
		}

		fresh = append(fresh, item)
	}

	return fresh, nil
}
