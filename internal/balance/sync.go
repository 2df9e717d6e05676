// Package balance keeps a client-side view of one store's credit balance in
// step with the ledger, using the change feed and explicit refetches.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/provadorai/provador/internal/credits"
	"github.com/provadorai/provador/internal/model"
)

const (
	defaultReconnectBase = 500 * time.Millisecond
	defaultReconnectMax  = 30 * time.Second
)

// ErrNotLoaded is returned by View before the first successful pull.
var ErrNotLoaded = errors.New("balance not loaded")

// Fetcher pulls the authoritative account.
type Fetcher interface {
	Fetch(ctx context.Context, storeID string) (model.Account, error)
}

// Consumer charges one credit under an idempotency key.
type Consumer interface {
	Consume(ctx context.Context, storeID, idempotencyKey string) (model.ConsumeResult, error)
}

// Subscription is an open change feed stream.
type Subscription interface {
	Next(ctx context.Context) (model.ChangeEvent, error)
	Close() error
}

// Subscriber opens change feed streams.
type Subscriber interface {
	Subscribe(ctx context.Context, storeID string) (Subscription, error)
}

// Options tunes a Sync.
type Options struct {
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	Now           func() time.Time
}

// Sync holds one store's balance view.
type Sync struct {
	storeID string
	fetcher Fetcher
	sub     Subscriber
	logger  *slog.Logger
	opts    Options
	group   singleflight.Group

	mu        sync.Mutex
	account   model.Account
	loaded    bool
	stale     bool
	listeners []func(model.BalanceView)
}

func New(storeID string, fetcher Fetcher, sub Subscriber, logger *slog.Logger, opts Options) *Sync {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = defaultReconnectBase
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = defaultReconnectMax
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sync{
		storeID: storeID,
		fetcher: fetcher,
		sub:     sub,
		logger:  logger.With("component", "balance", "store_id", storeID),
		opts:    opts,
	}
}

// OnChange registers fn to be called with every new view. fn runs outside
// the lock and may call View.
func (s *Sync) OnChange(fn func(model.BalanceView)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// View returns the current view with derived fields computed at call time.
func (s *Sync) View() (model.BalanceView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return model.BalanceView{}, ErrNotLoaded
	}
	return s.viewLocked(), nil
}

func (s *Sync) viewLocked() model.BalanceView {
	v := credits.View(s.account, s.opts.Now())
	v.Stale = s.stale
	return v
}

// Start pulls the account once, then follows the feed in the background
// until ctx is done.
func (s *Sync) Start(ctx context.Context) error {
	if _, err := s.Refetch(ctx); err != nil {
		return err
	}
	go s.Run(ctx)
	return nil
}

// Refetch pulls the account and replaces the view, clearing the stale flag.
// Concurrent calls share one fetch.
func (s *Sync) Refetch(ctx context.Context) (model.BalanceView, error) {
	v, err, _ := s.group.Do(s.storeID, func() (any, error) {
		a, err := s.fetcher.Fetch(ctx, s.storeID)
		if err != nil {
			return nil, fmt.Errorf("fetch balance: %w", err)
		}
		return s.confirm(a), nil
	})
	if err != nil {
		return model.BalanceView{}, err
	}
	return v.(model.BalanceView), nil
}

// Apply folds a feed event into the view. Events older than the view are
// ignored; replaying the current event changes nothing.
func (s *Sync) Apply(e model.ChangeEvent) bool {
	if e.StoreID != "" && e.StoreID != s.storeID {
		return false
	}
	s.mu.Lock()
	if s.loaded && e.Version <= s.account.Version {
		s.mu.Unlock()
		return false
	}
	s.account = e.Account()
	s.account.StoreID = s.storeID
	s.loaded = true
	return s.commit()
}

// ApplyConsumed applies a consume's creditsRemaining ahead of the feed echo.
// version is the account version the consume produced; results at or below
// the view's version are stale and ignored. When events were skipped the
// remaining total is applied but the version is kept, so the feed can still
// settle the bucket split.
func (s *Sync) ApplyConsumed(remaining int, version int64) bool {
	s.mu.Lock()
	if !s.loaded || version <= s.account.Version {
		s.mu.Unlock()
		return false
	}
	plan, extra := credits.SplitRemaining(s.account.PlanCredits, s.account.ExtraCredits, remaining)
	s.account.PlanCredits = plan
	s.account.ExtraCredits = extra
	if version == s.account.Version+1 {
		s.account.Version = version
	}
	return s.commit()
}

// Consume charges one credit through c and folds the result into the view.
func (s *Sync) Consume(ctx context.Context, c Consumer, idempotencyKey string) (model.ConsumeResult, error) {
	res, err := c.Consume(ctx, s.storeID, idempotencyKey)
	if err != nil {
		return model.ConsumeResult{}, err
	}
	if res.Success && res.CreditsRemaining != nil {
		s.ApplyConsumed(*res.CreditsRemaining, res.Version)
	}
	return res, nil
}

// confirm installs a fetched account unless the view already holds a newer one.
func (s *Sync) confirm(a model.Account) model.BalanceView {
	s.mu.Lock()
	if !s.loaded || a.Version >= s.account.Version {
		s.account = a
		s.loaded = true
	}
	s.stale = false
	v := s.viewLocked()
	s.mu.Unlock()
	s.notify(v)
	return v
}

// commit publishes the view. Must be called with mu held; releases it.
func (s *Sync) commit() bool {
	v := s.viewLocked()
	s.mu.Unlock()
	s.notify(v)
	return true
}

func (s *Sync) markStale() {
	s.mu.Lock()
	if s.stale || !s.loaded {
		s.stale = true
		s.mu.Unlock()
		return
	}
	s.stale = true
	v := s.viewLocked()
	s.mu.Unlock()
	s.notify(v)
}

func (s *Sync) notify(v model.BalanceView) {
	s.mu.Lock()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(v)
	}
}

// Run follows the change feed until ctx is done. Every (re)subscription is
// followed by a refetch, since events may have been missed while
// disconnected.
func (s *Sync) Run(ctx context.Context) {
	backoff := s.newBackoff()
	for {
		err := s.follow(ctx, func() { backoff = s.newBackoff() })
		if ctx.Err() != nil {
			return
		}
		s.markStale()
		delay, _ := backoff.Next()
		s.logger.Warn("change feed disconnected, resubscribing", "error", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (s *Sync) newBackoff() retry.Backoff {
	return retry.WithCappedDuration(s.opts.ReconnectMax, retry.NewExponential(s.opts.ReconnectBase))
}

// follow runs one subscription until it fails.
func (s *Sync) follow(ctx context.Context, connected func()) error {
	sub, err := s.sub.Subscribe(ctx, s.storeID)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	if _, err := s.Refetch(ctx); err != nil {
		return err
	}
	connected()
	s.logger.Debug("change feed subscribed")

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		s.Apply(e)
	}
}
