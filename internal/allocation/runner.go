// Package allocation credits the free tier's periodic token grant to every
// due account and rolls each account's period window forward.
package allocation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
	"github.com/tsylvester/paynless-framework-sub006/internal/subscription"
	"github.com/tsylvester/paynless-framework-sub006/internal/wallet"
	"github.com/tsylvester/paynless-framework-sub006/pkg/logger"
)

var (
	// ErrRunInProgress means another batch holds the run lock.
	ErrRunInProgress         = errors.New("periodic allocation already running")
	ErrFreePlanMisconfigured = errors.New("free plan misconfigured")
)

const (
	relatedEntityType = "subscription_plan"
	msgNothingDue     = "No users due for allocation."
)

// Ledger is the slice of the wallet engine the runner depends on.
type Ledger interface {
	GetWalletForContext(ctx context.Context, userID, organizationID string) (wallet.Wallet, error)
	RecordTransaction(ctx context.Context, p wallet.RecordParams) (wallet.LedgerEntry, error)
}

type Subscriptions interface {
	ListDueFree(ctx context.Context, planID string, now time.Time) ([]subscription.Subscription, error)
	AdvancePeriod(ctx context.Context, id string, oldEnd, newStart, newEnd time.Time) error
}

type Auditor interface {
	LogPeriodAdvanceFailed(ctx context.Context, subscriptionID, walletID, periodEnd string, cause error) error
}

// Locker serializes batch runs across processes. A false ok means the lock is
// held elsewhere.
type Locker interface {
	Acquire(ctx context.Context) (release func(context.Context) error, ok bool, err error)
}

// Summary counts one batch. Awarded includes accounts whose credit landed but
// whose period could not be advanced.
type Summary struct {
	Processed int `json:"processed" yaml:"processed"`
	Awarded   int `json:"awarded" yaml:"awarded"`
	Failed    int `json:"failed" yaml:"failed"`
}

// Message renders the operator-facing result line.
func (s Summary) Message() string {
	if s.Processed == 0 {
		return msgNothingDue
	}
	return fmt.Sprintf("Periodic token allocation complete. Users processed: %d. Tokens awarded to: %d. Failed attempts: %d.",
		s.Processed, s.Awarded, s.Failed)
}

type Options struct {
	// SystemUserID is recorded as the author of every allocation entry.
	SystemUserID string
	// Concurrency bounds parallel accounts; values below 1 run sequentially.
	Concurrency int
	Locker      Locker
}

type Runner struct {
	plans  catalog.Repository
	subs   Subscriptions
	ledger Ledger
	audit  Auditor
	opts   Options
}

func NewRunner(plans catalog.Repository, subs Subscriptions, ledger Ledger, audit Auditor, opts Options) *Runner {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Runner{plans: plans, subs: subs, ledger: ledger, audit: audit, opts: opts}
}

// IdempotencyKey identifies one account's grant for one period.
func IdempotencyKey(subscriptionID, planID string, periodEnd time.Time) string {
	return fmt.Sprintf("free-allocation:%s:%s:%s", subscriptionID, planID, periodEnd.UTC().Format(time.RFC3339))
}

type outcome int

const (
	outcomeFailed outcome = iota
	outcomeAwarded
)

// Run processes every free account due at now. One account's failure never
// aborts the batch; Run only errors when the batch could not start.
func (r *Runner) Run(ctx context.Context, now time.Time) (Summary, error) {
	log := logger.From(ctx)

	if r.opts.Locker != nil {
		release, ok, err := r.opts.Locker.Acquire(ctx)
		if err != nil {
			return Summary{}, fmt.Errorf("acquire allocation lock: %w", err)
		}
		if !ok {
			return Summary{}, ErrRunInProgress
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("allocation lock release failed", "error", err)
			}
		}()
	}

	plan, err := r.plans.FreePlan(ctx)
	if err != nil {
		return Summary{}, err
	}
	if plan.TokensToAward <= 0 {
		return Summary{}, fmt.Errorf("%w: plan %s", ErrFreePlanMisconfigured, plan.ID)
	}
	if _, err := plan.NextPeriodEnd(now); err != nil {
		return Summary{}, fmt.Errorf("%w: %w", ErrFreePlanMisconfigured, err)
	}

	due, err := r.subs.ListDueFree(ctx, plan.ID, now.UTC())
	if err != nil {
		return Summary{}, fmt.Errorf("list due accounts: %w", err)
	}
	if len(due) == 0 {
		log.Info(msgNothingDue)
		return Summary{}, nil
	}
	log = log.With("plan_id", plan.ID, "due", len(due))
	ctx = logger.With(ctx, log)

	var (
		mu  sync.Mutex
		sum Summary
	)
	g := new(errgroup.Group)
	g.SetLimit(r.opts.Concurrency)
	for _, sub := range due {
		if ctx.Err() != nil {
			break
		}
		sub := sub
		g.Go(func() error {
			res := r.allocate(ctx, plan, sub)
			mu.Lock()
			defer mu.Unlock()
			sum.Processed++
			if res == outcomeAwarded {
				sum.Awarded++
			} else {
				sum.Failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	log.Info("periodic allocation finished", "processed", sum.Processed, "awarded", sum.Awarded, "failed", sum.Failed)
	if err := ctx.Err(); err != nil {
		return sum, err
	}
	return sum, nil
}

func (r *Runner) allocate(ctx context.Context, plan catalog.Plan, sub subscription.Subscription) outcome {
	log := logger.From(ctx).With("subscription_id", sub.ID, "user_id", sub.UserID)

	w, err := r.ledger.GetWalletForContext(ctx, sub.UserID, "")
	if err != nil {
		log.Warn("allocation skipped: wallet not resolved", "error", err)
		return outcomeFailed
	}

	_, err = r.ledger.RecordTransaction(ctx, wallet.RecordParams{
		WalletID:          w.WalletID,
		Type:              wallet.TypeCreditMonthlyFreeAllocation,
		Amount:            fmt.Sprintf("%d", plan.TokensToAward),
		RecordedByUserID:  r.opts.SystemUserID,
		IdempotencyKey:    IdempotencyKey(sub.ID, plan.ID, sub.CurrentPeriodEnd),
		RelatedEntityID:   plan.ID,
		RelatedEntityType: relatedEntityType,
		Notes:             fmt.Sprintf("Free tier allocation for period ending %s", sub.CurrentPeriodEnd.UTC().Format(time.RFC3339)),
	})
	if err != nil {
		log.Error("allocation credit failed", "wallet_id", w.WalletID, "error", err)
		return outcomeFailed
	}

	oldEnd := sub.CurrentPeriodEnd.UTC()
	// Interval validity was checked before the batch started.
	newEnd, _ := plan.NextPeriodEnd(oldEnd)
	if err := r.subs.AdvancePeriod(ctx, sub.ID, oldEnd, oldEnd, newEnd); err != nil {
		logger.Anomaly(ctx, "allocation credited but period not advanced",
			"subscription_id", sub.ID,
			"wallet_id", w.WalletID,
			"period_end", oldEnd.Format(time.RFC3339),
			"error", err,
		)
		if r.audit != nil {
			if aerr := r.audit.LogPeriodAdvanceFailed(ctx, sub.ID, w.WalletID, oldEnd.Format(time.RFC3339), err); aerr != nil {
				log.Error("audit append failed", "error", aerr)
			}
		}
		return outcomeAwarded
	}

	log.Debug("allocation credited", "wallet_id", w.WalletID, "next_period_end", newEnd.Format(time.RFC3339))
	return outcomeAwarded
}
