// Package kernel orchestrates the fact lifecycle: per-user extraction runs,
// bulk processing, review and reprocessing, and the read views the review
// surface exposes.
package kernel

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/audit"
	"github.com/fact-memory-kernel/internal/cache"
	"github.com/fact-memory-kernel/internal/classify"
	"github.com/fact-memory-kernel/internal/extractor"
	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/input"
	"github.com/fact-memory-kernel/internal/ledger"
	"github.com/fact-memory-kernel/internal/lock"
	"github.com/fact-memory-kernel/internal/reprocess"
	"github.com/fact-memory-kernel/internal/review"
	"github.com/fact-memory-kernel/internal/store"
)

// Extractor is the extraction the kernel drives.
type Extractor interface {
	Extract(ctx context.Context, userID, displayName string, msgs []facts.Message) (*extractor.Result, error)
	reprocess.Extractor
}

// Deps are the collaborators of a Kernel. Store, Ledger, Extractor and
// Source are required.
type Deps struct {
	Store     store.Store
	Ledger    ledger.Ledger
	Locker    lock.Locker
	Extractor Extractor
	Source    input.Source
	Audit     *audit.Logger
	Cache     *cache.TwoTier
	Logger    *zap.Logger
}

// Options tunes processing.
type Options struct {
	BulkConcurrency      int
	ReprocessMaxAttempts int
	ReprocessRadius      int
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	return Options{
		BulkConcurrency:      4,
		ReprocessMaxAttempts: reprocess.DefaultMaxAttempts,
		ReprocessRadius:      reprocess.DefaultContextRadius,
	}
}

// Kernel is the fact lifecycle engine.
type Kernel struct {
	store      store.Store
	ledger     ledger.Ledger
	locker     lock.Locker
	extractor  Extractor
	source     input.Source
	audit      *audit.Logger
	cache      *cache.TwoTier
	classifier *classify.Classifier
	review     *review.Service
	reprocess  *reprocess.Scheduler
	opts       Options
	logger     *zap.Logger

	closers []func() error
}

// New creates a Kernel.
func New(deps Deps, opts Options) (*Kernel, error) {
	if deps.Store == nil || deps.Ledger == nil || deps.Extractor == nil || deps.Source == nil {
		return nil, errors.New("kernel requires a store, ledger, extractor and input source")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Audit == nil {
		deps.Audit = audit.Nop()
	}
	def := DefaultOptions()
	if opts.BulkConcurrency <= 0 {
		opts.BulkConcurrency = def.BulkConcurrency
	}
	if opts.ReprocessMaxAttempts <= 0 {
		opts.ReprocessMaxAttempts = def.ReprocessMaxAttempts
	}

	logger := deps.Logger.Named("kernel")
	return &Kernel{
		store:      deps.Store,
		ledger:     deps.Ledger,
		locker:     deps.Locker,
		extractor:  deps.Extractor,
		source:     deps.Source,
		audit:      deps.Audit,
		cache:      deps.Cache,
		classifier: classify.New(deps.Logger),
		review:     review.New(deps.Store, deps.Locker, deps.Audit, deps.Logger),
		reprocess: reprocess.New(deps.Store, deps.Extractor, deps.Source, deps.Audit, reprocess.Config{
			MaxAttempts:   opts.ReprocessMaxAttempts,
			ContextRadius: opts.ReprocessRadius,
		}, deps.Logger),
		opts:   opts,
		logger: logger,
	}, nil
}

// Approve approves a pending node.
func (k *Kernel) Approve(ctx context.Context, nodeID, reviewer string) (*facts.FactNode, error) {
	n, err := k.review.Approve(ctx, nodeID, reviewer)
	if err != nil {
		return nil, err
	}
	k.invalidate(ctx, n.UserID)
	return n, nil
}

// Reject rejects a pending node and queues it for reprocessing.
func (k *Kernel) Reject(ctx context.Context, nodeID, reviewer string) (*facts.FactNode, error) {
	n, err := k.review.Reject(ctx, nodeID, reviewer)
	if err != nil {
		return nil, err
	}
	k.invalidate(ctx, n.UserID)
	return n, nil
}

// ReprocessCandidates lists rejected nodes awaiting reprocessing; userID may be empty.
func (k *Kernel) ReprocessCandidates(ctx context.Context, userID string) ([]*facts.FactNode, error) {
	return k.reprocess.Candidates(ctx, userID)
}

// Reprocess re-extracts one rejected node.
func (k *Kernel) Reprocess(ctx context.Context, nodeID string) (*reprocess.Outcome, error) {
	out, err := k.reprocess.Reprocess(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	k.invalidate(ctx, out.Parent.UserID)
	return out, nil
}

// Forget drops the user's ledger entries so the next run re-extracts.
func (k *Kernel) Forget(ctx context.Context, userID string) (int, error) {
	n, err := k.ledger.Forget(ctx, userID)
	if err != nil {
		return 0, err
	}
	k.audit.Log(ctx, audit.Event{Type: audit.EventUserForgotten, UserID: userID})
	k.invalidate(ctx, userID)
	return n, nil
}

// OnClose registers a cleanup run by Close, last registered first.
func (k *Kernel) OnClose(fn func() error) {
	k.closers = append(k.closers, fn)
}

// Close releases the kernel's resources.
func (k *Kernel) Close() error {
	var errs []error
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (k *Kernel) invalidate(ctx context.Context, userID string) {
	if k.cache != nil {
		k.cache.InvalidateUser(ctx, userID)
	}
}
