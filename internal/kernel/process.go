package kernel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fact-memory-kernel/internal/audit"
	"github.com/fact-memory-kernel/internal/dedup"
	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/ledger"
	"github.com/fact-memory-kernel/internal/lock"
)

// Notes attached to skipped runs.
const (
	NoteAlreadyProcessed = "already processed"
	NoteInProgress       = "processing already in progress"
)

// UserReport is the outcome of processing one user.
type UserReport struct {
	UserID                string        `json:"user_id"`
	Skipped               bool          `json:"skipped"`
	Note                  string        `json:"note,omitempty"`
	NewFacts              int           `json:"new_facts"`
	Merged                int           `json:"merged"`
	Discarded             int           `json:"discarded"`
	LowConfidenceRejected int           `json:"low_confidence_rejected"`
	Windows               int           `json:"windows"`
	Calls                 int           `json:"calls"`
	Error                 string        `json:"error,omitempty"`
	Duration              time.Duration `json:"duration_ns"`
}

// Succeeded reports whether the run did not fail. Skips count as success.
func (r *UserReport) Succeeded() bool { return r.Error == "" }

// BulkReport aggregates a run over every user.
type BulkReport struct {
	Users     map[string]*UserReport `json:"users"`
	Total     int                    `json:"total"`
	Succeeded int                    `json:"succeeded"`
	Skipped   int                    `json:"skipped"`
	NewFacts  int                    `json:"new_facts"`
	Message   string                 `json:"message"`
}

// ProcessAll processes every user of the input source, BulkConcurrency at a
// time. One user's failure never stops the others.
func (k *Kernel) ProcessAll(ctx context.Context, force bool) (*BulkReport, error) {
	ids, err := k.source.UserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing inputs: %w", err)
	}

	report := &BulkReport{Users: make(map[string]*UserReport, len(ids)), Total: len(ids)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.opts.BulkConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			r, _ := k.ProcessUser(gctx, id, force)
			mu.Lock()
			report.Users[id] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range report.Users {
		if r.Succeeded() {
			report.Succeeded++
		}
		if r.Skipped {
			report.Skipped++
		}
		report.NewFacts += r.NewFacts
	}
	report.Message = fmt.Sprintf("%d of %d users processed successfully, %d new facts", report.Succeeded, report.Total, report.NewFacts)
	if report.Skipped > 0 {
		report.Message += fmt.Sprintf(", %d %s", report.Skipped, NoteAlreadyProcessed)
	}
	k.logger.Info("Bulk processing finished",
		zap.Int("users", report.Total),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("skipped", report.Skipped),
		zap.Int("new_facts", report.NewFacts))
	return report, ctx.Err()
}

// ProcessUser runs one user's conversation through extraction, classification,
// dedup and persistence. The report is always returned; err is set when the
// run failed.
func (k *Kernel) ProcessUser(ctx context.Context, userID string, force bool) (report *UserReport, err error) {
	start := time.Now()
	report = &UserReport{UserID: userID}
	defer func() {
		report.Duration = time.Since(start)
		if err != nil {
			report.Error = err.Error()
			k.audit.Log(ctx, audit.Event{Type: audit.EventUserFailed, UserID: userID, Reason: err.Error()})
			k.logger.Error("User processing failed", zap.String("user_id", userID), zap.Error(err))
		}
	}()

	in, err := k.source.Load(ctx, userID)
	if err != nil {
		return report, err
	}

	held, err := k.locker.TryAcquire(ctx, lock.IngestKey(userID))
	if errors.Is(err, lock.ErrLocked) {
		return k.skip(ctx, report, NoteInProgress), nil
	}
	if err != nil {
		return report, err
	}
	defer held.Release()

	switch err := k.ledger.Claim(ctx, userID, in.Fingerprint, force); {
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		return k.skip(ctx, report, NoteAlreadyProcessed), nil
	case errors.Is(err, ledger.ErrInProgress):
		return k.skip(ctx, report, NoteInProgress), nil
	case err != nil:
		return report, err
	}
	committed := false
	defer func() {
		if !committed {
			if rerr := k.ledger.Release(context.WithoutCancel(ctx), userID, in.Fingerprint); rerr != nil {
				k.logger.Warn("Failed to release ledger claim", zap.String("user_id", userID), zap.Error(rerr))
			}
		}
	}()

	res, err := k.extractor.Extract(ctx, userID, in.DisplayName, in.Messages)
	if err != nil {
		return report, err
	}
	report.Windows = res.Windows
	report.Calls = res.Calls
	report.LowConfidenceRejected = res.LowConfidenceRejected

	if _, err := k.store.UpsertUser(ctx, facts.User{ID: userID, DisplayName: in.DisplayName}); err != nil {
		return report, err
	}
	if err := k.persist(ctx, userID, in.DisplayName, res.Candidates, report); err != nil {
		return report, err
	}

	if err := k.commit(ctx, userID, in.Fingerprint, force, report); err != nil {
		return report, err
	}
	committed = true
	return report, nil
}

// commit records the input as processed and publishes the outcome.
func (k *Kernel) commit(ctx context.Context, userID, fingerprint string, force bool, report *UserReport) error {
	if err := k.ledger.RecordProcessed(ctx, userID, fingerprint, ledger.Summary{
		NewFacts:              report.NewFacts,
		Merged:                report.Merged,
		Discarded:             report.Discarded,
		LowConfidenceRejected: report.LowConfidenceRejected,
		Windows:               report.Windows,
		Calls:                 report.Calls,
		Forced:                force,
	}); err != nil {
		return err
	}

	k.invalidate(ctx, userID)
	k.audit.Log(ctx, audit.Event{
		Type:   audit.EventUserProcessed,
		UserID: userID,
		Metadata: map[string]string{
			"new_facts": fmt.Sprint(report.NewFacts),
			"merged":    fmt.Sprint(report.Merged),
			"forced":    fmt.Sprint(force),
		},
	})
	k.logger.Info("User processed",
		zap.String("user_id", userID),
		zap.Int("new_facts", report.NewFacts),
		zap.Int("merged", report.Merged),
		zap.Int("discarded", report.Discarded),
		zap.Int("calls", report.Calls))
	return nil
}

func (k *Kernel) skip(ctx context.Context, report *UserReport, note string) *UserReport {
	report.Skipped = true
	report.Note = note
	k.audit.Log(ctx, audit.Event{Type: audit.EventUserSkipped, UserID: report.UserID, Reason: note})
	k.logger.Info("User skipped", zap.String("user_id", report.UserID), zap.String("note", note))
	return report
}

// persist reconciles candidates one at a time against the user's nodes,
// including those created earlier in the same run.
func (k *Kernel) persist(ctx context.Context, userID, owner string, candidates []facts.Candidate, report *UserReport) error {
	existing, err := k.store.ListNodes(ctx, facts.NodeQuery{UserID: userID})
	if err != nil {
		return err
	}

	for _, raw := range candidates {
		c := k.classifier.Classify(owner, raw)
		if err := k.reconcileOne(ctx, userID, c, &existing, report); err != nil {
			return err
		}
	}
	return nil
}

func (k *Kernel) reconcileOne(ctx context.Context, userID string, c facts.Candidate, existing *[]*facts.FactNode, report *UserReport) error {
	// A merge target changed by a reviewer between listing and update is
	// re-read and reconciled once more.
	var lost string
	for attempt := 0; attempt < 2; attempt++ {
		d := dedup.Reconcile(userID, c, *existing)
		switch d.Action {
		case dedup.ActionCreate:
			n := &facts.FactNode{
				UserID:          userID,
				Layer:           c.Layer,
				FactType:        c.FactType,
				RawValue:        c.RawValue,
				ConcludedFact:   c.ConcludedFact,
				Confidence:      d.Confidence,
				ConfidenceLevel: d.Level,
				Status:          facts.StatusPending,
				Evidence:        d.Evidence,
			}
			if err := k.store.CreateNode(ctx, n); err != nil {
				return err
			}
			*existing = append(*existing, n)
			report.NewFacts++
			k.audit.NodeEvent(ctx, audit.EventNodeCreated, userID, n.ID, n.FactType, "extractor")
			return nil

		case dedup.ActionMerge:
			updated, err := k.store.UpdateEvidence(ctx, d.Target.ID, d.Target.Status, d.Evidence, d.Confidence, d.Level)
			if facts.IsConcurrentModification(err) {
				fresh, gerr := k.store.GetNode(ctx, d.Target.ID)
				if gerr != nil {
					return gerr
				}
				replace(*existing, fresh)
				lost = fresh.ID
				continue
			}
			if err != nil {
				return err
			}
			replace(*existing, updated)
			report.Merged++
			k.audit.Log(ctx, audit.Event{
				Type:     audit.EventEvidenceMerged,
				UserID:   userID,
				NodeID:   updated.ID,
				FactType: updated.FactType,
				Reason:   d.Reason,
				Metadata: map[string]string{"added": fmt.Sprint(d.Added)},
			})
			return nil

		default:
			report.Discarded++
			k.logger.Debug("Candidate discarded",
				zap.String("user_id", userID),
				zap.String("fact_type", c.FactType),
				zap.String("reason", d.Reason))
			return nil
		}
	}
	return &facts.ConcurrentModificationError{NodeID: lost, Expected: string(facts.StatusPending)}
}

func replace(nodes []*facts.FactNode, n *facts.FactNode) {
	for i := range nodes {
		if nodes[i].ID == n.ID {
			nodes[i] = n
			return
		}
	}
}

// Sorted returns the bulk results ordered by user id.
func (r *BulkReport) Sorted() []*UserReport {
	out := make([]*UserReport, 0, len(r.Users))
	for _, u := range r.Users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
