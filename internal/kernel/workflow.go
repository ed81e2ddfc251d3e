package kernel

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/inngest/inngestgo"
	"github.com/inngest/inngestgo/step"
	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/ledger"
	"github.com/fact-memory-kernel/internal/lock"
)

// Events that trigger the durable workflows.
const (
	EventProcessUser   = "facts/user.process"
	EventReprocessNode = "facts/node.reprocess"
)

// WorkflowConfig holds configuration for Inngest workflows
type WorkflowConfig struct {
	AppID      string
	EventKey   string
	SigningKey string
	Logger     *zap.Logger
}

// ProcessUserEvent is the data of EventProcessUser.
type ProcessUserEvent struct {
	UserID string `json:"user_id"`
	Force  bool   `json:"force"`
}

// ReprocessNodeEvent is the data of EventReprocessNode.
type ReprocessNodeEvent struct {
	NodeID string `json:"node_id"`
}

// claimOutput is the memoized result of the claim step.
type claimOutput struct {
	Fingerprint string `json:"fingerprint"`
	DisplayName string `json:"display_name"`
	Skipped     bool   `json:"skipped"`
	Note        string `json:"note,omitempty"`
}

type extractOutput struct {
	Candidates            []facts.Candidate `json:"candidates"`
	Windows               int               `json:"windows"`
	Calls                 int               `json:"calls"`
	LowConfidenceRejected int               `json:"low_confidence_rejected"`
}

// ReprocessOutput summarizes one reprocessing run.
type ReprocessOutput struct {
	NodeID    string   `json:"node_id"`
	Children  []string `json:"children"`
	Discarded int      `json:"discarded"`
	Exhausted bool     `json:"exhausted"`
}

// WorkflowService runs user processing and reprocessing as Inngest step
// functions. Each step is memoized by Inngest, so a retried run resumes after
// the last completed step. The ledger claim taken in the first step is held
// across steps and expires with its lease if the run is abandoned.
type WorkflowService struct {
	client inngestgo.Client
	kernel *Kernel
	logger *zap.Logger
}

// NewWorkflowService creates the Inngest client and registers the workflows.
func NewWorkflowService(k *Kernel, cfg WorkflowConfig) (*WorkflowService, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.AppID == "" {
		cfg.AppID = "fact-memory-kernel"
	}

	opts := inngestgo.ClientOpts{AppID: cfg.AppID}
	if cfg.EventKey != "" {
		opts.EventKey = &cfg.EventKey
	}
	if cfg.SigningKey != "" {
		opts.SigningKey = &cfg.SigningKey
	}
	client, err := inngestgo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create Inngest client: %w", err)
	}

	ws := &WorkflowService{client: client, kernel: k, logger: cfg.Logger.Named("workflow")}
	if _, err := inngestgo.CreateFunction(client,
		inngestgo.FunctionOpts{ID: "process-user", Name: "Process User Facts"},
		inngestgo.EventTrigger(EventProcessUser, nil),
		ws.processUser,
	); err != nil {
		return nil, fmt.Errorf("registering process workflow: %w", err)
	}
	if _, err := inngestgo.CreateFunction(client,
		inngestgo.FunctionOpts{ID: "reprocess-node", Name: "Reprocess Rejected Fact"},
		inngestgo.EventTrigger(EventReprocessNode, nil),
		ws.reprocessNode,
	); err != nil {
		return nil, fmt.Errorf("registering reprocess workflow: %w", err)
	}
	ws.logger.Info("Registered workflows",
		zap.String("app_id", cfg.AppID),
		zap.Strings("events", []string{EventProcessUser, EventReprocessNode}))
	return ws, nil
}

// Handler serves the Inngest protocol; mount it on the HTTP router.
func (ws *WorkflowService) Handler() http.Handler {
	return ws.client.Serve()
}

// SendProcessUser queues a durable processing run for one user.
func (ws *WorkflowService) SendProcessUser(ctx context.Context, userID string, force bool) (string, error) {
	return ws.client.Send(ctx, inngestgo.Event{
		Name: EventProcessUser,
		Data: map[string]any{"user_id": userID, "force": force},
	})
}

// SendReprocessNode queues a durable reprocessing run for one rejected node.
func (ws *WorkflowService) SendReprocessNode(ctx context.Context, nodeID string) (string, error) {
	return ws.client.Send(ctx, inngestgo.Event{
		Name: EventReprocessNode,
		Data: map[string]any{"node_id": nodeID},
	})
}

func (ws *WorkflowService) processUser(ctx context.Context, input inngestgo.Input[ProcessUserEvent]) (any, error) {
	ev := input.Event.Data
	if ev.UserID == "" {
		return nil, errors.New("user_id is required")
	}
	logger := ws.logger.With(zap.String("user_id", ev.UserID), zap.Bool("force", ev.Force))
	k := ws.kernel

	claim, err := step.Run(ctx, "claim-input", func(ctx context.Context) (claimOutput, error) {
		return k.claimStage(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	if claim.Skipped {
		logger.Info("Workflow skipped", zap.String("note", claim.Note))
		return &UserReport{UserID: ev.UserID, Skipped: true, Note: claim.Note}, nil
	}

	extracted, err := step.Run(ctx, "extract-facts", func(ctx context.Context) (extractOutput, error) {
		return k.extractStage(ctx, ev.UserID, claim)
	})
	if err != nil {
		logger.Warn("Extraction step failed", zap.Error(err))
		return nil, err
	}

	report, err := step.Run(ctx, "persist-facts", func(ctx context.Context) (*UserReport, error) {
		return k.persistStage(ctx, ev.UserID, claim, extracted)
	})
	if err != nil {
		logger.Warn("Persist step failed", zap.Error(err))
		return nil, err
	}

	if _, err := step.Run(ctx, "commit-input", func(ctx context.Context) (bool, error) {
		return true, k.commit(ctx, ev.UserID, claim.Fingerprint, ev.Force, report)
	}); err != nil {
		return nil, err
	}
	return report, nil
}

func (ws *WorkflowService) reprocessNode(ctx context.Context, input inngestgo.Input[ReprocessNodeEvent]) (any, error) {
	nodeID := input.Event.Data.NodeID
	if nodeID == "" {
		return nil, errors.New("node_id is required")
	}
	out, err := step.Run(ctx, "reprocess-node", func(ctx context.Context) (ReprocessOutput, error) {
		return ws.kernel.reprocessStage(ctx, nodeID)
	})
	if err != nil {
		ws.logger.Warn("Reprocess step failed", zap.String("node_id", nodeID), zap.Error(err))
		return nil, err
	}
	return out, nil
}

// claimStage loads the input and takes its ledger claim.
func (k *Kernel) claimStage(ctx context.Context, ev ProcessUserEvent) (claimOutput, error) {
	in, err := k.source.Load(ctx, ev.UserID)
	if err != nil {
		return claimOutput{}, err
	}
	out := claimOutput{Fingerprint: in.Fingerprint, DisplayName: in.DisplayName}

	switch err := k.ledger.Claim(ctx, ev.UserID, in.Fingerprint, ev.Force); {
	case errors.Is(err, ledger.ErrAlreadyProcessed):
		out.Skipped, out.Note = true, NoteAlreadyProcessed
	case errors.Is(err, ledger.ErrInProgress):
		out.Skipped, out.Note = true, NoteInProgress
	case err != nil:
		return out, err
	}
	return out, nil
}

// extractStage runs the extractor over the claimed input. An input that
// changed since the claim releases the claim so a fresh run can pick it up.
func (k *Kernel) extractStage(ctx context.Context, userID string, claim claimOutput) (extractOutput, error) {
	in, err := k.source.Load(ctx, userID)
	if err != nil {
		return extractOutput{}, err
	}
	if in.Fingerprint != claim.Fingerprint {
		if rerr := k.ledger.Release(ctx, userID, claim.Fingerprint); rerr != nil {
			k.logger.Warn("Failed to release ledger claim", zap.String("user_id", userID), zap.Error(rerr))
		}
		return extractOutput{}, &facts.IngestionError{
			UserID: userID,
			Source: in.Source,
			Err:    errors.New("input changed since it was claimed"),
		}
	}

	res, err := k.extractor.Extract(ctx, userID, in.DisplayName, in.Messages)
	if err != nil {
		return extractOutput{}, err
	}
	return extractOutput{
		Candidates:            res.Candidates,
		Windows:               res.Windows,
		Calls:                 res.Calls,
		LowConfidenceRejected: res.LowConfidenceRejected,
	}, nil
}

// persistStage reconciles extracted candidates under the user's ingest lock.
func (k *Kernel) persistStage(ctx context.Context, userID string, claim claimOutput, ex extractOutput) (*UserReport, error) {
	held, err := k.locker.TryAcquire(ctx, lock.IngestKey(userID))
	if err != nil {
		return nil, fmt.Errorf("acquiring ingest lock for %s: %w", userID, err)
	}
	defer held.Release()

	report := &UserReport{
		UserID:                userID,
		Windows:               ex.Windows,
		Calls:                 ex.Calls,
		LowConfidenceRejected: ex.LowConfidenceRejected,
	}
	if _, err := k.store.UpsertUser(ctx, facts.User{ID: userID, DisplayName: claim.DisplayName}); err != nil {
		return nil, err
	}
	if err := k.persist(ctx, userID, claim.DisplayName, ex.Candidates, report); err != nil {
		return nil, err
	}
	return report, nil
}

func (k *Kernel) reprocessStage(ctx context.Context, nodeID string) (ReprocessOutput, error) {
	out, err := k.Reprocess(ctx, nodeID)
	if err != nil {
		return ReprocessOutput{}, err
	}
	res := ReprocessOutput{NodeID: nodeID, Discarded: out.Discarded, Exhausted: out.Exhausted}
	for _, c := range out.Children {
		res.Children = append(res.Children, c.ID)
	}
	return res, nil
}
