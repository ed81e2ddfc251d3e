package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fact-memory-kernel/internal/facts"
	"github.com/fact-memory-kernel/internal/input"
)

// Config holds the adapter's retry, throttle and windowing settings.
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	CallTimeout   time.Duration
	RatePerSecond float64
	Burst         int
	ChunkSize     int
	ChunkOverlap  int
	// MinConfidence drops candidates the service itself is unsure about.
	MinConfidence float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:   4,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      8 * time.Second,
		CallTimeout:   90 * time.Second,
		RatePerSecond: 2,
		Burst:         1,
		ChunkSize:     100,
		ChunkOverlap:  20,
		MinConfidence: 0.75,
	}
}

// Result is the outcome of extracting one user's messages.
type Result struct {
	Candidates            []facts.Candidate
	Windows               int
	Calls                 int
	LowConfidenceRejected int
	Dropped               int
}

// Adapter sequences calls to an Oracle.
type Adapter struct {
	oracle  Oracle
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates an Adapter. Zero config fields take their defaults.
func New(oracle Oracle, cfg Config, logger *zap.Logger) *Adapter {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Adapter{
		oracle:  oracle,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		logger:  logger.Named("extractor"),
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Extract runs every window of msgs through the service and returns the
// accepted candidates of all windows. Any window failing after retries, or
// returning out-of-contract data, fails the whole call with no candidates.
func (a *Adapter) Extract(ctx context.Context, userID, displayName string, msgs []facts.Message) (*Result, error) {
	res := &Result{}
	windows := input.Chunk(msgs, a.cfg.ChunkSize, a.cfg.ChunkOverlap)
	res.Windows = len(windows)

	for i, window := range windows {
		req := Request{
			UserID:      userID,
			DisplayName: displayName,
			Messages:    input.SuppressNearDuplicates(window),
		}
		if len(req.Messages) == 0 {
			continue
		}
		cands, calls, err := a.extractWindow(ctx, req, window, res)
		res.Calls += calls
		if err != nil {
			a.logger.Warn("Extraction failed",
				zap.String("user_id", userID),
				zap.Int("window", i+1),
				zap.Int("windows", len(windows)),
				zap.Error(err))
			return nil, err
		}
		res.Candidates = append(res.Candidates, cands...)
	}

	a.logger.Debug("Extraction finished",
		zap.String("user_id", userID),
		zap.Int("windows", res.Windows),
		zap.Int("candidates", len(res.Candidates)),
		zap.Int("low_confidence_rejected", res.LowConfidenceRejected))
	return res, nil
}

// ExtractFocused runs a single call restricted to one fact type over the
// given messages. Candidates of other types are ignored, and so is a
// candidate repeating rejectedValue.
func (a *Adapter) ExtractFocused(ctx context.Context, userID, displayName, factType, rejectedValue string, msgs []facts.Message) (*Result, error) {
	focus := facts.NormalizeType(factType)
	req := Request{
		UserID:        userID,
		DisplayName:   displayName,
		Messages:      input.SuppressNearDuplicates(msgs),
		FocusFactType: focus,
		FocusLayer:    facts.LayerOf(focus),
		RejectedValue: rejectedValue,
	}
	res := &Result{Windows: 1}
	if len(req.Messages) == 0 {
		return res, nil
	}
	cands, calls, err := a.extractWindow(ctx, req, msgs, res)
	res.Calls = calls
	if err != nil {
		return nil, err
	}
	for _, c := range cands {
		if facts.NormalizeType(c.FactType) != focus {
			res.Dropped++
			continue
		}
		if rejectedValue != "" && facts.Rule(focus).SameValue(c.RawValue, rejectedValue) {
			a.logger.Debug("Dropping repeat of rejected value",
				zap.String("user_id", userID),
				zap.String("fact_type", focus))
			res.Dropped++
			continue
		}
		res.Candidates = append(res.Candidates, c)
	}
	return res, nil
}

func (a *Adapter) extractWindow(ctx context.Context, req Request, window []facts.Message, res *Result) ([]facts.Candidate, int, error) {
	known := make(map[string]struct{}, len(window))
	for _, m := range window {
		known[m.ID] = struct{}{}
	}

	raws, calls, err := a.callWithRetry(ctx, req)
	if err != nil {
		return nil, calls, err
	}

	for _, rc := range raws {
		if err := Validate(rc, known); err != nil {
			a.logger.Warn("Rejected out-of-contract extraction batch",
				zap.String("user_id", req.UserID),
				zap.String("fact_type", rc.FactType),
				zap.Error(err))
			return nil, calls, err
		}
	}

	out := make([]facts.Candidate, 0, len(raws))
	for _, rc := range raws {
		c := rc.Candidate()
		if reason := unowned(c); reason != "" {
			res.Dropped++
			a.logger.Debug("Dropped candidate",
				zap.String("fact_type", c.FactType),
				zap.String("reason", reason))
			continue
		}
		if c.Confidence < a.cfg.MinConfidence {
			res.LowConfidenceRejected++
			a.logger.Debug("Dropped low confidence candidate",
				zap.String("fact_type", c.FactType),
				zap.Float64("confidence", c.Confidence))
			continue
		}
		out = append(out, c)
	}
	return out, calls, nil
}

// callWithRetry performs the oracle call with bounded exponential backoff.
// The limiter is consulted before every attempt; nothing else is held while
// waiting.
func (a *Adapter) callWithRetry(ctx context.Context, req Request) ([]RawCandidate, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 0; attempt < a.cfg.MaxAttempts; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, attempts, fmt.Errorf("extractor throttle: %w", err)
		}
		attempts++

		raws, err := a.callOnce(ctx, req)
		if err == nil {
			return raws, attempts, nil
		}

		var verr *facts.ValidationError
		if errors.As(err, &verr) {
			return nil, attempts, err
		}
		if ctx.Err() != nil {
			return nil, attempts, ctx.Err()
		}

		lastErr = err
		svcErr := asServiceError(a.oracle.Name(), err)
		if !svcErr.Retryable {
			svcErr.Attempts = attempts
			return nil, attempts, svcErr
		}
		if attempt == a.cfg.MaxAttempts-1 {
			break
		}

		delay := a.backoff(attempt)
		if svcErr.RetryAfter > 0 {
			delay = svcErr.RetryAfter
		}
		a.logger.Info("Retrying extraction call",
			zap.String("user_id", req.UserID),
			zap.Int("attempt", attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := a.sleep(ctx, delay); err != nil {
			return nil, attempts, err
		}
	}

	final := asServiceError(a.oracle.Name(), lastErr)
	final.Retryable = false
	final.Attempts = attempts
	return nil, attempts, final
}

func (a *Adapter) callOnce(ctx context.Context, req Request) ([]RawCandidate, error) {
	callCtx := ctx
	if a.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, a.cfg.CallTimeout)
		defer cancel()
	}
	body, err := a.oracle.Extract(callCtx, req)
	if err != nil {
		return nil, err
	}
	return ParseLayered(body)
}

func (a *Adapter) backoff(attempt int) time.Duration {
	d := a.cfg.BaseDelay << uint(attempt)
	if d <= 0 || d > a.cfg.MaxDelay {
		d = a.cfg.MaxDelay
	}
	return d
}

// asServiceError classifies err. Errors the oracle did not classify (network
// errors, per-call timeouts, malformed bodies) are transient.
func asServiceError(provider string, err error) *facts.ExtractionServiceError {
	var svcErr *facts.ExtractionServiceError
	if errors.As(err, &svcErr) {
		cp := *svcErr
		if cp.Provider == "" {
			cp.Provider = provider
		}
		return &cp
	}
	return &facts.ExtractionServiceError{Provider: provider, Retryable: true, Err: err}
}

var bareRelationWords = map[string]struct{}{
	"wife": {}, "husband": {}, "nephew": {}, "niece": {}, "son": {}, "daughter": {},
	"brother": {}, "sister": {}, "mother": {}, "father": {}, "aunt": {}, "uncle": {},
	"cousin": {}, "friend": {}, "colleague": {}, "spouse": {}, "partner": {},
}

var fillerSnippets = map[string]struct{}{
	"thanks guys": {}, "thank you": {}, "thanks": {}, "ok": {}, "okay": {}, "yes": {},
	"no": {}, "sure": {}, "great": {}, "perfect": {}, "sounds good": {}, "alright": {},
}

// unowned returns a reason when c cannot be attributed to a named value:
// a relation fact whose value is just the relation word, or evidence that is
// only a conversational filler.
func unowned(c facts.Candidate) string {
	rule := facts.Rule(c.FactType)
	if rule.Layer == facts.LayerRelations {
		if _, bare := bareRelationWords[strings.ToLower(strings.TrimSpace(c.RawValue))]; bare {
			return "relation without a name"
		}
	}
	for _, ev := range c.Evidence {
		if _, filler := fillerSnippets[strings.ToLower(strings.TrimSpace(ev.Snippet))]; filler {
			return "filler evidence"
		}
	}
	return ""
}
