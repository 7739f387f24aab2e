// ABOUTME: The orchestration loop: decide, transition, delegate, repeat until END.
// ABOUTME: Owns applying routing decisions; the routing engine only proposes them.

package conductor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-conductor/internal/conversation"
	"github.com/2389/coven-conductor/internal/delegate"
	"github.com/2389/coven-conductor/internal/routing"
)

// ErrTurnBudget is returned when a run exceeds its configured turn limit
// without the routing engine deciding END.
var ErrTurnBudget = errors.New("turn budget exhausted")

const defaultDecideRetries = 3

// Options tunes the orchestration loop.
type Options struct {
	// OrchestratorName is recorded as the acting agent on phase transitions
	// and closing messages.
	OrchestratorName string

	// DecideRetries bounds how many times a malformed routing decision is
	// retried before the run fails. Zero means the default.
	DecideRetries int

	// TurnTimeout bounds each delegation. Zero means delegations wait
	// until the run context is cancelled.
	TurnTimeout time.Duration

	// MaxTurns bounds the total turns per run. Zero means unlimited.
	MaxTurns int
}

// Conductor drives a conversation from its user request to a terminal
// routing decision.
type Conductor struct {
	conv     *conversation.Service
	engine   *routing.Engine
	delegate *delegate.Service
	opts     Options
	logger   *slog.Logger
}

// New creates a conductor over the given services.
func New(conv *conversation.Service, engine *routing.Engine, del *delegate.Service, opts Options, logger *slog.Logger) *Conductor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.DecideRetries <= 0 {
		opts.DecideRetries = defaultDecideRetries
	}
	if opts.OrchestratorName == "" {
		opts.OrchestratorName = "conductor"
	}
	return &Conductor{
		conv:     conv,
		engine:   engine,
		delegate: del,
		opts:     opts,
		logger:   logger.With("component", "conductor"),
	}
}

// Submit creates a conversation seeded with the user's request and returns
// its id. Run picks it up from there.
func (c *Conductor) Submit(ctx context.Context, id, title, request string) (string, error) {
	conv, err := c.conv.Create(ctx, id, title)
	if err != nil {
		return "", err
	}
	if err := c.conv.AppendMessage(ctx, conv.ID, conversation.AuthorUser, request); err != nil {
		return "", err
	}
	return conv.ID, nil
}

// Run loops the conversation through routing decisions until the engine
// decides END or ctx is cancelled. Each cycle re-reads persisted state, so
// a run resumed after a crash continues from the last completed turn.
func (c *Conductor) Run(ctx context.Context, convID string) error {
	for turns := 0; ; turns++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.opts.MaxTurns > 0 && turns >= c.opts.MaxTurns {
			return fmt.Errorf("%w: %d turns", ErrTurnBudget, turns)
		}

		decision, err := c.decide(ctx, convID)
		if err != nil {
			c.recordFailure(convID, err)
			return err
		}

		if decision.Phase != "" {
			if err := c.transition(ctx, convID, decision); err != nil {
				c.recordFailure(convID, err)
				return err
			}
		}

		if decision.Terminal() {
			return c.finish(ctx, convID, decision)
		}

		if err := c.dispatch(ctx, convID, decision); err != nil {
			return err
		}
	}
}

// decide asks the routing engine for the next step, retrying malformed
// decisions up to the configured bound. Backend failures are not retried
// here; they indicate the completion service itself is down.
func (c *Conductor) decide(ctx context.Context, convID string) (routing.Decision, error) {
	var lastErr error
	for attempt := 1; attempt <= c.opts.DecideRetries; attempt++ {
		conv, err := c.conv.Get(ctx, convID)
		if err != nil {
			return routing.Decision{}, err
		}

		decision, err := c.engine.Decide(ctx, conv)
		if err == nil {
			return decision, nil
		}
		if !errors.Is(err, routing.ErrBadDecision) && !errors.Is(err, conversation.ErrUnknownAgent) {
			return routing.Decision{}, err
		}

		lastErr = err
		c.logger.Warn("retrying routing decision",
			"conversation_id", convID,
			"attempt", attempt,
			"error", err)
	}
	return routing.Decision{}, fmt.Errorf("no valid routing decision after %d attempts: %w", c.opts.DecideRetries, lastErr)
}

// transition applies the decision's phase change if it differs from the
// current phase.
func (c *Conductor) transition(ctx context.Context, convID string, decision routing.Decision) error {
	conv, err := c.conv.Get(ctx, convID)
	if err != nil {
		return err
	}
	if conv.Phase == decision.Phase {
		return nil
	}
	return c.conv.Transition(ctx, convID, decision.Phase, "", c.opts.OrchestratorName, decision.Reason)
}

// dispatch delegates one turn and waits for coverage. A turn that times out
// is force-closed by the delegation layer; the loop then re-decides with the
// truncated turn visible in the transcript.
func (c *Conductor) dispatch(ctx context.Context, convID string, decision routing.Decision) error {
	payload, err := c.buildPayload(ctx, convID, decision)
	if err != nil {
		return err
	}

	dctx := ctx
	cancel := func() {}
	if c.opts.TurnTimeout > 0 {
		dctx, cancel = context.WithTimeout(ctx, c.opts.TurnTimeout)
	}
	started := time.Now()
	turn, err := c.delegate.Delegate(dctx, convID, decision.Agents, payload, decision.Reason)
	cancel()

	elapsed := time.Since(started)
	if terr := c.conv.AddActiveTime(context.WithoutCancel(ctx), convID, elapsed); terr != nil {
		c.logger.Warn("failed to record active time", "conversation_id", convID, "error", terr)
	}

	switch {
	case err == nil:
		c.logger.Info("turn delegated and closed",
			"conversation_id", convID,
			"turn_id", turn.ID,
			"agents", decision.Agents,
			"elapsed", elapsed)
		return nil
	case ctx.Err() != nil:
		// The run itself is shutting down.
		return ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		// The turn timed out and was force-closed; keep routing.
		c.logger.Warn("turn timed out",
			"conversation_id", convID,
			"agents", decision.Agents,
			"timeout", c.opts.TurnTimeout)
		return nil
	case errors.Is(err, conversation.ErrTurnOpen):
		// The open turn belongs to another flow; it is not ours to close.
		c.recordFailure(convID, err)
		return err
	default:
		// Dispatch failed before any waiting happened; the turn may still
		// be open, so close it rather than stranding the conversation.
		closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer closeCancel()
		if _, cerr := c.conv.ForceCloseTurn(closeCtx, convID, fmt.Sprintf("dispatch failed: %v", err)); cerr != nil && !errors.Is(cerr, conversation.ErrTurnClosed) {
			c.logger.Error("failed to close stranded turn", "conversation_id", convID, "error", cerr)
		}
		c.recordFailure(convID, err)
		return err
	}
}

// finish records the closing reason and stops the run.
func (c *Conductor) finish(ctx context.Context, convID string, decision routing.Decision) error {
	if decision.Reason != "" {
		if err := c.conv.AppendMessage(ctx, convID, c.opts.OrchestratorName, decision.Reason); err != nil {
			return err
		}
	}
	c.logger.Info("run finished", "conversation_id", convID, "reason", decision.Reason)
	return nil
}

// buildPayload renders the request content agents receive: the originating
// user request plus the routing reason for this turn.
func (c *Conductor) buildPayload(ctx context.Context, convID string, decision routing.Decision) (string, error) {
	conv, err := c.conv.Get(ctx, convID)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, m := range conv.History {
		if m.Author == conversation.AuthorUser {
			fmt.Fprintf(&sb, "Request: %s", m.Content)
			break
		}
	}
	if decision.Reason != "" {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "Task: %s", decision.Reason)
	}
	return sb.String(), nil
}

// recordFailure stamps the failure on the conversation so operators can see
// why a run stopped without digging through logs. Best effort.
func (c *Conductor) recordFailure(convID string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.conv.SetMetadata(ctx, convID, "last_error", cause.Error()); err != nil {
		c.logger.Error("failed to record run failure",
			"conversation_id", convID,
			"cause", cause,
			"error", err)
	}
}
