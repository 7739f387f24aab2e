// ABOUTME: Pure transcript rendering: conversation state → ordered role-tagged messages.
// ABOUTME: The narrative text form is the canonical routing context.

package routing

import (
	"fmt"
	"strings"

	"github.com/2389/coven-conductor/internal/conversation"
	"github.com/2389/coven-conductor/internal/llm"
)

// Transcript renders the conversation's turn log into an ordered list of
// role-tagged messages. It is a pure function of the conversation: same
// state in, same transcript out.
//
// Each closed turn renders as a "[phase → agents]" header with its reason,
// followed by every completion in arrival order. An open turn is annotated
// CURRENT with the subset of agents still pending. The originating user
// request comes last so the model sees it closest to the decision.
func Transcript(conv *conversation.Conversation) []llm.Message {
	var msgs []llm.Message

	for i := range conv.TurnLog {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleAssistant,
			Content: renderTurn(&conv.TurnLog[i], false),
		})
	}
	if conv.CurrentTurn != nil {
		msgs = append(msgs, llm.Message{
			Role:    llm.RoleAssistant,
			Content: renderTurn(conv.CurrentTurn, true),
		})
	}

	if req := originatingRequest(conv); req != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: req})
	}
	return msgs
}

// renderTurn builds the narrative block for one turn.
func renderTurn(turn *conversation.RoutingEntry, current bool) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "[%s → %s]", turn.Phase, strings.Join(turn.Targets, ", "))
	if current {
		pending := turn.Pending()
		if len(pending) > 0 {
			fmt.Fprintf(&sb, " (CURRENT, waiting on: %s)", strings.Join(pending, ", "))
		} else {
			sb.WriteString(" (CURRENT)")
		}
	}
	if turn.Reason != "" {
		sb.WriteString(" ")
		sb.WriteString(turn.Reason)
	}
	if turn.Forced && turn.CloseReason != "" {
		fmt.Fprintf(&sb, " (closed early: %s)", turn.CloseReason)
	}

	for _, c := range turn.Completions {
		fmt.Fprintf(&sb, "\n%s: %s", c.Agent, c.Content)
	}
	return sb.String()
}

// originatingRequest returns the first user-authored history entry, which
// anchors every routing decision to what was actually asked for.
func originatingRequest(conv *conversation.Conversation) string {
	for _, m := range conv.History {
		if m.Author == conversation.AuthorUser {
			return m.Content
		}
	}
	if len(conv.History) > 0 {
		return conv.History[0].Content
	}
	return ""
}
