// ABOUTME: Event kinds, tag conventions, and signing identities for the agent network.
// ABOUTME: Every event is signed; conversation and turn ids ride in tags for reply correlation.

package eventnet

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr"
)

// Application event kinds. These live in the ephemeral/application range so
// relays treat them as regular replaceable traffic.
const (
	KindRequest    = 25910 // delegation request to a specific agent
	KindCompletion = 25911 // agent's reply to a delegation request
	KindStatus     = 25912 // agent status announcement
	KindAux        = 25913 // auxiliary record (tool traces, diagnostics)
	KindMessage    = 25914 // plain conversation message
)

// Tag keys used for correlation.
const (
	TagConversation = "c" // conversation id
	TagTurn         = "t" // turn id
	TagRecipient    = "p" // recipient public key
	TagAgent        = "a" // agent name (target on requests, sender on completions)
)

// Identity is a named signing key pair on the event network.
type Identity struct {
	Name      string
	PublicKey string
	secretKey string
}

// NewIdentity generates a fresh key pair for the given agent name.
func NewIdentity(name string) (Identity, error) {
	sk := nostr.GeneratePrivateKey()
	return IdentityFromKey(name, sk)
}

// IdentityFromKey builds an identity from an existing hex secret key.
func IdentityFromKey(name, secretKey string) (Identity, error) {
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return Identity{}, fmt.Errorf("deriving public key: %w", err)
	}
	return Identity{Name: name, PublicKey: pk, secretKey: secretKey}, nil
}

// SecretKey exposes the hex secret key, for persisting to config.
func (id Identity) SecretKey() string {
	return id.secretKey
}

// Sign stamps the event with the identity's key and signs it, computing the
// event id in the process.
func (id Identity) Sign(ev *nostr.Event) error {
	ev.PubKey = id.PublicKey
	if ev.CreatedAt == 0 {
		ev.CreatedAt = nostr.Now()
	}
	return ev.Sign(id.secretKey)
}

// NewRequest builds a signed delegation request addressed to one agent.
func NewRequest(from Identity, convID, turnID, toAgent, toPubkey, payload string) (nostr.Event, error) {
	ev := nostr.Event{
		Kind:    KindRequest,
		Content: payload,
		Tags: nostr.Tags{
			{TagConversation, convID},
			{TagTurn, turnID},
			{TagAgent, toAgent},
			{TagRecipient, toPubkey},
		},
	}
	if err := from.Sign(&ev); err != nil {
		return nostr.Event{}, fmt.Errorf("signing request: %w", err)
	}
	return ev, nil
}

// NewCompletion builds a signed completion reply for a turn.
func NewCompletion(from Identity, convID, turnID, content string) (nostr.Event, error) {
	ev := nostr.Event{
		Kind:    KindCompletion,
		Content: content,
		Tags: nostr.Tags{
			{TagConversation, convID},
			{TagTurn, turnID},
			{TagAgent, from.Name},
		},
	}
	if err := from.Sign(&ev); err != nil {
		return nostr.Event{}, fmt.Errorf("signing completion: %w", err)
	}
	return ev, nil
}

// NewStatus builds a signed status announcement.
func NewStatus(from Identity, convID, status string) (nostr.Event, error) {
	ev := nostr.Event{
		Kind:    KindStatus,
		Content: status,
		Tags: nostr.Tags{
			{TagConversation, convID},
			{TagAgent, from.Name},
		},
	}
	if err := from.Sign(&ev); err != nil {
		return nostr.Event{}, fmt.Errorf("signing status: %w", err)
	}
	return ev, nil
}

// NewMessage builds a signed plain conversation message.
func NewMessage(from Identity, convID, content string) (nostr.Event, error) {
	ev := nostr.Event{
		Kind:    KindMessage,
		Content: content,
		Tags: nostr.Tags{
			{TagConversation, convID},
			{TagAgent, from.Name},
		},
	}
	if err := from.Sign(&ev); err != nil {
		return nostr.Event{}, fmt.Errorf("signing message: %w", err)
	}
	return ev, nil
}

// TagValue returns the first value for the given tag key, or "".
func TagValue(ev *nostr.Event, key string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == key {
			return tag[1]
		}
	}
	return ""
}
