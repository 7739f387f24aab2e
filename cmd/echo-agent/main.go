// ABOUTME: Minimal echo agent for E2E testing — answers every addressed request over the relays.
// ABOUTME: Usage: echo-agent [-relay wss://...] [-key HEXKEY] [-name echo]

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/2389/coven-conductor/internal/eventnet"
)

func main() {
	relays := flag.String("relay", "", "comma-separated relay URLs")
	key := flag.String("key", "", "hex private key (generated if empty)")
	name := flag.String("name", "echo", "agent name")
	flag.Parse()

	if err := run(*relays, *key, *name); err != nil {
		log.Fatal(err)
	}
}

func run(relayList, key, name string) error {
	if relayList == "" {
		return fmt.Errorf("-relay is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var (
		ident eventnet.Identity
		err   error
	)
	if key == "" {
		ident, err = eventnet.NewIdentity(name)
	} else {
		ident, err = eventnet.IdentityFromKey(name, key)
	}
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	fmt.Fprintf(os.Stderr, "running as %s (pubkey: %s)\n", name, ident.PublicKey)

	pool, err := eventnet.Connect(ctx, strings.Split(relayList, ","), nil)
	if err != nil {
		return fmt.Errorf("connecting to relays: %w", err)
	}
	defer pool.Close()

	// Only requests addressed to this agent's key
	events, err := pool.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{eventnet.KindRequest},
		Tags:  nostr.TagMap{eventnet.TagRecipient: []string{ident.PublicKey}},
	}})
	if err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			convID := eventnet.TagValue(ev, eventnet.TagConversation)
			turnID := eventnet.TagValue(ev, eventnet.TagTurn)
			if convID == "" || turnID == "" {
				log.Printf("skipping request %s: missing correlation tags", ev.ID)
				continue
			}

			log.Printf("request [%s/%s]: %s", convID, turnID, ev.Content)

			reply, err := eventnet.NewCompletion(ident, convID, turnID, echoReply(ev.Content))
			if err != nil {
				log.Printf("signing reply: %v", err)
				continue
			}
			if err := pool.Publish(ctx, reply); err != nil {
				log.Printf("publishing reply: %v", err)
			}
		}
	}
}

// echoReply wraps the request in a little markdown so transcripts are easy
// to spot in logs.
func echoReply(content string) string {
	return fmt.Sprintf("**echo**\n\n> %s", content)
}
