// ABOUTME: Entry point for the coven-conductor orchestration server
// ABOUTME: Wires config, store, event network, ingestion, and the run loop

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/nbd-wtf/go-nostr"

	"github.com/2389/coven-conductor/internal/conductor"
	"github.com/2389/coven-conductor/internal/config"
	"github.com/2389/coven-conductor/internal/conversation"
	"github.com/2389/coven-conductor/internal/delegate"
	"github.com/2389/coven-conductor/internal/eventnet"
	"github.com/2389/coven-conductor/internal/ingest"
	"github.com/2389/coven-conductor/internal/llm"
	"github.com/2389/coven-conductor/internal/phase"
	"github.com/2389/coven-conductor/internal/routing"
	"github.com/2389/coven-conductor/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                          _            _
  ___ ___  _ __   __| |_   _  ___| |_ ___  _ __
 / __/ _ \| '_ \ / _' | | | |/ __| __/ _ \| '__|
| (_| (_) | | | | (_| | |_| | (__| || (_) | |
 \___\___/|_| |_|\__,_|\__,_|\___|\__\___/|_|
`

// getConfigPath returns the path to the conductor config file.
// Priority: CONDUCTOR_CONFIG env var > XDG_CONFIG_HOME/coven/conductor.yaml > ~/.config/coven/conductor.yaml
func getConfigPath() string {
	if envPath := os.Getenv("CONDUCTOR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "conductor.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "conductor.yaml")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: conductor <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve              Start the orchestration server")
		fmt.Println("  run <request>      Run a single request to completion")
		fmt.Println("  init               Create a new config file with a fresh key")
		fmt.Println("  keygen             Generate a key pair for an agent")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "run":
		err = runOnce(ctx)
	case "init":
		err = runInit()
	case "keygen":
		err = runKeygen()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// stack is everything a running conductor needs, built once from config.
type stack struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	net      eventnet.Client
	ledger   *ingest.Ledger
	consumer *ingest.Consumer
	conv     *conversation.Service
	cond     *conductor.Conductor
}

// buildStack wires the full service graph and starts ingestion.
func buildStack(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stack, error) {
	ident, err := eventnet.IdentityFromKey("conductor", cfg.Network.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("loading network identity: %w", err)
	}

	phases := phase.NewRegistry()
	for _, p := range cfg.Phases {
		if p.Custom {
			if err := phases.RegisterCustom(p.Name, p.Instructions); err != nil {
				return nil, fmt.Errorf("registering phase %s: %w", p.Name, err)
			}
			continue
		}
		if err := phases.SetInstructions(p.Name, p.Instructions); err != nil {
			return nil, fmt.Errorf("configuring phase %s: %w", p.Name, err)
		}
	}

	agents := conversation.NewRegistry()
	if err := agents.Register(conversation.NewOrchestrator(ident.Name, ident.PublicKey)); err != nil {
		return nil, err
	}
	for _, a := range cfg.Agents {
		if a.Role != "specialist" {
			continue
		}
		if err := agents.Register(conversation.NewSpecialist(a.Name, a.PublicKey, a.Capabilities...)); err != nil {
			return nil, fmt.Errorf("registering agent %s: %w", a.Name, err)
		}
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	net, err := eventnet.Connect(ctx, cfg.Network.Relays, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("connecting to relays: %w", err)
	}

	ledger, err := ingest.OpenLedger(cfg.Ledger.Dir)
	if err != nil {
		net.Close()
		st.Close()
		return nil, fmt.Errorf("opening event ledger: %w", err)
	}

	convSvc := conversation.NewService(st, phases, logger)
	delSvc := delegate.NewService(convSvc, net, ident, agents, logger)
	completer := llm.NewClient(llm.Config{
		BaseURL: cfg.Completion.BaseURL,
		APIKey:  cfg.Completion.APIKey,
		Model:   cfg.Completion.Model,
	}, logger)
	engine := routing.NewEngine(completer, agents, phases, logger)
	cond := conductor.New(convSvc, engine, delSvc, conductor.Options{
		OrchestratorName: ident.Name,
		DecideRetries:    cfg.Routing.DecideRetries,
		TurnTimeout:      cfg.Routing.TurnTimeout,
	}, logger)

	consumer := ingest.NewConsumer(net, ledger, logger)
	if cfg.Ledger.FlushInterval > 0 {
		consumer.SetFlushInterval(cfg.Ledger.FlushInterval)
	}
	consumer.Handle(eventnet.KindCompletion, delSvc.HandleEvent)

	return &stack{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		net:      net,
		ledger:   ledger,
		consumer: consumer,
		conv:     convSvc,
		cond:     cond,
	}, nil
}

// start begins consuming completion and message events addressed to us.
func (s *stack) start(ctx context.Context, withMessages bool) error {
	kinds := []int{eventnet.KindCompletion}
	if withMessages {
		kinds = append(kinds, eventnet.KindMessage)
	}
	return s.consumer.Start(ctx, nostr.Filters{{Kinds: kinds}})
}

// shutdown tears the stack down in reverse dependency order.
func (s *stack) shutdown() {
	if err := s.consumer.Close(); err != nil {
		s.logger.Error("ingestion shutdown failed", "error", err)
	}
	if err := s.net.Close(); err != nil {
		s.logger.Error("network shutdown failed", "error", err)
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store shutdown failed", "error", err)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Relays:   %s\n", strings.Join(cfg.Network.Relays, ", "))
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Model:    %s\n", cfg.Completion.Model)
	fmt.Println()

	logger.Info("starting coven-conductor",
		"config", configPath,
		"relays", len(cfg.Network.Relays),
		"agents", len(cfg.Agents),
	)

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.shutdown()

	// New user messages on the network start runs. At most one run per
	// conversation may be in flight: a follow-up message while a run is
	// active only lands in the history, where the next routing decision
	// sees it. The handler runs on the single ingest dispatch goroutine,
	// so the check-then-start sequence does not race with itself.
	var runs sync.WaitGroup
	var activeMu sync.Mutex
	active := make(map[string]bool)
	s.consumer.Handle(eventnet.KindMessage, func(ctx context.Context, ev *nostr.Event) error {
		convID := eventnet.TagValue(ev, eventnet.TagConversation)
		if convID == "" {
			return fmt.Errorf("message event %s missing conversation tag", ev.ID)
		}

		activeMu.Lock()
		running := active[convID]
		activeMu.Unlock()
		if running {
			return s.conv.AppendMessage(ctx, convID, conversation.AuthorUser, ev.Content)
		}

		id, err := s.cond.Submit(ctx, convID, "", ev.Content)
		if err != nil {
			if errors.Is(err, store.ErrDuplicate) {
				// Follow-up message on an existing, idle conversation.
				if err := s.conv.AppendMessage(ctx, convID, conversation.AuthorUser, ev.Content); err != nil {
					return err
				}
				id = convID
			} else {
				return err
			}
		}

		activeMu.Lock()
		active[id] = true
		activeMu.Unlock()
		runs.Add(1)
		go func() {
			defer runs.Done()
			defer func() {
				activeMu.Lock()
				delete(active, id)
				activeMu.Unlock()
			}()
			if err := s.cond.Run(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("run failed", "conversation_id", id, "error", err)
			}
		}()
		return nil
	})

	if err := s.start(ctx, true); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("shutting down")
	runs.Wait()
	return nil
}

// runOnce drives a single request to completion and prints the result.
func runOnce(ctx context.Context) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("usage: conductor run <request>")
	}
	request := strings.Join(os.Args[2:], " ")

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	s, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer s.shutdown()

	if err := s.start(ctx, false); err != nil {
		return err
	}

	id, err := s.cond.Submit(ctx, "", "", request)
	if err != nil {
		return err
	}
	if err := s.cond.Run(ctx, id); err != nil {
		return err
	}

	conv, err := s.conv.Get(ctx, id)
	if err != nil {
		return err
	}
	for _, turn := range conv.TurnLog {
		for _, c := range turn.Completions {
			color.New(color.FgCyan).Printf("%s: ", c.Agent)
			fmt.Println(c.Content)
		}
	}
	if len(conv.History) > 0 {
		last := conv.History[len(conv.History)-1]
		if last.Author != conversation.AuthorUser {
			color.New(color.FgGreen).Printf("%s: ", last.Author)
			fmt.Println(last.Content)
		}
	}
	return nil
}

// runInit writes a starter config with a freshly generated signing key.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	ident, err := eventnet.NewIdentity("conductor")
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	content := fmt.Sprintf(`network:
  relays:
    - wss://relay.example.com
  private_key: %s

database:
  path: conductor.db

ledger:
  dir: ledger
  flush_interval: 10s

completion:
  api_key: ${OPENAI_API_KEY}
  model: gpt-4o

routing:
  decide_retries: 3
  turn_timeout: 5m

agents: []

phases: []

logging:
  level: info
  format: text
`, ident.SecretKey())

	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("Created %s\n", configPath)
	fmt.Printf("Orchestrator public key: %s\n", ident.PublicKey)
	return nil
}

// runKeygen prints a fresh key pair for registering an agent.
func runKeygen() error {
	ident, err := eventnet.NewIdentity("agent")
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}
	fmt.Printf("private_key: %s\n", ident.SecretKey())
	fmt.Printf("public_key:  %s\n", ident.PublicKey)
	return nil
}
