package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"parley/internal/adapter/backend"
	"parley/internal/adapter/cache"
	"parley/internal/adapter/render"
	"parley/internal/domain"
	"parley/internal/infra/config"
	"parley/internal/infra/logger"
	"parley/internal/infra/tracer"
	"parley/internal/usecase"
	"parley/internal/usecase/eventbus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	kv, err := cache.Open(cfg.Cache.Dir, log)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer kv.Close()

	var client domain.BackendClient = backend.NewClient(cfg.Backend, log)
	client = backend.NewBreakerClient(client, cfg.Backend.Breaker, log)

	bus := eventbus.New(log)
	defer bus.Close()

	store := usecase.NewStore()
	gate := usecase.NewGate(store)
	runs := usecase.NewLifecycle(store, bus, log)
	msgCache := usecase.NewMessageCache(kv, log)
	recon := usecase.NewReconciler(store, runs, client, msgCache, bus, cfg.Stream.PollInterval, log)

	// The animator reads visibility through the service; the closure defers
	// the dereference so construction order does not matter.
	var svc *usecase.Service
	anim := usecase.NewAnimator(store, runs, bus, func() bool { return svc.Visible() }, cfg.Stream.BatchChars, cfg.Stream.BatchDelay, log)
	svc = usecase.NewService(store, gate, runs, anim, recon, msgCache, client, bus, cfg.Stream.HistoryPageSize, log)

	if cfg.Backend.PushURL != "" {
		feed := backend.NewPushFeed(cfg.Backend.PushURL, cfg.Backend.APIKey, recon, log)
		go feed.Run(ctx)
	}

	if cfg.Maintenance.Enabled {
		maint := usecase.NewMaintenance(msgCache, store, cfg.Maintenance.PendingRunTTL, log)
		if err := maint.Start(cfg.Maintenance.Schedule); err != nil {
			return fmt.Errorf("start maintenance: %w", err)
		}
		defer maint.Stop()
	}

	return repl(ctx, svc, bus)
}

// repl is a minimal line-oriented chat loop. One chat at a time; streamed
// batches print as they arrive, completed messages re-render as markdown.
func repl(ctx context.Context, svc *usecase.Service, bus domain.EventBus) error {
	renderer := render.New(100)

	unsubDelta := bus.Subscribe(domain.EventStreamDelta, func(_ context.Context, event domain.Event) {
		var p domain.StreamDeltaPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return
		}
		fmt.Print(p.Delta)
	})
	defer unsubDelta()

	unsubDone := bus.Subscribe(domain.EventStreamCompleted, func(_ context.Context, event domain.Event) {
		var p domain.StreamCompletedPayload
		if err := json.Unmarshal(event.Payload, &p); err != nil {
			return
		}
		out, err := renderer.Render(p.Content)
		if err != nil {
			fmt.Println()
			return
		}
		fmt.Print("\n" + out)
	})
	defer unsubDone()

	fmt.Println("parley - type a message, /cancel to stop generation, /open <id>, /delete, /quit")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	chatID := ""
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return nil
		case line == "/cancel":
			if err := svc.CancelActiveRun(ctx, chatID); err != nil {
				fmt.Printf("cancel: %v\n", err)
			}
		case line == "/delete":
			if err := svc.DeleteChat(ctx, chatID); err != nil {
				fmt.Printf("delete: %v\n", err)
			} else {
				chatID = ""
			}
		case strings.HasPrefix(line, "/open "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			msgs, err := svc.OpenChat(ctx, id)
			if err != nil {
				fmt.Printf("open: %v\n", err)
				continue
			}
			chatID = id
			for _, m := range msgs {
				printMessage(renderer, m)
			}
		case line == "/chats":
			for _, c := range svc.Chats() {
				fmt.Printf("%s  %s\n", c.ID, c.Title)
			}
		default:
			receipt, err := svc.Send(ctx, chatID, line, usecase.SendOptions{})
			if err != nil {
				fmt.Printf("send: %v\n", err)
				continue
			}
			chatID = receipt.ChatID
		}
	}
}

func printMessage(renderer *render.GlamourRenderer, m usecase.DisplayMessage) {
	prefix := "you"
	if m.Role == domain.RoleAssistant {
		prefix = "assistant"
	}
	content := m.Content
	if m.Role == domain.RoleAssistant && !m.IsTyping {
		if out, err := renderer.Render(m.Content); err == nil {
			content = out
		}
	}
	fmt.Printf("[%s] %s\n", prefix, content)
}
