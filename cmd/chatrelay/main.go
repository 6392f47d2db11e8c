package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"chatrelay/internal/adapter/archive"
	"chatrelay/internal/adapter/dify"
	"chatrelay/internal/adapter/gateway"
	"chatrelay/internal/adapter/tui"
	"chatrelay/internal/domain"
	"chatrelay/internal/infra/config"
	"chatrelay/internal/infra/logger"
	"chatrelay/internal/infra/tracer"
	"chatrelay/internal/usecase"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			os.Exit(1)
		}
	case "chat":
		if err := runChat(); err != nil {
			fmt.Fprintf(os.Stderr, "chat: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chatrelay --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`chatrelay - streaming chat client and relay for Dify-style backends

USAGE:
    chatrelay [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the HTTP relay gateway (default)
    chat        Open the terminal chat client

FLAGS:
    -h, --help            Show this help message
    --config PATH         Config file path (default: ./config.yaml)
    --app ID              App id for the chat client (default: default)
    --user ID             End-user identifier for the chat client
    --conversation ID     Resume an existing conversation (chat only)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CHAT_API_BASE_URL, DEFAULT_CHAT_API_KEY and
    CHAT_API_KEY_<APP> override config values. CHATRELAY_CONFIG_KEY
    decrypts enc:-prefixed secrets.

EXAMPLES:
    chatrelay                            # relay gateway with config.yaml
    chatrelay chat --user alice          # terminal client
    chatrelay chat --app support --conversation 3c90c3cc-...`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("CHATRELAY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func flagValue(name, fallback string) string {
	for i, arg := range os.Args {
		if arg == "--"+name && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--"+name+"=") {
			return strings.TrimPrefix(arg, "--"+name+"=")
		}
	}
	return fallback
}

// components holds everything both commands need wired.
type components struct {
	cfg      *config.Config
	log      *slog.Logger
	apps     map[string]domain.Backend
	sessions *usecase.SessionManager
	store    *archive.SQLiteStore
	cleanup  func()
}

func initComponents() (*components, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	tracerShutdown, err := tracer.Setup(context.Background(), cfg.Tracer)
	if err != nil {
		logCloser()
		return nil, fmt.Errorf("tracer: %w", err)
	}

	var store *archive.SQLiteStore
	var recorder usecase.TurnRecorder
	if cfg.Archive.Enabled {
		store, err = archive.NewSQLiteStore(cfg.Archive.Path)
		if err != nil {
			logCloser()
			return nil, fmt.Errorf("archive: %w", err)
		}
		recorder = store
	}

	httpClient := dify.NewHTTPClient(cfg.Backend.ConnTimeout, cfg.Backend.RespTimeout, dify.PooledTransportConfig{
		MaxIdleConns:        cfg.Backend.Pool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Backend.Pool.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.Backend.Pool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.Backend.Pool.IdleConnTimeout,
	})
	breakerCfg := dify.CircuitBreakerConfig{
		MaxFailures: cfg.Backend.Breaker.MaxFailures,
		Timeout:     cfg.Backend.Breaker.Timeout,
		Interval:    cfg.Backend.Breaker.Interval,
	}

	apps := make(map[string]domain.Backend, len(cfg.Apps.Keys)+1)
	for appID, key := range cfg.Apps.Keys {
		client := dify.NewClient(appID, cfg.Backend.BaseURL, key, httpClient, log)
		apps[appID] = dify.NewCircuitBreakerBackend(client, appID, breakerCfg, log)
	}
	if cfg.Apps.DefaultKey != "" {
		client := dify.NewClient("default", cfg.Backend.BaseURL, cfg.Apps.DefaultKey, httpClient, log)
		apps["default"] = dify.NewCircuitBreakerBackend(client, "default", breakerCfg, log)
	}

	return &components{
		cfg:      cfg,
		log:      log,
		apps:     apps,
		sessions: usecase.NewSessionManager(log, recorder),
		store:    store,
		cleanup: func() {
			if store != nil {
				store.Close()
			}
			tracerShutdown(context.Background())
			logCloser()
		},
	}, nil
}

func runServe() error {
	c, err := initComponents()
	if err != nil {
		return err
	}
	defer c.cleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var archiveMirror gateway.ConversationArchive
	if c.store != nil {
		archiveMirror = c.store
	}
	handler := gateway.NewHandler(c.apps, c.sessions, archiveMirror, c.log)
	server := gateway.NewServer(c.cfg.Server, handler, c.log)

	c.log.Info("chatrelay starting",
		"apps", len(c.apps),
		"backend", c.cfg.Backend.BaseURL,
		"archive", c.cfg.Archive.Enabled,
	)
	return server.Start(ctx)
}

func runChat() error {
	c, err := initComponents()
	if err != nil {
		return err
	}
	defer c.cleanup()

	appID := flagValue("app", "default")
	backend, ok := c.apps[appID]
	if !ok {
		return fmt.Errorf("no API key configured for app %q", appID)
	}

	user := flagValue("user", "")
	if user == "" {
		user = defaultUser()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var opts []usecase.SessionOption
	if conv := flagValue("conversation", ""); conv != "" {
		opts = append(opts, usecase.WithConversation(conv))
	}
	if c.store != nil {
		opts = append(opts, usecase.WithRecorder(c.store))
	}
	session := usecase.NewChatSession(backend, appID, user, c.log, opts...)

	if conv := flagValue("conversation", ""); conv != "" {
		if err := session.LoadMessages(ctx, conv); err != nil {
			c.log.Warn("history load failed", "conversation", conv, "error", err)
		}
	}

	app := tui.NewApp(session, backend, user, c.log)
	return app.Start(ctx)
}

func defaultUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	host, err := os.Hostname()
	if err != nil {
		return "local"
	}
	return "local@" + host
}
