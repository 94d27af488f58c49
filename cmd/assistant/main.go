package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"crm-assistant/internal/adapter/channel"
	"crm-assistant/internal/adapter/crm"
	"crm-assistant/internal/adapter/gateway"
	"crm-assistant/internal/adapter/nlu"
	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/config"
	"crm-assistant/internal/infra/logger"
	"crm-assistant/internal/infra/tracer"
	"crm-assistant/internal/usecase"
	"crm-assistant/internal/usecase/eventbus"
	"crm-assistant/internal/usecase/scheduling"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`crm-assistant - Conversational CRM front-end

USAGE:
    crm-assistant [FLAGS]

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: CRMASSISTANT_* variables override config

EXAMPLES:
    crm-assistant                              # Run with config.yaml
    crm-assistant --config /path/to/config.yaml
    CRMASSISTANT_CRM_BACKEND=mock crm-assistant`)
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
	if p := os.Getenv("CRMASSISTANT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 4. NLU provider + fallback controller
	primary, err := nlu.NewProvider(cfg.NLU, log)
	if err != nil {
		return fmt.Errorf("nlu: %w", err)
	}
	fallback := usecase.NewFallbackController(primary, nlu.Factory(cfg.NLU, log),
		cfg.NLU.Fallback.MaxFailures, cfg.NLU.Fallback.ProbeEvery, bus, log)

	// 5. CRM backend
	crmPort, err := crm.NewBackend(cfg.CRM, log)
	if err != nil {
		return fmt.Errorf("crm: %w", err)
	}
	if closer, ok := crmPort.(io.Closer); ok {
		defer closer.Close()
	}

	// 6. Sessions
	sessionDir := ""
	if cfg.Sessions.Persist {
		sessionDir = cfg.Sessions.Dir
	}
	sessions := usecase.NewSessionManager(sessionDir, cfg.Sessions.MaxTurns)

	// 7. Assistant
	assistant := usecase.NewAssistant(usecase.AssistantDeps{
		Sessions:      sessions,
		Fallback:      fallback,
		Dispatcher:    usecase.NewDispatcher(crmPort, bus, log),
		CRM:           crmPort,
		Logger:        log,
		Bus:           bus,
		HistoryRounds: cfg.Assistant.HistoryRounds,
		Timeout:       cfg.Assistant.Timeout,
	})

	// 8. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 9. Scheduler
	if cfg.Scheduler.Enabled {
		sched := scheduling.NewScheduler(log)
		sched.RegisterAction(scheduling.ActionSessionReap, func(ctx context.Context) error {
			n := sessions.ReapStaleSessions(cfg.Sessions.MaxIdle)
			if n > 0 {
				log.Info("reaped stale sessions", "count", n)
			}
			return nil
		})
		sched.RegisterAction(scheduling.ActionHealthProbe, func(ctx context.Context) error {
			return crmPort.Ping(ctx)
		})
		if cfg.Scheduler.SessionReap != "" {
			if err := sched.AddTask(scheduling.ScheduledTask{
				Name:     "session-reap",
				Schedule: cfg.Scheduler.SessionReap,
				Action:   scheduling.ActionSessionReap,
			}); err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
		}
		if cfg.Scheduler.HealthProbe != "" {
			if err := sched.AddTask(scheduling.ScheduledTask{
				Name:     "crm-health-probe",
				Schedule: cfg.Scheduler.HealthProbe,
				Action:   scheduling.ActionHealthProbe,
			}); err != nil {
				return fmt.Errorf("scheduler: %w", err)
			}
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		defer sched.Stop()
	}

	// 10. Websocket gateway
	if cfg.Gateway.Enabled {
		gw := gateway.NewServer(bus, gateway.NewStaticTokenAuth(cfg.Gateway.Auth.Tokens),
			cfg.Gateway.Addr, log)
		gateway.RegisterAssistantHandlers(gw, assistant, bus)
		go func() {
			if err := gw.Start(ctx); err != nil {
				log.Error("gateway server error", "error", err)
			}
		}()
	}

	log.Info("crm-assistant starting",
		"nlu", primary.Name(),
		"crm", crmPort.Name(),
		"http", cfg.Channels.HTTP.Enabled,
		"gateway", cfg.Gateway.Enabled,
	)

	// 11. HTTP chat channel
	if !cfg.Channels.HTTP.Enabled {
		<-ctx.Done()
		return nil
	}

	ch := channel.NewHTTPChannel(cfg.Channels.HTTP, log)
	ch.StatusFunc = assistant.CurrentStatus
	ch.CreateSessionFunc = assistant.NewSession

	handler := func(ctx context.Context, msg domain.InboundMessage) error {
		resp, err := assistant.Process(ctx, msg.SessionID, msg.Content)
		if err != nil {
			return err
		}
		meta := make(map[string]string, len(msg.Metadata)+2)
		for k, v := range msg.Metadata {
			meta[k] = v
		}
		meta["mode"] = resp.Mode
		if resp.Strategy != "" {
			meta["strategy"] = resp.Strategy
		}
		return ch.Send(ctx, domain.OutboundMessage{
			SessionID: resp.SessionID,
			Content:   resp.Reply,
			Metadata:  meta,
		})
	}

	if err := ch.Start(ctx, handler); err != nil {
		return err
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return ch.Stop(shutdownCtx)
}
