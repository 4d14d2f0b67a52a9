package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenPA-Agent/internal/api"
	"OpenPA-Agent/internal/config"
	"OpenPA-Agent/internal/memory"
	"OpenPA-Agent/internal/observability/alerting"
	"OpenPA-Agent/internal/oracle"
	"OpenPA-Agent/internal/oracle/openai"
	"OpenPA-Agent/internal/orchestrator"
	"OpenPA-Agent/internal/session"
	"OpenPA-Agent/internal/tool"
	"OpenPA-Agent/internal/turn"
	"OpenPA-Agent/pkg/logger"
)

// main 是 OpenPA 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("openpad exited with error: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("OPENPA_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "openpa.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}

	oracleClient, err := createOracleClient(cfg)
	if err != nil {
		return err
	}

	snapshotStore, err := createSnapshotStore(cfg)
	if err != nil {
		return err
	}

	// 每个进程共享一个虚拟工作区，按会话隔离文件。
	fs := tool.NewVirtualFS()

	registry, err := session.NewRegistry(
		func(sessionID string, mem *memory.Memory) (*orchestrator.Orchestrator, error) {
			tools := tool.NewRegistry()
			if err := tools.Register(tool.NewFSAdapter(fs)); err != nil {
				return nil, err
			}
			if err := tools.Register(tool.NewPlanningAdapter(fs)); err != nil {
				return nil, err
			}
			return orchestrator.New(oracleClient, tools, fs, mem,
				orchestrator.WithBudgets(orchestrator.Budgets{
					Simple:  cfg.Agent.SimpleStepCeiling,
					Focused: cfg.Agent.FocusedStepCeiling,
					Complex: cfg.Agent.ComplexStepCeiling,
					Hard:    cfg.Agent.HardStepCeiling,
				}),
				orchestrator.WithRepetitionThreshold(cfg.Agent.RepetitionThreshold),
				orchestrator.WithMinContentChars(cfg.Agent.MinContentChars),
				orchestrator.WithPreviewChars(cfg.Agent.WorkspacePreviewChars),
				orchestrator.WithRunTimeout(cfg.Agent.RunTimeout()),
			)
		},
		session.WithIdleTimeout(time.Duration(cfg.Sessions.IdleTimeoutMinutes)*time.Minute),
		session.WithSnapshotStore(snapshotStore),
		session.WithMemoryOptions(
			memory.WithMaxEntities(cfg.Memory.MaxEntities),
			memory.WithEntityTTL(cfg.Memory.EntityTTL()),
			memory.WithConversationWindow(cfg.Agent.ConversationWindow),
		),
		session.WithEvictHook(fs.Drop),
	)
	if err != nil {
		return err
	}
	registry.StartCleanup(time.Duration(cfg.Sessions.CleanupIntervalMinutes) * time.Minute)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		registry.Close(closeCtx)
	}()

	turnStore, err := createTurnStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if turnStore != nil {
			_ = turnStore.Close()
		}
	}()

	turnQueue, err := createTurnQueue(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if turnQueue != nil {
			if err := turnQueue.Close(); err != nil {
				logger.L().Warn("failed to close turn queue", slog.String("error", err.Error()))
			}
		}
	}()

	turnService := turn.NewService(turnStore, turnQueue, cfg.Turns.Store.Retries)
	processor := turn.NewProcessor(registry, turnStore, turnQueue, turnQueue,
		turn.WithWorkerCount(cfg.Turns.Queue.Worker),
		turn.WithProcessorLogger(logger.L()),
		turn.WithAlertDispatcher(alerting.NewFanout(&alerting.LogNotifier{})),
	)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()

	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("turn processor exited", slog.String("error", err.Error()))
		}
	}()

	server := api.NewServer(cfg.Server.Address, registry, turnService)
	logger.L().Info("openpad listening", slog.String("address", cfg.Server.Address))

	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createOracleClient(cfg *config.Config) (oracle.Client, error) {
	switch cfg.Oracle.Provider {
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.Oracle.OpenAI.APIKey)
		if apiKey == "" && cfg.Oracle.OpenAI.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.Oracle.OpenAI.APIKeyEnv))
		}
		if apiKey == "" {
			return nil, errors.New("openai provider requires api_key or api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.Oracle.OpenAI.BaseURL,
			Model:   cfg.Oracle.OpenAI.Model,
			Timeout: cfg.Oracle.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("unknown oracle provider: %s", cfg.Oracle.Provider)
	}
}

func createSnapshotStore(cfg *config.Config) (memory.SnapshotStore, error) {
	switch cfg.Memory.SnapshotDriver {
	case "", "file":
		return memory.NewFileSnapshotStore(filepath.Join(cfg.Runtime.DataDir, "snapshots"))
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Memory.Redis.Address,
			Password: cfg.Memory.Redis.Password,
			DB:       cfg.Memory.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to snapshot redis: %w", err)
		}
		return memory.NewRedisSnapshotStore(client, cfg.Memory.Redis.KeyPrefix, cfg.Memory.EntityTTL())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown snapshot driver: %s", cfg.Memory.SnapshotDriver)
	}
}

func createTurnStore(cfg *config.Config) (turn.Store, error) {
	switch cfg.Turns.Store.Driver {
	case "", "memory":
		return turn.NewMemoryStore(), nil
	case "mysql":
		return turn.NewMySQLStore(cfg.Turns.Store.DSN)
	default:
		return nil, fmt.Errorf("unknown turn store driver: %s", cfg.Turns.Store.Driver)
	}
}

func createTurnQueue(cfg *config.Config) (turn.Queue, error) {
	switch cfg.Turns.Queue.Driver {
	case "", "memory":
		return turn.NewMemoryQueue(1024), nil
	case "redis":
		return turn.NewRedisQueue(turn.RedisQueueConfig{
			Address:   cfg.Turns.Queue.Redis.Address,
			Password:  cfg.Turns.Queue.Redis.Password,
			DB:        cfg.Turns.Queue.Redis.DB,
			Queue:     cfg.Turns.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Turns.Queue.Redis.BlockWait) * time.Second,
		})
	case "rabbitmq":
		return turn.NewRabbitMQQueue(turn.RabbitMQConfig{
			URL:        cfg.Turns.Queue.RabbitMQ.URL,
			Queue:      cfg.Turns.Queue.RabbitMQ.Queue,
			Prefetch:   cfg.Turns.Queue.RabbitMQ.Prefetch,
			Durable:    cfg.Turns.Queue.RabbitMQ.Durable,
			AutoDelete: cfg.Turns.Queue.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("unknown turn queue driver: %s", cfg.Turns.Queue.Driver)
	}
}
