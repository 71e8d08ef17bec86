// Package main provides the consumer of the outbox transition stream. It
// surfaces terminal delivery failures that need user attention.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/rueidis"

	"github.com/jnst/lume-outbox/internal/bootstrap"
	"github.com/jnst/lume-outbox/internal/broker"
	"github.com/jnst/lume-outbox/internal/config"
	"github.com/jnst/lume-outbox/internal/logger"
	"github.com/jnst/lume-outbox/internal/model"
)

const (
	redisBlockTimeout = 1000 // milliseconds
	readBatchSize     = 10
	errorRetryDelay   = 1 * time.Second
	groupName         = "sync-status"
	signalBufferSize  = 1
	exitCode          = 1
)

// TransitionHandler processes transitions read from the stream.
type TransitionHandler struct {
	redisClient rueidis.Client
	stream      string
}

// NewTransitionHandler creates a new handler instance.
func NewTransitionHandler(redisClient rueidis.Client, stream string) *TransitionHandler {
	return &TransitionHandler{
		redisClient: redisClient,
		stream:      stream,
	}
}

// Handle reacts to one transition.
func (*TransitionHandler) Handle(_ context.Context, t model.Transition) error {
	switch {
	case t.Terminal:
		// ユーザーへの通知対象
		slog.Warn("outbox event needs attention",
			slog.String("event_id", t.EventID),
			slog.String("event_type", string(t.EventType)),
			slog.String("entity_id", t.EntityID),
			slog.String("user_id", t.UserID),
			slog.Int("attempts", t.AttemptCount),
			slog.String("error", t.ErrorMessage),
		)
	case t.To == model.EventStatusCompleted:
		slog.Info("outbox event synced",
			slog.String("event_id", t.EventID),
			slog.String("event_type", string(t.EventType)),
			slog.String("server_id", t.ServerID),
		)
	default:
		slog.Debug("outbox event transition",
			slog.String("event_id", t.EventID),
			slog.String("from", string(t.From)),
			slog.String("to", string(t.To)),
		)
	}

	return nil
}

func (h *TransitionHandler) createConsumerGroup(ctx context.Context) {
	cmd := h.redisClient.B().XgroupCreate().Key(h.stream).Group(groupName).Id("0").Mkstream().Build()
	if err := h.redisClient.Do(ctx, cmd).Error(); err != nil {
		slog.Info("consumer group creation result (may already exist)", slog.String("error", err.Error()))
	}
}

func (h *TransitionHandler) readMessages(ctx context.Context, consumerName string) (map[string][]rueidis.XRangeEntry, error) {
	readCmd := h.redisClient.B().Xreadgroup().Group(groupName, consumerName).
		Count(readBatchSize).
		Block(redisBlockTimeout).
		Streams().
		Key(h.stream).
		Id(">").
		Build()

	result := h.redisClient.Do(ctx, readCmd)
	if err := result.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, nil // タイムアウト
		}

		return nil, err
	}

	return result.AsXRead()
}

func (h *TransitionHandler) acknowledge(ctx context.Context, messageID string) {
	ackCmd := h.redisClient.B().Xack().Key(h.stream).Group(groupName).Id(messageID).Build()
	if err := h.redisClient.Do(ctx, ackCmd).Error(); err != nil {
		slog.Error("failed to ACK message",
			slog.String("message_id", messageID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *TransitionHandler) consume(ctx context.Context, consumerName string) error {
	streams, err := h.readMessages(ctx, consumerName)
	if err != nil {
		return err
	}

	for _, messages := range streams {
		for _, message := range messages {
			t, err := broker.DecodeTransition(message)
			if err != nil {
				// 壊れたメッセージは再処理しても直らない
				slog.Error("dropping malformed message",
					slog.String("message_id", message.ID),
					slog.String("error", err.Error()),
				)
				h.acknowledge(ctx, message.ID)

				continue
			}

			if err := h.Handle(ctx, t); err != nil {
				slog.Error("failed to process message",
					slog.String("message_id", message.ID),
					slog.String("error", err.Error()),
				)

				continue
			}

			h.acknowledge(ctx, message.ID)
		}
	}

	return nil
}

func (h *TransitionHandler) run(ctx context.Context, consumerName string) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("consumer stopped")
			return
		default:
			if err := h.consume(ctx, consumerName); err != nil && ctx.Err() == nil {
				slog.Error("error consuming messages", slog.String("error", err.Error()))
				time.Sleep(errorRetryDelay)
			}
		}
	}
}

func setupSignalHandling() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, signalBufferSize)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("shutdown signal received, stopping consumer")
		cancel()
	}()

	return ctx, cancel
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}

	// ログ設定
	slog.SetDefault(logger.Setup(cfg.LogLevel, cfg.LogFormat))

	if cfg.RedisAddr == "" {
		slog.Error("REDIS_ADDR is required for the consumer")
		os.Exit(exitCode)
	}

	redisClient, err := bootstrap.NewRedisClient(cfg.RedisAddr)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(exitCode)
	}
	defer redisClient.Close()

	ctx, cancel := setupSignalHandling()
	defer cancel()

	handler := NewTransitionHandler(redisClient, cfg.TransitionsStream)
	handler.createConsumerGroup(ctx)

	slog.Info("starting transition consumer",
		slog.String("service", "consumer"),
		slog.String("stream", cfg.TransitionsStream),
		slog.String("group", groupName),
		slog.String("consumer", cfg.ConsumerName),
	)

	handler.run(ctx, cfg.ConsumerName)
}
