package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	minBytes = 1
	maxBytes = 10e6
)

var errMissingTable = errors.New("changes: notification table is required")

// KafkaSourceConfig configures the external change-notification consumer.
type KafkaSourceConfig struct {
	Brokers    []string
	Topic      string
	GroupID    string
	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// KafkaSource relays store notifications from a Kafka topic into the dispatcher. The
// upstream feed is at-least-once and may reorder; relayed events are hints only.
type KafkaSource struct {
	reader     *kafka.Reader
	dispatcher *Dispatcher
	logger     *zap.Logger
}

type notificationPayload struct {
	Table string   `json:"table"`
	IDs   []string `json:"ids"`
}

func NewKafkaSource(cfg KafkaSourceConfig) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("changes: kafka brokers are required")
	}
	if cfg.Dispatcher == nil {
		return nil, fmt.Errorf("changes: dispatcher is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    minBytes,
		MaxBytes:    maxBytes,
		MaxWait:     3 * time.Second,
		StartOffset: kafka.LastOffset,
	})
	logger.Info("kafka change source initialized",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.String("group_id", cfg.GroupID))
	return &KafkaSource{
		reader:     reader,
		dispatcher: cfg.Dispatcher,
		logger:     logger,
	}, nil
}

// Run consumes until ctx is cancelled, then closes the reader.
func (s *KafkaSource) Run(ctx context.Context) error {
	defer func() {
		if err := s.reader.Close(); err != nil {
			s.logger.Warn("failed to close kafka reader", zap.Error(err))
		}
	}()
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("failed to fetch change notification", zap.Error(err))
			continue
		}

		event, decodeErr := decodeNotification(msg.Value)
		if decodeErr != nil {
			s.logger.Warn("discarding malformed change notification",
				zap.Int64("offset", msg.Offset),
				zap.Error(decodeErr))
		} else {
			s.dispatcher.Publish(event)
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			s.logger.Error("failed to commit change notification",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
		}
	}
}

func decodeNotification(raw []byte) (Event, error) {
	var payload notificationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Event{}, err
	}
	table := strings.TrimSpace(payload.Table)
	if table == "" {
		return Event{}, errMissingTable
	}
	return Event{
		Topic: TopicStore,
		Kind:  KindChanged,
		Table: table,
		IDs:   payload.IDs,
	}, nil
}
