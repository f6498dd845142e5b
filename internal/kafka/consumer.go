// Package kafka содержит потребителя событий заказов из Kafka —
// альтернативный вебхукам транспорт тех же событий.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/j1vetr/adegloba-core/internal/model"
	"github.com/j1vetr/adegloba-core/internal/service"
)

// Имена топиков внешней системы обработки заказов.
const (
	TopicOrdersPaid   = "orders.paid"
	TopicOrdersVoided = "orders.voided"
)

// EventService описывает часть бизнес-логики, необходимую потребителю событий.
type EventService interface {
	HandleOrderPaid(ctx context.Context, ev model.OrderPaid) (*service.FulfillmentResult, error)
	HandleOrderVoided(ctx context.Context, ev model.OrderVoided) (int, error)
}

// Handler обрабатывает одно сообщение. Возврат nil разрешает коммит смещения;
// при ошибке смещение не коммитится и сообщение будет доставлено повторно.
// Ошибка errBadPayload — исключение: повторная доставка нечитаемое сообщение
// не исправит, поэтому оно пропускается с коммитом смещения.
type Handler func(ctx context.Context, m kafka.Message) error

// errBadPayload помечает сообщение, которое невозможно декодировать.
var errBadPayload = errors.New("malformed message payload")

// messageReader покрывает используемую часть kafka.Reader.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer читает один топик и передаёт сообщения обработчику с ручным
// коммитом смещений.
type Consumer struct {
	reader messageReader
	logger *zap.Logger
}

// NewConsumer создаёт потребителя указанного топика в группе group.
func NewConsumer(brokers []string, group, topic string, logger *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  group,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, logger: logger}
}

// Run читает сообщения до отмены контекста. Смещение коммитится после
// успешной обработки, поэтому события, упавшие на временной ошибке,
// доставляются повторно. Недекодируемые сообщения — исключение: они
// коммитятся и пропускаются, иначе навсегда застопорили бы группу.
func (c *Consumer) Run(ctx context.Context, h Handler) error {
	defer c.reader.Close()

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := h(ctx, m); err != nil {
			if !errors.Is(err, errBadPayload) {
				c.logger.Error("message handling failed, offset not committed",
					zap.Error(err),
					zap.String("topic", m.Topic),
					zap.Int64("offset", m.Offset),
				)
				continue
			}

			// Нечитаемое сообщение вечно: пропускаем его, сдвинув смещение.
			c.logger.Error("malformed message skipped",
				zap.Error(err),
				zap.String("topic", m.Topic),
				zap.Int64("offset", m.Offset),
			)
		}

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit offset: %w", err)
		}
	}
}

// PaidHandler возвращает обработчик сообщений топика orders.paid.
func PaidHandler(svc EventService) Handler {
	return func(ctx context.Context, m kafka.Message) error {
		var ev model.OrderPaid
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			return fmt.Errorf("%w: decode paid event: %v", errBadPayload, err)
		}

		if _, err := svc.HandleOrderPaid(ctx, ev); err != nil {
			return fmt.Errorf("handle paid event: %w", err)
		}
		return nil
	}
}

// VoidedHandler возвращает обработчик сообщений топика orders.voided.
func VoidedHandler(svc EventService) Handler {
	return func(ctx context.Context, m kafka.Message) error {
		var ev model.OrderVoided
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			return fmt.Errorf("%w: decode voided event: %v", errBadPayload, err)
		}

		if _, err := svc.HandleOrderVoided(ctx, ev); err != nil {
			return fmt.Errorf("handle voided event: %w", err)
		}
		return nil
	}
}
