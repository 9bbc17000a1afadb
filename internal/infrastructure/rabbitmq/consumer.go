package rabbitmq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/contracts/event"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/ledger-service/internal/pkg/logger"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const (
	supportedVersion = 1
	queueName        = "ledger-service.device-linked"
)

// DeviceMerger folds an anonymous device balance into an account exactly once
// per message id.
type DeviceMerger interface {
	MergeDeviceOnce(ctx context.Context, messageID, deviceID string, accountID uuid.UUID) (domain.MergeResult, bool, error)
}

type Consumer struct {
	rabbitURL string
	exchange  string
	merger    DeviceMerger
}

func NewConsumer(rabbitURL, exchange string, merger DeviceMerger) *Consumer {
	return &Consumer{
		rabbitURL: strings.TrimSpace(rabbitURL),
		exchange:  strings.TrimSpace(exchange),
		merger:    merger,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	log := logger.Logger.With().Str("component", "rabbitmq_consumer").Logger()

	conn, err := amqp.Dial(c.rabbitURL)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}

	closeAll := func() {
		_ = ch.Close()
		_ = conn.Close()
	}

	if err := ch.ExchangeDeclare(c.exchange, "topic", true, false, false, false, nil); err != nil {
		closeAll()
		return err
	}

	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		closeAll()
		return err
	}
	if err := ch.QueueBind(q.Name, event.RKDeviceLinked, c.exchange, false, nil); err != nil {
		closeAll()
		return err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		closeAll()
		return err
	}

	deliveries, err := ch.Consume(q.Name, "ledger-service", false, false, false, false, nil)
	if err != nil {
		closeAll()
		return err
	}

	go func() {
		defer closeAll()

		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn().Msg("delivery channel closed")
					return
				}
				if err := c.handleDelivery(ctx, d); err != nil {
					_ = d.Nack(false, true) // transient => requeue
					continue
				}
				_ = d.Ack(false)
			}
		}
	}()

	log.Info().Str("queue", q.Name).Msg("consumer started")
	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	return handleMessage(ctx, c.merger, d.RoutingKey, d.MessageId, d.Body)
}

// handleMessage returns nil for poison messages so they are acked and dropped;
// a non-nil error means retry.
func handleMessage(ctx context.Context, merger DeviceMerger, routingKey, amqpMessageID string, body []byte) error {
	baseLog := logger.Logger.With().
		Str("component", "rabbitmq_consumer").
		Str("routing_key", routingKey).
		Logger()

	if routingKey != event.RKDeviceLinked {
		baseLog.Warn().Msg("unexpected routing key; dropping")
		return nil
	}

	var env event.DomainEventEnvelope[json.RawMessage]
	if err := json.Unmarshal(body, &env); err != nil {
		baseLog.Warn().Err(err).Msg("invalid envelope json; dropping")
		return nil
	}
	if env.Version != supportedVersion {
		baseLog.Warn().Int("version", env.Version).Msg("unsupported envelope version; dropping")
		return nil
	}

	// message_id: prefer envelope.message_id, then AMQP MessageId, else hash fallback
	msgID := strings.TrimSpace(env.MessageID)
	if msgID == "" {
		msgID = strings.TrimSpace(amqpMessageID)
	}
	if msgID == "" {
		h := sha256.Sum256(append([]byte(routingKey+"\n"), body...))
		msgID = "hash:" + hex.EncodeToString(h[:])
	}

	traceID := strings.TrimSpace(env.TraceID)
	log := baseLog.With().
		Str("message_id", msgID).
		Str("trace_id", traceID).
		Logger()
	if traceID != "" {
		ctx = appCtx.WithRequestID(ctx, traceID)
	}

	return applyDeviceLinked(ctx, merger, msgID, env.Payload, log)
}

func applyDeviceLinked(ctx context.Context, merger DeviceMerger, msgID string, raw json.RawMessage, log zerolog.Logger) error {
	var p event.DeviceLinkedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Msg("invalid device.linked payload; dropping")
		return nil
	}

	accountID, err := uuid.Parse(strings.TrimSpace(p.Account()))
	if err != nil {
		log.Warn().Str("user_id", p.Account()).Msg("invalid user id; dropping")
		return nil
	}

	res, processed, err := merger.MergeDeviceOnce(ctx, msgID, p.DeviceID, accountID)
	switch {
	case errors.Is(err, domain.ErrNoIdentity), errors.Is(err, domain.ErrInvalidIdentity):
		log.Warn().Err(err).Str("device_id", p.DeviceID).Msg("invalid device id; dropping")
		return nil
	case err != nil:
		log.Error().Err(err).Msg("merge failed (requeue)")
		return err
	case !processed:
		log.Info().Msg("duplicate delivery ignored")
		return nil
	}

	log.Info().
		Str("device_id", p.DeviceID).
		Str("account_id", accountID.String()).
		Bool("merged", res.Merged).
		Int("transferred", res.Transferred).
		Msg("device linked")
	return nil
}
