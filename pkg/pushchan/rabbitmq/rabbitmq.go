package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/models"
	"github.com/mohammed-ibenayad/quality-traceability-execution/pkg/pushchan"

	amqp "github.com/rabbitmq/amqp091-go" // RabbitMQ client
)

const (
	// Exchange the runner-side bridges publish result events to.
	resultsExchange = "test_results_exchange"
	// Direct exchange: routing key is the request id.
	exchangeType = "direct"
	// Consumer tag prefix for this service's consumers.
	consumerTagPrefix = "execution-service-"
	// Queue name prefix per request.
	queuePrefix = "results."
)

// Ensure Bridge satisfies the health probe used for timeout selection.
var _ pushchan.HealthChecker = (*Bridge)(nil)

// Bridge consumes push-channel result events from RabbitMQ and dispatches
// them into the subscription registry. One consumer per active request id,
// torn down when the request unbinds.
type Bridge struct {
	conn     *amqp.Connection
	registry *pushchan.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	consumers map[string]chan struct{} // requestID -> stop signal
}

// NewBridge connects to RabbitMQ and declares the results exchange.
// Channels are created per consumer, not shared.
func NewBridge(url string, registry *pushchan.Registry, logger *slog.Logger) (*Bridge, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	logger.Info("RabbitMQ connection established")

	// Log unexpected connection closures; health probing picks this up.
	closeChan := make(chan *amqp.Error)
	conn.NotifyClose(closeChan)
	go func() {
		amqpErr := <-closeChan
		if amqpErr != nil {
			logger.Error("RabbitMQ connection closed unexpectedly", slog.String("error", amqpErr.Error()))
		} else {
			logger.Info("RabbitMQ connection closed normally")
		}
	}()

	b := &Bridge{
		conn:      conn,
		registry:  registry,
		logger:    logger,
		consumers: make(map[string]chan struct{}),
	}

	if err := b.declareExchange(); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// declareExchange ensures the results exchange exists. Uses a temporary channel.
func (b *Bridge) declareExchange() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open temporary channel for exchange declare: %w", err)
	}
	defer ch.Close()

	err = ch.ExchangeDeclare(
		resultsExchange, // name
		exchangeType,    // type
		true,            // durable
		false,           // auto-deleted
		false,           // internal
		false,           // no-wait
		nil,             // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange '%s': %w", resultsExchange, err)
	}
	b.logger.Info("Declared exchange", slog.String("exchange", resultsExchange))
	return nil
}

// Healthy reports whether the AMQP connection is open. Used to choose the
// webhook timeout duration and to gate simulated fallback.
func (b *Bridge) Healthy(_ context.Context) bool {
	return b.conn != nil && !b.conn.IsClosed()
}

// BindRequest declares a queue for the request id, binds it to the results
// exchange and starts a consumer feeding the registry. Binding an already
// bound request is a no-op.
func (b *Bridge) BindRequest(requestID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.consumers[requestID]; exists {
		b.logger.Debug("Request already bound to AMQP consumer", slog.String("request_id", requestID))
		return nil
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel for request consumer: %w", err)
	}

	queueName := queuePrefix + requestID
	// Auto-delete: the queue disappears when the run's consumer goes away.
	if _, err := ch.QueueDeclare(queueName, false, true, false, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("failed to declare queue '%s': %w", queueName, err)
	}
	if err := ch.QueueBind(queueName, requestID, resultsExchange, false, nil); err != nil {
		ch.Close()
		return fmt.Errorf("failed to bind queue '%s' to exchange '%s': %w", queueName, resultsExchange, err)
	}

	deliveries, err := ch.Consume(
		queueName,                    // queue
		consumerTagPrefix+requestID,  // consumer tag
		false,                        // auto-ack
		false,                        // exclusive
		false,                        // no-local
		false,                        // no-wait
		nil,                          // args
	)
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to start consumer for queue '%s': %w", queueName, err)
	}

	stop := make(chan struct{})
	b.consumers[requestID] = stop
	go b.consumeLoop(requestID, ch, deliveries, stop)

	b.logger.Info("AMQP consumer started for request",
		slog.String("request_id", requestID),
		slog.String("queue", queueName))
	return nil
}

// UnbindRequest stops the consumer for a request id. Unbinding an unknown
// request is a no-op.
func (b *Bridge) UnbindRequest(requestID string) {
	b.mu.Lock()
	stop, exists := b.consumers[requestID]
	if exists {
		delete(b.consumers, requestID)
	}
	b.mu.Unlock()

	if exists {
		close(stop)
	}
}

// Close stops every consumer and closes the AMQP connection.
func (b *Bridge) Close() error {
	b.mu.Lock()
	for id, stop := range b.consumers {
		close(stop)
		delete(b.consumers, id)
	}
	b.mu.Unlock()

	b.logger.Info("Closing RabbitMQ connection")
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			b.logger.Error("Failed to close RabbitMQ connection", slog.String("error", err.Error()))
			return err
		}
	}
	return nil
}

// consumeLoop decodes deliveries and dispatches them into the registry until
// the stop signal fires or the channel closes.
func (b *Bridge) consumeLoop(requestID string, ch *amqp.Channel, deliveries <-chan amqp.Delivery, stop <-chan struct{}) {
	defer ch.Close()
	logger := b.logger.With(slog.String("request_id", requestID))

	for {
		select {
		case <-stop:
			return
		case msg, ok := <-deliveries:
			if !ok {
				logger.Warn("AMQP delivery channel closed")
				return
			}
			if err := b.dispatchDelivery(msg.Body); err != nil {
				logger.Error("Failed to decode result event, discarding",
					slog.String("message_id", msg.MessageId),
					slog.String("error", err.Error()))
				_ = msg.Nack(false, false) // No requeue: the payload will not get better
				continue
			}
			_ = msg.Ack(false)
		}
	}
}

// resultEnvelope sniffs the two inbound shapes: per-test-case and legacy bulk.
type resultEnvelope struct {
	RequestID  string           `json:"request_id"`
	TestCaseID string           `json:"test_case_id"`
	TestCase   *models.RawTest  `json:"test_case,omitempty"`
	RawXML     string           `json:"raw_xml,omitempty"`
	Results    []models.RawTest `json:"results,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

func (b *Bridge) dispatchDelivery(body []byte) error {
	var env resultEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("failed to unmarshal result event: %w", err)
	}
	if env.RequestID == "" {
		return fmt.Errorf("result event missing request_id")
	}
	ts := env.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	switch {
	case env.TestCaseID != "":
		b.registry.Dispatch(models.PushEvent{
			RequestID:  env.RequestID,
			TestCaseID: env.TestCaseID,
			TestCase:   env.TestCase,
			RawXML:     env.RawXML,
			Timestamp:  ts,
		})
	case len(env.Results) > 0:
		b.registry.DispatchBulk(models.BulkPushEvent{
			RequestID: env.RequestID,
			Results:   env.Results,
			Timestamp: ts,
		})
	default:
		return fmt.Errorf("result event has neither test_case_id nor results")
	}
	return nil
}
