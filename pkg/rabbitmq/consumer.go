/**
 * @description
 * Consumer side of the campaign event bus. It subscribes a durable queue to
 * `campaign.contributed`, decodes every delivery into a typed contribution
 * event and settles the delivery according to the handler's verdict.
 *
 * @dependencies
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 * - github.com/sirupsen/logrus: Structured logging.
 */
package rabbitmq

import (
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/transfa/crowdfund-service/internal/domain"
)

// DefaultPrefetch bounds the unacknowledged contribution deliveries per consumer.
const DefaultPrefetch = 32

var ErrIncompleteEvent = errors.New("contribution event is missing required fields")

// Verdict tells the consumer how to settle a delivery.
type Verdict int

const (
	// Ack removes the delivery; used for applied and already-applied events.
	Ack Verdict = iota
	// Retry puts the delivery back on the queue once. A redelivered message
	// that asks for another retry is rejected instead.
	Retry
	// Discard rejects the delivery without requeueing.
	Discard
)

func (v Verdict) String() string {
	switch v {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	default:
		return "discard"
	}
}

// ContributionHandler processes one decoded contribution event.
type ContributionHandler func(event domain.ContributedEvent) Verdict

// Consumer reads contribution events from a durable queue.
type Consumer struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger logrus.FieldLogger
}

// NewConsumer dials the broker and caps in-flight deliveries at prefetch.
func NewConsumer(amqpURL string, prefetch int, logger logrus.FieldLogger) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}

	conn, err := amqp.Dial(cleanURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch %d: %w", prefetch, err)
	}

	return &Consumer{
		conn:   conn,
		ch:     ch,
		logger: logger.WithFields(logrus.Fields{"component": "rabbitmq_consumer", "prefetch": prefetch}),
	}, nil
}

// ConsumeContributions binds queueName to campaign.contributed on exchange and
// feeds decoded events to handle until the channel closes.
func (c *Consumer) ConsumeContributions(exchange, queueName string, handle ContributionHandler) error {
	if handle == nil {
		return errors.New("contribution handler is required")
	}
	if exchange == "" {
		exchange = DefaultExchange
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(q.Name, domain.EventCampaignContributed, exchange, false, nil); err != nil {
		return err
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			c.settle(d, handle)
		}
		c.logger.Info("contribution deliveries closed")
	}()
	return nil
}

// settle decodes one delivery, runs handle and acknowledges accordingly.
func (c *Consumer) settle(d amqp.Delivery, handle ContributionHandler) Verdict {
	log := c.logger.WithFields(logrus.Fields{"routing_key": d.RoutingKey, "delivery_tag": d.DeliveryTag})

	verdict := Discard
	if d.RoutingKey != domain.EventCampaignContributed {
		log.Warn("unexpected routing key; discarding")
	} else if event, err := decodeContribution(d.Body); err != nil {
		log.WithError(err).Warn("undecodable contribution event; discarding")
	} else {
		verdict = handle(event)
		log = log.WithFields(logrus.Fields{"event_id": event.EventID, "campaign_id": event.CampaignID})
	}

	if verdict == Retry && d.Redelivered {
		log.Warn("contribution event failed after redelivery; discarding")
		verdict = Discard
	}

	var err error
	switch verdict {
	case Ack:
		err = d.Ack(false)
	case Retry:
		err = d.Nack(false, true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		log.WithError(err).WithField("verdict", verdict.String()).Error("failed to settle delivery")
	}
	return verdict
}

func decodeContribution(body []byte) (domain.ContributedEvent, error) {
	var event domain.ContributedEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return domain.ContributedEvent{}, err
	}
	if event.EventID == "" || event.Contributor.IsZero() || event.Amount == 0 {
		return domain.ContributedEvent{}, ErrIncompleteEvent
	}
	return event, nil
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
