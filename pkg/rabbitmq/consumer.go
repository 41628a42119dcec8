package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	"github.com/lipila/withdrawal-service/pkg/logger"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const consumerPrefetch = 16

// Consumer reads from a durable queue bound to a topic exchange and dispatches
// each delivery to the handler whose binding pattern matches its routing key.
type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	log  *zap.Logger
}

// NewConsumer dials the broker and opens a channel that holds at most
// prefetch unacknowledged deliveries.
func NewConsumer(amqpURL string) (*Consumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(cleanURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	return &Consumer{conn: conn, ch: ch, log: logger.For("rabbitmq_consumer")}, nil
}

// ConsumeWithBindings declares the queue, binds every pattern and starts a
// goroutine delivering messages. A handler returning false requeues the message.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings for queue %s", queueName)
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool)
	for pattern, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[pattern] = handler
		if err := c.ch.QueueBind(q.Name, pattern, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			c.dispatch(handlers, d)
		}
		c.log.Info("delivery channel closed", zap.String("queue", q.Name))
	}()

	return nil
}

// dispatch acks unroutable and handled deliveries and requeues the rest.
func (c *Consumer) dispatch(handlers map[string]func([]byte) bool, d amqp.Delivery) {
	handler, ok := resolveHandler(handlers, d.RoutingKey)
	switch {
	case !ok:
		c.log.Warn("no handler for routing key; dropping", zap.String("routing_key", d.RoutingKey))
		_ = d.Ack(false)
	case handler(d.Body):
		_ = d.Ack(false)
	default:
		c.log.Warn("handler failed; requeueing",
			zap.String("routing_key", d.RoutingKey),
			zap.String("message_id", d.MessageId),
			zap.Bool("redelivered", d.Redelivered),
		)
		_ = d.Nack(false, true)
	}
}

func resolveHandler(handlers map[string]func([]byte) bool, routingKey string) (func([]byte) bool, bool) {
	if h, ok := handlers[routingKey]; ok {
		return h, true
	}
	for pattern, h := range handlers {
		if MatchTopic(pattern, routingKey) {
			return h, true
		}
	}
	return nil, false
}

// MatchTopic reports whether routingKey matches an AMQP topic binding pattern,
// where "*" stands for exactly one word and "#" for zero or more words.
func MatchTopic(pattern, routingKey string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			for i := 0; i <= len(key); i++ {
				if matchWords(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
