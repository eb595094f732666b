package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSender publishes fired emails to a durable RabbitMQ queue for a mail
// worker to consume. The connection is dialed lazily and re-dialed after
// it closes.
type AMQPSender struct {
	url   string
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewAMQPSender(url, queue string) *AMQPSender {
	return &AMQPSender{url: url, queue: queue}
}

func (s *AMQPSender) Send(ctx context.Context, req DeliveryRequest) DeliveryResult {
	start := time.Now()

	msg, err := buildPublishing(req, start)
	if err != nil {
		return DeliveryResult{Error: Permanent(err), Duration: time.Since(start)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ch, err := s.channel()
	if err != nil {
		return DeliveryResult{Error: fmt.Errorf("dial: %w", err), Duration: time.Since(start)}
	}

	if err := ch.PublishWithContext(ctx, "", s.queue, false, false, msg); err != nil {
		s.reset()
		return DeliveryResult{Error: fmt.Errorf("publish: %w", err), Duration: time.Since(start)}
	}

	return DeliveryResult{Duration: time.Since(start)}
}

// channel returns an open channel, dialing and declaring the queue if needed.
// Caller holds s.mu.
func (s *AMQPSender) channel() (*amqp.Channel, error) {
	if s.ch != nil && !s.ch.IsClosed() && s.conn != nil && !s.conn.IsClosed() {
		return s.ch, nil
	}
	s.reset()

	conn, err := amqp.Dial(s.url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	_, err = ch.QueueDeclare(
		s.queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	s.conn, s.ch = conn, ch
	return ch, nil
}

// reset drops the current connection. Caller holds s.mu.
func (s *AMQPSender) reset() {
	if s.ch != nil {
		_ = s.ch.Close()
		s.ch = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *AMQPSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	return nil
}

func buildPublishing(req DeliveryRequest, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal: %w", err)
	}
	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     req.AttemptID,
		CorrelationId: req.Payload.JobID,
		Timestamp:     now.UTC(),
		Type:          "email.send",
		Headers: amqp.Table{
			"x-attempt":  int32(req.Attempt),
			"x-misfired": req.Payload.Misfired,
		},
		Body: body,
	}, nil
}
