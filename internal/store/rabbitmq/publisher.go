// Package rabbitmq queues ask jobs for cmd/worker. One durable queue
// per deployment, with a retry queue feeding expired messages back and
// a DLQ for jobs the worker rejects.
package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// AskJobMessage is the wire payload for one queued ask turn. The worker
// re-reads the AskJob row for the prompt; chat and user ids ride along
// so its log lines do not need a DB round trip.
type AskJobMessage struct {
	JobID  string `json:"job_id"`
	ChatID string `json:"chat_id"`
	UserID uint64 `json:"user_id"`
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

// NewPublisher connects and declares the ask-job topology. Idempotent
// against the worker declaring the same queues.
func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareAskTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

// DeclareAskTopology sets up three durable queues: <queue> dead-letters
// rejected jobs to <queue>.dlq, and messages parked in <queue>.retry
// flow back to <queue> when their TTL expires. Publisher and worker both
// declare it; queue arguments must match or the broker rejects the
// second declaration.
func DeclareAskTopology(ch *amqp.Channel, queue string) error {
	dlq := queue + ".dlq"
	retry := queue + ".retry"

	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return err
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	})
	return err
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// PublishAskJob enqueues one job as a persistent message on the main
// queue.
func (p *Publisher) PublishAskJob(ctx context.Context, msg AskJobMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	return p.ch.PublishWithContext(pctx,
		"",      // default exchange
		p.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
