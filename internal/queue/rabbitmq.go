package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/richardliu001/incident-command-service/internal/model"
	"go.uber.org/zap"
)

var ErrPublishNacked = errors.New("broker did not confirm publish")

const (
	dialAttempts = 15
	dialBackoff  = 3 * time.Second
)

// Publisher sends command jobs to a durable RabbitMQ work queue with publisher
// confirms. The command id travels as MessageId so consumers can drop repeats.
type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
	log   *zap.SugaredLogger
	mu    sync.Mutex
}

// Dial connects to the broker, retrying while it starts up, and declares queue.
func Dial(url, queue string, log *zap.SugaredLogger) (*Publisher, error) {
	var (
		conn *amqp.Connection
		ch   *amqp.Channel
		err  error
	)
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			ch, err = conn.Channel()
			if err == nil {
				break
			}
			_ = conn.Close()
		}
		log.Warnw("rabbitmq connect failed", "attempt", attempt, "max", dialAttempts, "error", err)
		if attempt < dialAttempts {
			time.Sleep(dialBackoff)
		}
	}
	if ch == nil {
		return nil, fmt.Errorf("connect rabbitmq after %d attempts: %w", dialAttempts, err)
	}

	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	log.Infow("connected to rabbitmq", "queue", queue)
	return &Publisher{conn: conn, ch: ch, queue: queue, log: log}, nil
}

// Enqueue publishes job and waits for the broker confirm.
func (p *Publisher) Enqueue(ctx context.Context, job model.Job) error {
	msg, err := newPublishing(job, time.Now())
	if err != nil {
		return err
	}

	p.mu.Lock()
	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx,
		"",      // default exchange routes by queue name
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		msg,
	)
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish job %s: %w", job.CommandID, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm job %s: %w", job.CommandID, err)
	}
	if !acked {
		return fmt.Errorf("%w: job %s", ErrPublishNacked, job.CommandID)
	}
	p.log.Debugw("job enqueued", "command_id", job.CommandID, "type", job.Type, "queue", p.queue)
	return nil
}

func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		_ = p.conn.Close()
		return err
	}
	return p.conn.Close()
}

func newPublishing(job model.Job, now time.Time) (amqp.Publishing, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode job %s: %w", job.CommandID, err)
	}
	return amqp.Publishing{
		MessageId:    job.CommandID,
		Type:         string(job.Type),
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Headers:      amqp.Table{"source": string(job.Source)},
		Body:         body,
	}, nil
}
