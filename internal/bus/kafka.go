package bus

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Receiver is the slice of [*kafka.Reader] the worker loop needs; tests
// substitute a fake.
type Receiver interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sender is the slice of [*kafka.Writer] the worker loop needs.
type Sender interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

var (
	_ Receiver = (*kafka.Reader)(nil)
	_ Sender   = (*kafka.Writer)(nil)
)

// NewReceiver opens a consumer-group reader on the topic.
func NewReceiver(brokers []string, groupID, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: 0, // synchronous commits: ack is an explicit step
		MaxWait:        time.Second,
	})
}

// NewSender opens a writer on the topic.
func NewSender(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
	}
}
