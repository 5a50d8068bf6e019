package queue

import "context"

// NoopProducer discards every message. Used by tests and by deployments
// that haven't wired a real message queue.
type NoopProducer struct{}

func (NoopProducer) Publish(context.Context, string, []byte) error { return nil }
func (NoopProducer) Close() error                                  { return nil }

var (
	_ Producer = NoopProducer{}
	_ Producer = (*KafkaProducer)(nil)
)
