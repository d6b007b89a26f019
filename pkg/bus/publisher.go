package bus

import "context"

// Publisher fans domain events out to an external broker. The no-op
// implementation lets every caller publish unconditionally.
type Publisher interface {
	Publish(ctx context.Context, key string, v interface{}) error
	Close() error
}

type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, string, interface{}) error { return nil }
func (NoopPublisher) Close() error                                       { return nil }
