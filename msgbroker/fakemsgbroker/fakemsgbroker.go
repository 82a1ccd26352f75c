package fakemsgbroker

import (
	"context"
	"fmt"
	"sync"

	mbroker "github.com/textileio/deploy-core/msgbroker"
)

// FakeMsgBroker is an in-memory MsgBroker for tests. Published messages are
// recorded, and Deliver calls registered handlers synchronously.
type FakeMsgBroker struct {
	lock          sync.Mutex
	topicMessages map[string][][]byte
	handlers      map[mbroker.TopicName][]mbroker.TopicHandler
}

var _ mbroker.MsgBroker = (*FakeMsgBroker)(nil)

// New returns an empty FakeMsgBroker.
func New() *FakeMsgBroker {
	return &FakeMsgBroker{
		topicMessages: map[string][][]byte{},
		handlers:      map[mbroker.TopicName][]mbroker.TopicHandler{},
	}
}

// RegisterTopicHandler implements msgbroker.MsgBroker.
func (b *FakeMsgBroker) RegisterTopicHandler(
	topicName mbroker.TopicName,
	handler mbroker.TopicHandler,
	opts ...mbroker.Option) error {
	if _, err := mbroker.ApplyRegisterHandlerOptions(opts...); err != nil {
		return err
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	b.handlers[topicName] = append(b.handlers[topicName], handler)
	return nil
}

// PublishMsg implements msgbroker.MsgBroker.
func (b *FakeMsgBroker) PublishMsg(ctx context.Context, topicName mbroker.TopicName, data []byte) error {
	b.lock.Lock()
	defer b.lock.Unlock()

	b.topicMessages[string(topicName)] = append(b.topicMessages[string(topicName)], data)

	return nil
}

// Helpers for tests

// Deliver calls every handler registered for the topic with data.
func (b *FakeMsgBroker) Deliver(ctx context.Context, topicName mbroker.TopicName, data []byte) error {
	b.lock.Lock()
	handlers := append([]mbroker.TopicHandler(nil), b.handlers[topicName]...)
	b.lock.Unlock()

	if len(handlers) == 0 {
		return fmt.Errorf("no handlers registered for topic %s", topicName)
	}
	for _, h := range handlers {
		if err := h(ctx, data); err != nil {
			return err
		}
	}
	return nil
}

// TotalPublished returns the number of messages published in all topics.
func (b *FakeMsgBroker) TotalPublished() int {
	b.lock.Lock()
	defer b.lock.Unlock()

	var count int
	for _, msgs := range b.topicMessages {
		count += len(msgs)
	}

	return count
}

// TotalPublishedTopic returns the number of messages published in a topic.
func (b *FakeMsgBroker) TotalPublishedTopic(name mbroker.TopicName) int {
	b.lock.Lock()
	defer b.lock.Unlock()

	return len(b.topicMessages[string(name)])
}

// GetMsg returns the idx-th message published in a topic.
func (b *FakeMsgBroker) GetMsg(name mbroker.TopicName, idx int) ([]byte, error) {
	b.lock.Lock()
	defer b.lock.Unlock()

	topic := b.topicMessages[string(name)]
	if idx >= len(topic) {
		return nil, fmt.Errorf("topic queue has length %d smaller than idx access %d", len(topic), idx)
	}

	return topic[idx], nil
}
