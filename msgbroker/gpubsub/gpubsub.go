package gpubsub

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/textileio/deploy-core/msgbroker"
	golog "github.com/textileio/go-log/v2"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/global"
	"google.golang.org/api/option"
)

const emulatorProjectID = "deploy-core-emulator"

var log = golog.Logger("gpubsub")

// PubsubMsgBroker is an implementation of MsgBroker for Google PubSub.
type PubsubMsgBroker struct {
	subsName    string
	topicPrefix string

	client              *pubsub.Client
	clientCtx           context.Context
	clientCtxCancel     context.CancelFunc
	receivingHandlersWg sync.WaitGroup

	topicCacheLock sync.Mutex
	topicCache     map[msgbroker.TopicName]*pubsub.Topic

	metrics metricsCollector
}

var _ msgbroker.MsgBroker = (*PubsubMsgBroker)(nil)

// New returns a new *PubsubMsgBroker. If PUBSUB_EMULATOR_HOST is set, the
// project id and credentials are ignored and the emulator is used instead.
func New(projectID, apiKey, topicPrefix, subsName string) (*PubsubMsgBroker, error) {
	if subsName == "" {
		return nil, errors.New("subscription name is empty")
	}

	var opts []option.ClientOption
	if os.Getenv("PUBSUB_EMULATOR_HOST") != "" {
		log.Warnf("using google pubsub emulator at %s", os.Getenv("PUBSUB_EMULATOR_HOST"))
		projectID = emulatorProjectID
	} else {
		if projectID == "" {
			return nil, errors.New("project-id is empty")
		}
		if apiKey == "" {
			return nil, errors.New("api key is empty")
		}
		opts = append(opts, option.WithCredentialsJSON([]byte(apiKey)))
	}

	ctx, cancel := context.WithCancel(context.Background())
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating pubsub client: %s", err)
	}

	p := &PubsubMsgBroker{
		subsName:        subsName,
		topicPrefix:     topicPrefix,
		client:          client,
		clientCtx:       ctx,
		clientCtxCancel: cancel,
		topicCache:      map[msgbroker.TopicName]*pubsub.Topic{},
		metrics:         noopMetricsCollector{},
	}
	p.initMetrics(metric.Must(global.Meter("gpubsub")))

	return p, nil
}

// RegisterTopicHandler registers a handler to a topic. The subscription name
// is the topic prefix, the broker subscription name and the topic name joined.
func (p *PubsubMsgBroker) RegisterTopicHandler(
	topicName msgbroker.TopicName,
	handler msgbroker.TopicHandler,
	opts ...msgbroker.Option) error {
	config, err := msgbroker.ApplyRegisterHandlerOptions(opts...)
	if err != nil {
		return fmt.Errorf("applying options: %s", err)
	}
	topic, err := p.getTopic(topicName)
	if err != nil {
		return fmt.Errorf("get topic: %s", err)
	}

	subName := p.topicPrefix + p.subsName + "-" + string(topicName)
	ctx, cancel := context.WithTimeout(p.clientCtx, time.Second*10)
	defer cancel()
	sub := p.client.Subscription(subName)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return fmt.Errorf("checking subscription %s exists: %s", subName, err)
	}
	if !exists {
		log.Warnf("creating subscription %s for topic %s", subName, topicName)
		sub, err = p.client.CreateSubscription(ctx, subName, pubsub.SubscriptionConfig{
			Topic:       topic,
			AckDeadline: config.AckDeadline,
		})
		if err != nil {
			return fmt.Errorf("creating subscription %s: %s", subName, err)
		}
	}

	p.receivingHandlersWg.Add(1)
	go func() {
		defer p.receivingHandlersWg.Done()
		err := sub.Receive(p.clientCtx, func(ctx context.Context, m *pubsub.Message) {
			start := time.Now()
			err := handler(ctx, m.Data)
			p.metrics.onHandle(ctx, string(topicName), time.Since(start), err)
			if err != nil {
				log.Errorf("handling message %s of topic %s: %s", m.ID, topicName, err)
				m.Nack()
				return
			}
			m.Ack()
		})
		if err != nil {
			log.Errorf("receive handler subscription %s, topic %s: %s", subName, topicName, err)
		}
	}()

	log.Debugf("registered handler for %s:%s", subName, topicName)
	return nil
}

// PublishMsg publishes a message to the desired topic.
func (p *PubsubMsgBroker) PublishMsg(ctx context.Context, topicName msgbroker.TopicName, data []byte) (err error) {
	defer func() { p.metrics.onPublish(ctx, string(topicName), err) }()

	topic, err := p.getTopic(topicName)
	if err != nil {
		return fmt.Errorf("get topic: %s", err)
	}
	pr := topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := pr.Get(ctx); err != nil {
		return fmt.Errorf("publishing to pubsub: %s", err)
	}

	return nil
}

// Close closes the broker. It waits for the receiving handlers to finish.
func (p *PubsubMsgBroker) Close() error {
	p.clientCtxCancel()
	p.receivingHandlersWg.Wait()

	p.topicCacheLock.Lock()
	for _, t := range p.topicCache {
		t.Stop()
	}
	p.topicCacheLock.Unlock()

	if err := p.client.Close(); err != nil {
		return fmt.Errorf("closing pubsub client: %s", err)
	}
	return nil
}

func (p *PubsubMsgBroker) getTopic(name msgbroker.TopicName) (*pubsub.Topic, error) {
	p.topicCacheLock.Lock()
	defer p.topicCacheLock.Unlock()
	topic, ok := p.topicCache[name]
	if ok {
		return topic, nil
	}

	topicName := p.topicPrefix + string(name)
	topic = p.client.Topic(topicName)
	ctx, cancel := context.WithTimeout(p.clientCtx, time.Second*10)
	defer cancel()
	exist, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic exists: %s", err)
	}
	if !exist {
		log.Warnf("creating topic %s", topicName)
		topic, err = p.client.CreateTopic(ctx, topicName)
		if err != nil {
			return nil, fmt.Errorf("creating topic %s: %s", topicName, err)
		}
	}
	p.topicCache[name] = topic

	return topic, nil
}
