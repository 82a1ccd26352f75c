package msgbroker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/textileio/deploy-core/deployer"
	golog "github.com/textileio/go-log/v2"
)

var log = golog.Logger("msgbroker")

// TopicHandler is function that processes a received message.
// If no error is returned, the message will be automatically acked.
// If an error is returned, the message will be automatically nacked.
type TopicHandler func(context.Context, []byte) error

// MsgBroker is a message-broker for async message communication.
type MsgBroker interface {
	// RegisterTopicHandler registers a handler to a topic, with a defined
	// subscription defined by the underlying implementation. Is highly recommended
	// to register handlers in a type-safe way using RegisterHandlers().
	RegisterTopicHandler(topic TopicName, handler TopicHandler, opts ...Option) error

	// PublishMsg publishes a message to the desired topic.
	PublishMsg(ctx context.Context, topicName TopicName, data []byte) error
}

// TopicName is a topic name.
type TopicName string

const (
	// PaymentConfirmedTopic is the topic name for payment-confirmed messages.
	PaymentConfirmedTopic TopicName = "payment-confirmed"
	// DeploymentFinalizedTopic is the topic name for deployment-finalized messages.
	DeploymentFinalizedTopic TopicName = "deployment-finalized"
)

// PaymentConfirmedEventType is the event type of a confirmed payment.
const PaymentConfirmedEventType = "payment.confirmed"

// PaymentEvent is a notification of the payment provider. It's the body of
// both payment webhooks and payment-confirmed messages.
type PaymentEvent struct {
	Type            string                `json:"type"`
	DeploymentID    deployer.DeploymentID `json:"deployment_id"`
	PaymentIntentID string                `json:"payment_intent_id,omitempty"`
}

// Validate checks that a payment-confirmed event references a deployment.
func (e PaymentEvent) Validate() error {
	if e.Type != PaymentConfirmedEventType {
		return fmt.Errorf("unexpected event type %q", e.Type)
	}
	if e.DeploymentID == "" {
		return errors.New("deployment id is empty")
	}
	return nil
}

// DeploymentFinalized is published when a deployment reaches a terminal state.
type DeploymentFinalized struct {
	DeploymentID            deployer.DeploymentID `json:"deployment_id"`
	UserID                  string                `json:"user_id"`
	Status                  deployer.Status       `json:"status"`
	ErrorMessage            string                `json:"error_message,omitempty"`
	MarketplaceDeploymentID string                `json:"marketplace_deployment_id,omitempty"`
	LeaseID                 string                `json:"lease_id,omitempty"`
	ServiceURL              string                `json:"service_url,omitempty"`
	FinalizedAt             time.Time             `json:"finalized_at"`
}

// PaymentConfirmedListener is a handler for payment-confirmed topic.
type PaymentConfirmedListener interface {
	OnPaymentConfirmed(context.Context, PaymentEvent) error
}

// DeploymentFinalizedListener is a handler for deployment-finalized topic.
type DeploymentFinalizedListener interface {
	OnDeploymentFinalized(context.Context, DeploymentFinalized) error
}

// RegisterHandlers automatically calls mb.RegisterTopicHandler in the methods that
// s might satisfy on known XXXListener interfaces. This allows to automatically wire
// s to receive messages from topics of implemented handlers.
func RegisterHandlers(mb MsgBroker, s interface{}, opts ...Option) error {
	var countRegistered int
	if l, ok := s.(PaymentConfirmedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(PaymentConfirmedTopic, func(ctx context.Context, data []byte) error {
			var e PaymentEvent
			if err := json.Unmarshal(data, &e); err != nil {
				return fmt.Errorf("unmarshal payment confirmed: %s", err)
			}
			if e.Type != PaymentConfirmedEventType {
				log.Debugf("ignoring payment event of type %q", e.Type)
				return nil
			}
			if err := e.Validate(); err != nil {
				return fmt.Errorf("invalid payment confirmed message: %s", err)
			}
			if err := l.OnPaymentConfirmed(ctx, e); err != nil {
				return fmt.Errorf("calling on-payment-confirmed handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for payment-confirmed topic: %s", err)
		}
	}

	if l, ok := s.(DeploymentFinalizedListener); ok {
		countRegistered++
		err := mb.RegisterTopicHandler(DeploymentFinalizedTopic, func(ctx context.Context, data []byte) error {
			var df DeploymentFinalized
			if err := json.Unmarshal(data, &df); err != nil {
				return fmt.Errorf("unmarshal deployment finalized: %s", err)
			}
			if df.DeploymentID == "" {
				return errors.New("deployment id is empty")
			}
			if !df.Status.Terminal() {
				return fmt.Errorf("status %q isn't terminal", df.Status)
			}
			if err := l.OnDeploymentFinalized(ctx, df); err != nil {
				return fmt.Errorf("calling on-deployment-finalized handler: %s", err)
			}
			return nil
		}, opts...)
		if err != nil {
			return fmt.Errorf("registering handler for deployment-finalized topic: %s", err)
		}
	}

	if countRegistered == 0 {
		return errors.New("no handlers were registered")
	}

	return nil
}

// PublishMsgPaymentConfirmed publishes a message to the payment-confirmed topic.
func PublishMsgPaymentConfirmed(ctx context.Context, mb MsgBroker, e PaymentEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling payment-confirmed message: %s", err)
	}
	if err := mb.PublishMsg(ctx, PaymentConfirmedTopic, data); err != nil {
		return fmt.Errorf("publishing payment-confirmed message: %s", err)
	}
	return nil
}

// PublishMsgDeploymentFinalized publishes a message to the deployment-finalized topic.
func PublishMsgDeploymentFinalized(ctx context.Context, mb MsgBroker, df DeploymentFinalized) error {
	data, err := json.Marshal(df)
	if err != nil {
		return fmt.Errorf("marshaling deployment-finalized message: %s", err)
	}
	if err := mb.PublishMsg(ctx, DeploymentFinalizedTopic, data); err != nil {
		return fmt.Errorf("publishing deployment-finalized message: %s", err)
	}
	return nil
}
