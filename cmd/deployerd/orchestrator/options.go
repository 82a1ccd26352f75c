package orchestrator

import (
	"context"
	"errors"

	"github.com/textileio/deploy-core/deployer"
	"github.com/textileio/deploy-core/msgbroker"
)

// ChannelResolver resolves a human usable link to the channel a workload is
// bound to.
type ChannelResolver interface {
	Resolve(ctx context.Context, ct deployer.ChannelType, credential string) (string, error)
}

// NoopChannelResolver resolves no link.
type NoopChannelResolver struct{}

// Resolve implements ChannelResolver.
func (NoopChannelResolver) Resolve(context.Context, deployer.ChannelType, string) (string, error) {
	return "", nil
}

// Option configures the Orchestrator.
type Option func(*Orchestrator) error

// WithChannelResolver sets the resolver of channel links.
func WithChannelResolver(r ChannelResolver) Option {
	return func(o *Orchestrator) error {
		if r == nil {
			return errors.New("channel resolver is nil")
		}
		o.channels = r
		return nil
	}
}

// WithMsgBroker publishes finalized deployments to mb.
func WithMsgBroker(mb msgbroker.MsgBroker) Option {
	return func(o *Orchestrator) error {
		if mb == nil {
			return errors.New("message broker is nil")
		}
		o.mb = mb
		return nil
	}
}
