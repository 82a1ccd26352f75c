package deployer

import (
	"context"
	"fmt"
	"time"
)

// Deployer provisions paid workloads on the compute marketplace.
type Deployer interface {
	// Process drives the deployment with the given id to a terminal state.
	// It is safe to call more than once for the same id; only the first call
	// that observes a pending deployment does any work. Outcomes are recorded
	// in the deployment; an error is returned only if the deployment couldn't
	// be claimed, in which case calling again is safe.
	Process(ctx context.Context, id DeploymentID) error
}

// DeploymentID is the identity of a deployment record.
type DeploymentID string

// Status is the lifecycle state of a deployment.
type Status string

const (
	// StatusPending is the state of a deployment waiting for its payment.
	StatusPending Status = "pending"
	// StatusDeploying is the state of a deployment being negotiated on the marketplace.
	StatusDeploying Status = "deploying"
	// StatusActive is the terminal state of a deployment running on a provider.
	StatusActive Status = "active"
	// StatusFailed is the terminal state of a deployment that couldn't be provisioned.
	StatusFailed Status = "failed"
)

// Terminal returns true if no transition leaves the status.
func (s Status) Terminal() bool {
	return s == StatusActive || s == StatusFailed
}

// Valid returns true if s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusDeploying, StatusActive, StatusFailed:
		return true
	}
	return false
}

// ChannelType is the messaging channel the workload is bound to.
type ChannelType string

const (
	// ChannelTelegram is a Telegram bot.
	ChannelTelegram ChannelType = "telegram"
	// ChannelDiscord is a Discord bot.
	ChannelDiscord ChannelType = "discord"
	// ChannelSlack is a Slack app.
	ChannelSlack ChannelType = "slack"
)

// Deployment is a provisioning attempt for a paid workload.
type Deployment struct {
	ID     DeploymentID `json:"id"`
	UserID string       `json:"user_id"`

	Model       string      `json:"model"`
	ChannelType ChannelType `json:"channel_type"`
	// ChannelTokenEnc and ChannelAPIKeyEnc hold vault ciphertexts.
	ChannelTokenEnc  string `json:"-"`
	ChannelAPIKeyEnc string `json:"-"`

	PaymentSessionID string `json:"payment_session_id"`
	PaymentIntentID  string `json:"payment_intent_id,omitempty"`

	MarketplaceDeploymentID string `json:"marketplace_deployment_id,omitempty"`
	LeaseID                 string `json:"lease_id,omitempty"`
	ServiceURL              string `json:"service_url,omitempty"`
	ChannelLink             string `json:"channel_link,omitempty"`

	Status       Status `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeploymentUpdate holds the fields written when a deployment reaches a terminal state.
type DeploymentUpdate struct {
	Status                  Status
	ErrorMessage            string
	MarketplaceDeploymentID string
	LeaseID                 string
	ServiceURL              string
	ChannelLink             string
}

// Validate checks the terminal invariant: active carries a service URL,
// failed carries an error message, and only failed carries an error message.
func (u DeploymentUpdate) Validate() error {
	switch u.Status {
	case StatusActive:
		if u.ServiceURL == "" {
			return fmt.Errorf("active deployment requires a service url")
		}
		if u.ErrorMessage != "" {
			return fmt.Errorf("active deployment can't have an error message")
		}
	case StatusFailed:
		if u.ErrorMessage == "" {
			return fmt.Errorf("failed deployment requires an error message")
		}
	default:
		return fmt.Errorf("status %q is not terminal", u.Status)
	}
	return nil
}

// Price is a bid amount in a marketplace denomination.
type Price struct {
	Amount float64 `json:"amount"`
	Denom  string  `json:"denom"`
}

func (p Price) String() string {
	return fmt.Sprintf("%g%s", p.Amount, p.Denom)
}

// Bid is an offer from a provider to run a deployment.
type Bid struct {
	ProviderID      string
	ProviderAddress string
	Price           Price
	DSeq            string
	GSeq            uint32
	OSeq            uint32
	// Index is the order in which the bid was received.
	Index int
}

// LeaseID identifies a lease on the marketplace.
type LeaseID struct {
	DSeq     string `json:"dseq"`
	GSeq     uint32 `json:"gseq"`
	OSeq     uint32 `json:"oseq"`
	Provider string `json:"provider"`
}

func (id LeaseID) String() string {
	return fmt.Sprintf("%s/%d/%d/%s", id.DSeq, id.GSeq, id.OSeq, id.Provider)
}

// Lease is a binding agreement with a provider.
type Lease struct {
	ID         LeaseID
	State      string
	ServiceURL string
}

// BlacklistEntry excludes a provider from bid selection.
// A zero ExpiresAt means the entry never expires.
type BlacklistEntry struct {
	ProviderID string    `json:"provider_id"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// Permanent returns true if the entry has no expiry.
func (e BlacklistEntry) Permanent() bool {
	return e.ExpiresAt.IsZero()
}
