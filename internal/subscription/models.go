package subscription

import "time"

type Status string

const (
	StatusFree     Status = "free"
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Subscription links a user to a catalog plan and tracks the current billing
// period. Free subscriptions are advanced by the allocation runner; paid ones
// are written through from gateway events.
type Subscription struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`
	PlanID string `json:"planId"`
	Status Status `json:"status"`

	GatewayCustomerID     string `json:"gatewayCustomerId,omitempty"`
	GatewaySubscriptionID string `json:"gatewaySubscriptionId,omitempty"`

	CurrentPeriodStart time.Time `json:"currentPeriodStart"`
	CurrentPeriodEnd   time.Time `json:"currentPeriodEnd"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GatewayUpdate is the provider's view of a subscription.
type GatewayUpdate struct {
	UserID                string
	PlanID                string
	Status                Status
	GatewayCustomerID     string
	GatewaySubscriptionID string
	PeriodStart           time.Time
	PeriodEnd             time.Time
}
