// Package razorpay adapts Razorpay Orders and webhooks to the gateway contract.
// Only one-time purchases are supported.
package razorpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	razorpaygo "github.com/razorpay/razorpay-go"
	"github.com/razorpay/razorpay-go/utils"

	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
	"github.com/tsylvester/paynless-framework-sub006/internal/config"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway"
	"github.com/tsylvester/paynless-framework-sub006/pkg/logger"
)

const (
	GatewayID = "razorpay"

	signatureHeader = "X-Razorpay-Signature"

	notePaymentID = "internal_payment_id"
	noteUserID    = "user_id"
)

type orderCreator interface {
	Create(data map[string]interface{}, extraHeaders map[string]string) (map[string]interface{}, error)
}

type Adapter struct {
	orders        orderCreator
	webhookSecret string
}

func New(cfg config.RazorpayConfig) (*Adapter, error) {
	if !cfg.Enabled() {
		return nil, errors.New("razorpay: key id, key secret and webhook secret are required")
	}
	client := razorpaygo.NewClient(cfg.KeyID, cfg.KeySecret)
	return NewWithOrders(client.Order, cfg.WebhookSecret), nil
}

func NewWithOrders(orders orderCreator, webhookSecret string) *Adapter {
	return &Adapter{orders: orders, webhookSecret: webhookSecret}
}

func (a *Adapter) ID() string { return GatewayID }

func (a *Adapter) SignatureHeader() string { return signatureHeader }

// InitiatePayment creates an order for the total amount. The settlement id is
// the order receipt and is echoed in notes.
func (a *Adapter) InitiatePayment(ctx context.Context, in gateway.InitiationContext) (gateway.InitiationResult, error) {
	if in.Plan.PlanType != catalog.PlanTypeOneTime {
		return gateway.InitiationResult{}, fmt.Errorf("%w: razorpay sells one-time purchases only", gateway.ErrUnsupportedPlan)
	}
	if in.AmountMinor <= 0 {
		return gateway.InitiationResult{}, fmt.Errorf("%w: non-positive amount for plan %s", catalog.ErrPlanMisconfigured, in.Plan.ID)
	}

	order, err := a.orders.Create(map[string]interface{}{
		"amount":          in.AmountMinor,
		"currency":        strings.ToUpper(in.Currency),
		"receipt":         in.SettlementID,
		"payment_capture": 1,
		"notes": map[string]interface{}{
			notePaymentID: in.SettlementID,
			noteUserID:    in.UserID,
		},
	}, nil)
	if err != nil {
		return gateway.InitiationResult{}, fmt.Errorf("razorpay: create order: %w", err)
	}

	id, _ := order["id"].(string)
	if id == "" {
		return gateway.InitiationResult{}, errors.New("razorpay: order response has no id")
	}
	logger.From(ctx).Debug("razorpay order created", "order_id", id, "settlement_id", in.SettlementID)
	return gateway.InitiationResult{GatewayTransactionID: id}, nil
}

type webhookEnvelope struct {
	Entity  string `json:"entity"`
	Event   string `json:"event"`
	Payload struct {
		Payment *struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
		Order *struct {
			Entity orderEntity `json:"entity"`
		} `json:"order"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string            `json:"id"`
	OrderID          string            `json:"order_id"`
	Status           string            `json:"status"`
	Notes            map[string]string `json:"notes"`
	ErrorDescription string            `json:"error_description"`
}

type orderEntity struct {
	ID      string            `json:"id"`
	Receipt string            `json:"receipt"`
	Notes   map[string]string `json:"notes"`
}

// ParseWebhook verifies X-Razorpay-Signature (hex HMAC-SHA256 of the body).
func (a *Adapter) ParseWebhook(ctx context.Context, payload []byte, signature string) (gateway.Event, error) {
	if signature == "" || !utils.VerifyWebhookSignature(string(payload), signature, a.webhookSecret) {
		return gateway.Event{}, gateway.ErrSignatureVerification
	}

	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return gateway.Event{}, fmt.Errorf("%w: %v", gateway.ErrMalformedEvent, err)
	}

	out := gateway.Event{Kind: gateway.KindUnhandled, Type: env.Event}
	switch env.Event {
	case "order.paid", "payment.captured":
		out.Kind = gateway.KindPaymentSucceeded
	case "payment.failed":
		out.Kind = gateway.KindPaymentFailed
	default:
		logger.From(ctx).Debug("razorpay event not handled", "type", env.Event)
		return out, nil
	}

	var notes []map[string]string
	if o := env.Payload.Order; o != nil {
		out.GatewayTransactionID = o.Entity.ID
		out.CorrelationID = o.Entity.Receipt
		notes = append(notes, o.Entity.Notes)
	}
	if p := env.Payload.Payment; p != nil {
		out.ID = p.Entity.ID
		if out.GatewayTransactionID == "" {
			out.GatewayTransactionID = p.Entity.OrderID
		}
		out.FailureReason = p.Entity.ErrorDescription
		notes = append(notes, p.Entity.Notes)
	}
	for _, n := range notes {
		if out.CorrelationID == "" && n[notePaymentID] != "" {
			out.CorrelationID = n[notePaymentID]
		}
	}
	return out, nil
}
