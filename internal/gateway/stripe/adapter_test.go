package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripego "github.com/stripe/stripe-go/v76"

	"github.com/tsylvester/paynless-framework-sub006/internal/catalog"
	"github.com/tsylvester/paynless-framework-sub006/internal/gateway"
)

const testSecret = "whsec_test"

type fakeSessions struct {
	got *stripego.CheckoutSessionParams
	out *stripego.CheckoutSession
	err error
}

func (f *fakeSessions) New(p *stripego.CheckoutSessionParams) (*stripego.CheckoutSession, error) {
	f.got = p
	return f.out, f.err
}

type fakeSubscriptions struct {
	subs map[string]*stripego.Subscription
}

func (f *fakeSubscriptions) Get(id string, _ *stripego.SubscriptionParams) (*stripego.Subscription, error) {
	if s, ok := f.subs[id]; ok {
		return s, nil
	}
	return nil, errors.New("no such subscription")
}

func sign(payload []byte, secret string, at time.Time) string {
	ts := at.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%d.%s", ts, payload)))
	return fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
}

func eventPayload(typ, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","object":"event","api_version":"2023-10-16","type":%q,"data":{"object":%s}}`, typ, object))
}

func TestInitiatePayment_PaymentMode(t *testing.T) {
	sessions := &fakeSessions{out: &stripego.CheckoutSession{ID: "cs_123", URL: "https://checkout.stripe.test/cs_123"}}
	a := NewWithClients(sessions, &fakeSubscriptions{}, testSecret, "https://app.test/")

	res, err := a.InitiatePayment(context.Background(), gateway.InitiationContext{
		SettlementID: "pay-1",
		UserID:       "user-1",
		Plan:         catalog.Plan{ID: "basic", ItemID: "price_basic", PlanType: catalog.PlanTypeOneTime},
		Quantity:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_123", res.GatewayTransactionID)
	assert.Equal(t, "https://checkout.stripe.test/cs_123", res.RedirectURL)

	p := sessions.got
	require.NotNil(t, p)
	assert.Equal(t, "payment", *p.Mode)
	assert.Equal(t, "price_basic", *p.LineItems[0].Price)
	assert.Equal(t, int64(2), *p.LineItems[0].Quantity)
	assert.Equal(t, "https://app.test/subscription/success?session_id={CHECKOUT_SESSION_ID}&payment_id=pay-1", *p.SuccessURL)
	assert.Equal(t, "https://app.test/subscription", *p.CancelURL)
	assert.Equal(t, "user-1", *p.ClientReferenceID)
	assert.Equal(t, "pay-1", p.Metadata[metaPaymentID])
	assert.Nil(t, p.SubscriptionData)
}

func TestInitiatePayment_SubscriptionMode(t *testing.T) {
	sessions := &fakeSessions{out: &stripego.CheckoutSession{ID: "cs_sub"}}
	a := NewWithClients(sessions, &fakeSubscriptions{}, testSecret, "https://app.test")

	_, err := a.InitiatePayment(context.Background(), gateway.InitiationContext{
		SettlementID: "pay-2",
		Plan:         catalog.Plan{ID: "pro", ItemID: "price_pro", PlanType: catalog.PlanTypeSubscription},
		Quantity:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, "subscription", *sessions.got.Mode)
	require.NotNil(t, sessions.got.SubscriptionData)
	assert.Equal(t, "pay-2", sessions.got.SubscriptionData.Metadata[metaPaymentID])
}

func TestInitiatePayment_Errors(t *testing.T) {
	a := NewWithClients(&fakeSessions{err: errors.New("card network down")}, &fakeSubscriptions{}, testSecret, "https://app.test")

	_, err := a.InitiatePayment(context.Background(), gateway.InitiationContext{
		Plan: catalog.Plan{ItemID: "price_x", PlanType: "bundle"}, Quantity: 1,
	})
	assert.ErrorIs(t, err, gateway.ErrUnsupportedPlan)

	_, err = a.InitiatePayment(context.Background(), gateway.InitiationContext{
		Plan: catalog.Plan{ItemID: "price_x", PlanType: catalog.PlanTypeOneTime}, Quantity: 1,
	})
	assert.ErrorContains(t, err, "card network down")
}

func TestParseWebhook_RejectsBadSignature(t *testing.T) {
	a := NewWithClients(&fakeSessions{}, &fakeSubscriptions{}, testSecret, "")
	payload := eventPayload("checkout.session.completed", `{"id":"cs_1","object":"checkout.session"}`)

	_, err := a.ParseWebhook(context.Background(), payload, sign(payload, "wrong", time.Now()))
	assert.ErrorIs(t, err, gateway.ErrSignatureVerification)

	_, err = a.ParseWebhook(context.Background(), payload, "")
	assert.ErrorIs(t, err, gateway.ErrSignatureVerification)
}

func TestParseWebhook_CheckoutCompletedPayment(t *testing.T) {
	a := NewWithClients(&fakeSessions{}, &fakeSubscriptions{}, testSecret, "")
	payload := eventPayload("checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","mode":"payment","client_reference_id":"user-1","metadata":{"internal_payment_id":"pay-1"}}`)

	ev, err := a.ParseWebhook(context.Background(), payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, gateway.KindPaymentSucceeded, ev.Kind)
	assert.Equal(t, "pay-1", ev.CorrelationID)
	assert.Equal(t, "cs_1", ev.GatewayTransactionID)
	assert.Nil(t, ev.Subscription)
}

func TestParseWebhook_CheckoutCompletedSubscription(t *testing.T) {
	subs := &fakeSubscriptions{subs: map[string]*stripego.Subscription{
		"sub_1": {
			ID:                 "sub_1",
			Status:             stripego.SubscriptionStatusActive,
			CurrentPeriodStart: 1704067200,
			CurrentPeriodEnd:   1706745600,
			Customer:           &stripego.Customer{ID: "cus_1"},
			Items: &stripego.SubscriptionItemList{Data: []*stripego.SubscriptionItem{
				{Price: &stripego.Price{ID: "price_pro"}},
			}},
		},
	}}
	a := NewWithClients(&fakeSessions{}, subs, testSecret, "")
	payload := eventPayload("checkout.session.completed",
		`{"id":"cs_2","object":"checkout.session","mode":"subscription","subscription":"sub_1","customer":"cus_1","client_reference_id":"user-9","metadata":{"internal_payment_id":"pay-2"}}`)

	ev, err := a.ParseWebhook(context.Background(), payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)
	require.NotNil(t, ev.Subscription)
	assert.Equal(t, "sub_1", ev.Subscription.GatewaySubscriptionID)
	assert.Equal(t, "cus_1", ev.Subscription.GatewayCustomerID)
	assert.Equal(t, "user-9", ev.Subscription.UserID)
	assert.Equal(t, "price_pro", ev.Subscription.PriceID)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ev.Subscription.PeriodStart)
}

func TestParseWebhook_EventMapping(t *testing.T) {
	a := NewWithClients(&fakeSessions{}, &fakeSubscriptions{}, testSecret, "")
	session := `{"id":"cs_3","object":"checkout.session","metadata":{"internal_payment_id":"pay-3"}}`

	cases := []struct {
		typ    string
		object string
		want   gateway.EventKind
	}{
		{"checkout.session.async_payment_succeeded", session, gateway.KindPaymentSucceeded},
		{"checkout.session.async_payment_failed", session, gateway.KindPaymentFailed},
		{"checkout.session.expired", session, gateway.KindSessionExpired},
		{"invoice.payment_succeeded", `{"id":"in_1","object":"invoice","customer":"cus_1","subscription":"sub_1","billing_reason":"subscription_cycle"}`, gateway.KindRenewal},
		{"invoice.payment_failed", `{"id":"in_2","object":"invoice","customer":"cus_1","attempt_count":2}`, gateway.KindRenewalFailed},
		{"customer.subscription.deleted", `{"id":"sub_1","object":"subscription","status":"canceled","customer":"cus_1"}`, gateway.KindSubscriptionChanged},
		{"product.updated", `{"id":"prod_1","object":"product","active":false}`, gateway.KindCatalogChanged},
		{"price.deleted", `{"id":"price_1","object":"price","product":"prod_1"}`, gateway.KindCatalogChanged},
		{"payment_intent.created", `{"id":"pi_1","object":"payment_intent"}`, gateway.KindUnhandled},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			payload := eventPayload(tc.typ, tc.object)
			ev, err := a.ParseWebhook(context.Background(), payload, sign(payload, testSecret, time.Now()))
			require.NoError(t, err)
			assert.Equal(t, tc.want, ev.Kind)
			assert.Equal(t, tc.typ, ev.Type)
		})
	}
}

func TestParseWebhook_CatalogChanges(t *testing.T) {
	a := NewWithClients(&fakeSessions{}, &fakeSubscriptions{}, testSecret, "")

	cases := []struct {
		typ    string
		object string
		want   gateway.CatalogChange
	}{
		{"product.created", `{"id":"prod_1","object":"product","active":true}`, gateway.CatalogChange{ProductID: "prod_1", Active: true}},
		{"product.updated", `{"id":"prod_1","object":"product","active":false}`, gateway.CatalogChange{ProductID: "prod_1"}},
		{"product.deleted", `{"id":"prod_1","object":"product","active":true}`, gateway.CatalogChange{ProductID: "prod_1"}},
		{"price.created", `{"id":"price_1","object":"price","active":true,"product":"prod_1"}`, gateway.CatalogChange{ProductID: "prod_1", PriceID: "price_1", Active: true}},
		{"price.updated", `{"id":"price_1","object":"price","active":false,"product":{"id":"prod_1","object":"product"}}`, gateway.CatalogChange{ProductID: "prod_1", PriceID: "price_1"}},
		{"price.deleted", `{"id":"price_1","object":"price","active":true,"product":"prod_1"}`, gateway.CatalogChange{ProductID: "prod_1", PriceID: "price_1"}},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			payload := eventPayload(tc.typ, tc.object)
			ev, err := a.ParseWebhook(context.Background(), payload, sign(payload, testSecret, time.Now()))
			require.NoError(t, err)
			assert.Equal(t, gateway.KindCatalogChanged, ev.Kind)
			require.NotNil(t, ev.Catalog)
			assert.Equal(t, tc.want, *ev.Catalog)
		})
	}

	payload := eventPayload("price.updated", `{"object":"price"}`)
	_, err := a.ParseWebhook(context.Background(), payload, sign(payload, testSecret, time.Now()))
	assert.ErrorIs(t, err, gateway.ErrMalformedEvent)
}

func TestParseWebhook_InvoiceRenewal(t *testing.T) {
	a := NewWithClients(&fakeSessions{}, &fakeSubscriptions{}, testSecret, "")
	invoice := `{"id":"in_9","object":"invoice","customer":"cus_1","subscription":"sub_1","billing_reason":"subscription_cycle",
"amount_paid":1500,"currency":"usd","lines":{"object":"list","data":[{"id":"il_1","object":"line_item","price":{"id":"price_pro","object":"price"},"period":{"start":1706745600,"end":1709251200}}]}}`
	payload := eventPayload("invoice.payment_succeeded", invoice)

	ev, err := a.ParseWebhook(context.Background(), payload, sign(payload, testSecret, time.Now()))
	require.NoError(t, err)
	require.NotNil(t, ev.Renewal)
	r := ev.Renewal
	assert.Equal(t, "in_9", r.InvoiceID)
	assert.Equal(t, "cus_1", r.GatewayCustomerID)
	assert.Equal(t, "sub_1", r.GatewaySubscriptionID)
	assert.Equal(t, "price_pro", r.PriceID)
	assert.Equal(t, int64(1500), r.AmountPaidMinor)
	assert.False(t, r.Initial)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), r.PeriodEnd)

	initial := eventPayload("invoice.payment_succeeded", `{"id":"in_0","object":"invoice","billing_reason":"subscription_create"}`)
	ev, err = a.ParseWebhook(context.Background(), initial, sign(initial, testSecret, time.Now()))
	require.NoError(t, err)
	assert.True(t, ev.Renewal.Initial)
}
