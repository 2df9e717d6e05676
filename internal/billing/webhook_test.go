package billing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/provadorai/provador/internal/database"
	"github.com/provadorai/provador/internal/model"
	"github.com/provadorai/provador/internal/store"
)

const testSecret = "whsec_test"

func setupWebhook(t *testing.T) (*WebhookHandler, *store.AccountStore) {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	accounts := store.NewAccountStore(db, nil)
	if _, err := accounts.Create(context.Background(), "store-1", model.PlanTrial); err != nil {
		t.Fatalf("create account: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWebhookHandler(NewClient(Config{WebhookSecret: testSecret}), accounts, logger), accounts
}

func eventPayload(id, typ, object string) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","api_version":%q,"type":%q,"data":{"object":%s}}`,
		id, stripe.APIVersion, typ, object))
}

func postSigned(t *testing.T, h *WebhookHandler, payload []byte) int {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, req)
	return rec.Code
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h, _ := setupWebhook(t)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestWebhookCheckoutGrantsPackOnce(t *testing.T) {
	h, accounts := setupWebhook(t)
	payload := eventPayload("evt_pack_1", "checkout.session.completed",
		`{"id":"cs_1","object":"checkout.session","metadata":{"store_id":"store-1","pack":"medium"}}`)

	for i := 0; i < 2; i++ {
		if code := postSigned(t, h, payload); code != http.StatusOK {
			t.Fatalf("delivery %d: status = %d, want 200", i+1, code)
		}
	}

	a, err := accounts.Get(context.Background(), "store-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.ExtraCredits != model.CreditPacks["medium"] {
		t.Errorf("extra credits = %d, want %d", a.ExtraCredits, model.CreditPacks["medium"])
	}
}

func TestWebhookCheckoutUnknownPack(t *testing.T) {
	h, accounts := setupWebhook(t)
	payload := eventPayload("evt_pack_2", "checkout.session.completed",
		`{"id":"cs_2","object":"checkout.session","metadata":{"store_id":"store-1","pack":"huge"}}`)

	if code := postSigned(t, h, payload); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
	a, _ := accounts.Get(context.Background(), "store-1")
	if a.ExtraCredits != 0 {
		t.Errorf("extra credits = %d, want 0", a.ExtraCredits)
	}
}

func TestWebhookInvoicePaidRenewsPlan(t *testing.T) {
	h, accounts := setupWebhook(t)
	end := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	invoice := fmt.Sprintf(`{"id":"in_1","object":"invoice",
		"parent":{"type":"subscription_details","subscription_details":{"metadata":{"store_id":"store-1","plan":"growth"}}},
		"lines":{"object":"list","data":[{"id":"il_1","object":"line_item","period":{"start":%d,"end":%d}}]}}`,
		end.AddDate(0, -1, 0).Unix(), end.Unix())

	if code := postSigned(t, h, eventPayload("evt_inv_1", "invoice.paid", invoice)); code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}

	a, err := accounts.Get(context.Background(), "store-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Plan != model.PlanGrowth || a.PlanCredits != 300 {
		t.Errorf("plan = %s credits = %d, want growth/300", a.Plan, a.PlanCredits)
	}
	if a.TrialEndsAt != nil {
		t.Error("trial window should be cleared")
	}
	if a.PlanRenewsAt == nil || !a.PlanRenewsAt.Equal(end) {
		t.Errorf("renews at = %v, want %v", a.PlanRenewsAt, end)
	}
}

func TestWebhookInvoiceMissingStore(t *testing.T) {
	h, _ := setupWebhook(t)
	payload := eventPayload("evt_inv_2", "invoice.paid", `{"id":"in_2","object":"invoice","metadata":{"store_id":"store-404","plan":"pro"}}`)
	if code := postSigned(t, h, payload); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
}

func TestWebhookIgnoresOtherEvents(t *testing.T) {
	h, _ := setupWebhook(t)
	payload := eventPayload("evt_x", "customer.created", `{"id":"cus_1","object":"customer"}`)
	if code := postSigned(t, h, payload); code != http.StatusOK {
		t.Errorf("status = %d, want 200", code)
	}
}

type failingLedger struct{}

func (failingLedger) Renew(ctx context.Context, p store.RenewParams) (*model.Account, error) {
	return nil, errors.New("database is locked")
}

func (failingLedger) AddExtraCredits(ctx context.Context, storeID string, n int, eventID string) (*model.Account, error) {
	return nil, errors.New("database is locked")
}

func TestWebhookLedgerErrorAsksForRetry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewWebhookHandler(NewClient(Config{WebhookSecret: testSecret}), failingLedger{}, logger)
	payload := eventPayload("evt_pack_3", "checkout.session.completed",
		`{"id":"cs_3","object":"checkout.session","metadata":{"store_id":"store-1","pack":"small"}}`)

	if code := postSigned(t, h, payload); code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", code)
	}
}
