package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/provadorai/provador/internal/model"
	"github.com/provadorai/provador/internal/store"
)

// Metadata keys set on checkout sessions and subscriptions by the storefront.
const (
	metaStoreID = "store_id"
	metaPack    = "pack"
	metaPlan    = "plan"
)

// errIgnored marks events that can never be applied; Stripe should not retry them.
var errIgnored = errors.New("event ignored")

// Ledger is the subset of the account store billing writes to.
type Ledger interface {
	Renew(ctx context.Context, p store.RenewParams) (*model.Account, error)
	AddExtraCredits(ctx context.Context, storeID string, n int, eventID string) (*model.Account, error)
}

type WebhookHandler struct {
	client *Client
	ledger Ledger
	logger *slog.Logger
}

func NewWebhookHandler(c *Client, ledger Ledger, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{client: c, ledger: ledger, logger: logger.With("component", "billing")}
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := h.client.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	log := h.logger.With("event_id", event.ID, "event_type", event.Type)

	switch event.Type {
	case "checkout.session.completed":
		err = h.handleCheckoutCompleted(r.Context(), event)
	case "invoice.paid":
		err = h.handleInvoicePaid(r.Context(), event)
	default:
		log.Debug("webhook event not handled")
	}

	switch {
	case err == nil:
	case errors.Is(err, store.ErrDuplicateEvent):
		log.Info("webhook event already applied")
	case errors.Is(err, errIgnored), errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrUnknownPlan):
		log.Warn("webhook event ignored", "error", err)
	default:
		log.Error("webhook event failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// handleCheckoutCompleted grants the credit pack bought in a one-off checkout.
func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, event stripe.Event) error {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return fmt.Errorf("%w: unmarshal checkout session: %v", errIgnored, err)
	}

	storeID := sess.Metadata[metaStoreID]
	pack := sess.Metadata[metaPack]
	if storeID == "" || pack == "" {
		// Subscription checkouts carry no pack; their credits arrive with invoice.paid.
		return nil
	}
	credits, ok := model.CreditPacks[pack]
	if !ok {
		return fmt.Errorf("%w: unknown credit pack %q", errIgnored, pack)
	}

	a, err := h.ledger.AddExtraCredits(ctx, storeID, credits, event.ID)
	if err != nil {
		return err
	}
	h.logger.Info("credit pack applied", "store_id", storeID, "pack", pack, "credits", credits, "extra_credits", a.ExtraCredits)
	return nil
}

// handleInvoicePaid renews the plan allowance for a paid subscription period.
func (h *WebhookHandler) handleInvoicePaid(ctx context.Context, event stripe.Event) error {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return fmt.Errorf("%w: unmarshal invoice: %v", errIgnored, err)
	}

	meta := subscriptionMetadata(invoice)
	storeID := meta[metaStoreID]
	if storeID == "" {
		return fmt.Errorf("%w: invoice without store_id metadata", errIgnored)
	}
	plan := model.Plan(meta[metaPlan])

	a, err := h.ledger.Renew(ctx, store.RenewParams{
		StoreID:  storeID,
		Plan:     plan,
		RenewsAt: periodEnd(invoice),
		EventID:  event.ID,
	})
	if err != nil {
		return err
	}
	h.logger.Info("plan renewed", "store_id", storeID, "plan", plan, "plan_credits", a.PlanCredits, "renews_at", a.PlanRenewsAt)
	return nil
}

// subscriptionMetadata returns the subscription metadata copied onto the invoice.
func subscriptionMetadata(invoice stripe.Invoice) map[string]string {
	if invoice.Parent != nil && invoice.Parent.SubscriptionDetails != nil {
		return invoice.Parent.SubscriptionDetails.Metadata
	}
	return invoice.Metadata
}

// periodEnd is the end of the subscription period the invoice pays for.
func periodEnd(invoice stripe.Invoice) time.Time {
	var end int64
	if invoice.Lines != nil {
		for _, line := range invoice.Lines.Data {
			if line.Period != nil && line.Period.End > end {
				end = line.Period.End
			}
		}
	}
	if end == 0 {
		end = invoice.PeriodEnd
	}
	if end == 0 {
		return time.Now().UTC().AddDate(0, 1, 0)
	}
	return time.Unix(end, 0).UTC()
}
