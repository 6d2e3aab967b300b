// Package payments turns payment-gateway events into ledger postings. The
// gateway owns order creation, capture and refunds; this package only
// consumes the outcome.
package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/example/field-dispatch/internal/apperr"
	"github.com/example/field-dispatch/internal/ledger"
	"github.com/example/field-dispatch/internal/logging"
	"github.com/example/field-dispatch/internal/models"
)

const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventChargeRefunded   = "charge.refunded"
	EventPayoutPaid       = "payout.paid"
	EventPayoutFailed     = "payout.failed"

	// OwnerMetadataKey names the wallet owner on the PaymentIntent or Charge.
	OwnerMetadataKey = "user_id"
	// PayoutMetadataKey names the driver payout a gateway payout settles.
	PayoutMetadataKey = "payout_id"

	maxBodyBytes = 65536
)

type Poster interface {
	Credit(ctx context.Context, in ledger.PostingInput) (*models.WalletTransaction, error)
	DebitCumulative(ctx context.Context, in ledger.PostingInput, total int64) (*models.WalletTransaction, error)
}

type PayoutSettler interface {
	Complete(ctx context.Context, payoutID, gatewayRef string) (*models.Payout, error)
	Fail(ctx context.Context, payoutID, reason string) (*models.Payout, error)
}

type WebhookHandler struct {
	secret  string
	ledger  Poster
	payouts PayoutSettler
	logger  *slog.Logger
}

// NewWebhookHandler builds the handler. A nil settler leaves payout events
// ignored.
func NewWebhookHandler(secret string, poster Poster, payouts PayoutSettler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		secret:  secret,
		ledger:  poster,
		payouts: payouts,
		logger:  logging.OrDiscard(logger).With("component", "payments"),
	}
}

// ServeHTTP verifies the Stripe-Signature header before handling the event.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		h.logger.Warn("webhook rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}
	if err := h.HandleEvent(r.Context(), event); err != nil {
		status := apperr.MetadataFor(apperr.CodeOf(err)).HTTPStatus
		if apperr.IsExpected(err) {
			h.logger.Debug("webhook event not applied", "event_id", event.ID, "type", event.Type, "error", err)
		} else {
			h.logger.Error("webhook event failed", "event_id", event.ID, "type", event.Type, "error", err)
		}
		http.Error(w, err.Error(), status)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleEvent applies one verified event. Unknown event types are ignored.
// Postings are keyed on the gateway object so redelivery posts once.
func (h *WebhookHandler) HandleEvent(ctx context.Context, event stripe.Event) error {
	if event.Data == nil {
		return apperr.Newf(apperr.CodeValidation, "event %s has no data", event.ID)
	}
	switch string(event.Type) {
	case EventPaymentSucceeded:
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return apperr.Wrap(apperr.CodeValidation, err, "decode payment intent")
		}
		owner := pi.Metadata[OwnerMetadataKey]
		if owner == "" {
			return apperr.Newf(apperr.CodeValidation, "payment intent %s has no %s metadata", pi.ID, OwnerMetadataKey)
		}
		amount := pi.AmountReceived
		if amount == 0 {
			amount = pi.Amount
		}
		tx, err := h.ledger.Credit(ctx, ledger.PostingInput{
			OwnerID:        owner,
			Amount:         amount,
			Category:       models.CategoryPayment,
			Description:    "payment captured",
			ReferenceID:    pi.ID,
			IdempotencyKey: "payment:" + pi.ID,
			Metadata:       map[string]any{"event_id": event.ID, "currency": string(pi.Currency)},
		})
		if err != nil {
			return err
		}
		h.logger.Info("payment credited", "owner_id", owner, "amount", amount, "transaction_id", tx.ID)
	case EventChargeRefunded:
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return apperr.Wrap(apperr.CodeValidation, err, "decode charge")
		}
		owner := ch.Metadata[OwnerMetadataKey]
		if owner == "" {
			return apperr.Newf(apperr.CodeValidation, "charge %s has no %s metadata", ch.ID, OwnerMetadataKey)
		}
		// amount_refunded is the running total for the charge; only the part
		// not yet debited is posted
		tx, err := h.ledger.DebitCumulative(ctx, ledger.PostingInput{
			Category:       models.CategoryRefund,
			OwnerID:        owner,
			Description:    "payment refunded",
			ReferenceID:    ch.ID,
			IdempotencyKey: fmt.Sprintf("refund:%s:%d", ch.ID, ch.AmountRefunded),
			Metadata:       map[string]any{"event_id": event.ID, "amount_refunded": ch.AmountRefunded},
		}, ch.AmountRefunded)
		if err != nil {
			return err
		}
		if tx == nil {
			h.logger.Debug("refund already debited", "charge_id", ch.ID, "amount_refunded", ch.AmountRefunded)
			return nil
		}
		h.logger.Info("refund debited", "owner_id", owner, "amount", tx.Amount, "charge_id", ch.ID, "transaction_id", tx.ID)
	case EventPayoutPaid, EventPayoutFailed:
		if h.payouts == nil {
			h.logger.Debug("payout event ignored", "event_id", event.ID, "type", event.Type)
			return nil
		}
		var po stripe.Payout
		if err := json.Unmarshal(event.Data.Raw, &po); err != nil {
			return apperr.Wrap(apperr.CodeValidation, err, "decode payout")
		}
		payoutID := po.Metadata[PayoutMetadataKey]
		if payoutID == "" {
			return apperr.Newf(apperr.CodeValidation, "payout %s has no %s metadata", po.ID, PayoutMetadataKey)
		}
		var (
			p   *models.Payout
			err error
		)
		if string(event.Type) == EventPayoutPaid {
			p, err = h.payouts.Complete(ctx, payoutID, po.ID)
		} else {
			p, err = h.payouts.Fail(ctx, payoutID, po.FailureMessage)
		}
		if err != nil {
			return err
		}
		h.logger.Info("payout settled by gateway", "payout_id", p.ID, "status", p.Status, "gateway_ref", po.ID)
	default:
		h.logger.Debug("webhook event ignored", "event_id", event.ID, "type", event.Type)
	}
	return nil
}
