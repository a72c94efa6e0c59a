/**
 * @description
 * This file contains the HTTP handler for inbound Visa Direct notifications.
 *
 * Key features:
 * - Security: the signature is checked against the raw body bytes before any
 *   JSON decoding. An unverified body is never parsed.
 * - Deduplication: redelivered events are acknowledged without reprocessing.
 * - Processing: verified events are applied to the transfer ledger through
 *   the payment service.
 *
 * @dependencies
 * - internal/webhook: signature verification.
 * - internal/app: event handling and deduplication.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/transfa/visadirect-service/internal/app"
	"github.com/transfa/visadirect-service/internal/domain"
	"github.com/transfa/visadirect-service/internal/webhook"
)

// Inbound webhook headers.
const (
	WebhookSignatureHeader = "X-Visa-Signature"
	WebhookEventTypeHeader = "X-Visa-Event-Type"
)

const maxWebhookBodyBytes = 1 << 20

// WebhookEventHandler applies a verified event.
type WebhookEventHandler interface {
	HandleWebhookEvent(ctx context.Context, event domain.WebhookEvent) error
}

// WebhookHandler processes incoming webhooks from Visa Direct.
type WebhookHandler struct {
	verifier webhook.Verifier
	deduper  app.WebhookDeduper
	events   WebhookEventHandler
}

// NewWebhookHandler creates a new handler for the webhook endpoint.
func NewWebhookHandler(verifier webhook.Verifier, deduper app.WebhookDeduper, events WebhookEventHandler) *WebhookHandler {
	if deduper == nil {
		deduper = app.NewMemoryWebhookDeduper(app.DefaultDedupeTTL)
	}
	return &WebhookHandler{verifier: verifier, deduper: deduper, events: events}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	}

	envelope, err := readEnvelope(w, r, requestID)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		log.Printf("level=warn component=visa_webhook request_id=%s msg=\"cannot read body\" err=%v", requestID, err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if err := webhook.Check(h.verifier, envelope.RawBody, envelope.SignatureHeader); err != nil {
		log.Printf("level=warn component=visa_webhook request_id=%s remote=%s msg=\"signature rejected\"", requestID, r.RemoteAddr)
		http.Error(w, webhook.ErrInvalidSignature.Error(), http.StatusUnauthorized)
		return
	}

	var event domain.WebhookEvent
	if err := json.Unmarshal(envelope.RawBody, &event); err != nil {
		log.Printf("level=warn component=visa_webhook request_id=%s msg=\"invalid json payload\" err=%v", requestID, err)
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if event.EventType == "" {
		event.EventType = envelope.DeclaredEventType
	}

	ctx := r.Context()
	key := event.DedupeKey()
	claimed, err := h.deduper.Claim(ctx, key)
	if err != nil {
		// Processing twice is safer than dropping an event: ledger updates never regress.
		log.Printf("level=warn component=visa_webhook request_id=%s msg=\"dedupe unavailable\" err=%v", requestID, err)
		claimed = true
	}
	if !claimed {
		log.Printf("level=info component=visa_webhook request_id=%s event_id=%s msg=\"duplicate event ignored\"", requestID, key)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Duplicate event ignored"))
		return
	}

	if err := h.events.HandleWebhookEvent(ctx, event); err != nil {
		log.Printf("level=error component=visa_webhook request_id=%s event_id=%s event_type=%s err=%v", requestID, key, event.EventType, err)
		if releaseErr := h.deduper.Release(context.WithoutCancel(ctx), key); releaseErr != nil {
			log.Printf("level=warn component=visa_webhook request_id=%s event_id=%s msg=\"dedupe release failed\" err=%v", requestID, key, releaseErr)
		}
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	log.Printf("level=info component=visa_webhook request_id=%s event_id=%s event_type=%s transaction=%s msg=\"event processed\"",
		requestID, key, event.EventType, event.TransactionIdentifier)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook received"))
}

func readEnvelope(w http.ResponseWriter, r *http.Request, requestID string) (domain.WebhookEnvelope, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		return domain.WebhookEnvelope{}, err
	}
	return domain.WebhookEnvelope{
		RawBody:           body,
		SignatureHeader:   strings.TrimSpace(r.Header.Get(WebhookSignatureHeader)),
		DeclaredEventType: strings.TrimSpace(r.Header.Get(WebhookEventTypeHeader)),
		RequestID:         requestID,
	}, nil
}
