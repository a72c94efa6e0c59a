package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/transfa/visadirect-service/internal/app"
	"github.com/transfa/visadirect-service/internal/domain"
	"github.com/transfa/visadirect-service/internal/webhook"
)

type recordingEventHandler struct {
	mu     sync.Mutex
	events []domain.WebhookEvent
	err    error
}

func (h *recordingEventHandler) HandleWebhookEvent(_ context.Context, event domain.WebhookEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *recordingEventHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

const webhookBody = `{"eventId":"evt_1","eventType":"PUSH_FUNDS_UPDATE","transactionIdentifier":"381228649430011","actionCode":"00","occurredAt":"2026-01-02T10:00:00Z"}`

func newSignedWebhookHandler(t *testing.T, events *recordingEventHandler) (*WebhookHandler, *webhook.HMACVerifier) {
	t.Helper()
	verifier, err := webhook.NewHMACVerifier("whsec_test")
	if err != nil {
		t.Fatalf("NewHMACVerifier: %v", err)
	}
	return NewWebhookHandler(verifier, app.NewMemoryWebhookDeduper(app.DefaultDedupeTTL), events), verifier
}

func postWebhook(h http.Handler, body, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/visa", strings.NewReader(body))
	if signature != "" {
		req.Header.Set(WebhookSignatureHeader, signature)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestWebhookHandlerAcceptsSignedEvent(t *testing.T) {
	events := &recordingEventHandler{}
	h, verifier := newSignedWebhookHandler(t, events)

	rec := postWebhook(h, webhookBody, verifier.Sign([]byte(webhookBody)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if events.count() != 1 {
		t.Fatalf("expected one event handled, got %d", events.count())
	}
	got := events.events[0]
	if got.TransactionIdentifier != "381228649430011" || got.ActionCode != "00" {
		t.Fatalf("unexpected event decoded: %+v", got)
	}
}

func TestWebhookHandlerRejectsBadSignatureBeforeParsing(t *testing.T) {
	events := &recordingEventHandler{}
	h, verifier := newSignedWebhookHandler(t, events)

	tests := []struct {
		name      string
		body      string
		signature string
	}{
		{name: "missing header", body: webhookBody},
		{name: "wrong signature", body: webhookBody, signature: strings.Repeat("ab", 32)},
		{name: "tampered body", body: strings.Replace(webhookBody, `"00"`, `"05"`, 1), signature: verifier.Sign([]byte(webhookBody))},
		{name: "malformed json is still a signature failure", body: "{not json", signature: "zz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postWebhook(h, tt.body, tt.signature)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}
	if events.count() != 0 {
		t.Fatalf("expected no events handled, got %d", events.count())
	}
}

func TestWebhookHandlerRejectsInvalidJSONAfterVerification(t *testing.T) {
	events := &recordingEventHandler{}
	h, verifier := newSignedWebhookHandler(t, events)

	body := "{not json"
	rec := postWebhook(h, body, verifier.Sign([]byte(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if events.count() != 0 {
		t.Fatalf("expected no events handled")
	}
}

func TestWebhookHandlerSuppressesDuplicates(t *testing.T) {
	events := &recordingEventHandler{}
	h, verifier := newSignedWebhookHandler(t, events)
	sig := verifier.Sign([]byte(webhookBody))

	first := postWebhook(h, webhookBody, sig)
	second := postWebhook(h, webhookBody, sig)
	if first.Code != http.StatusOK || second.Code != http.StatusOK {
		t.Fatalf("expected 200 twice, got %d and %d", first.Code, second.Code)
	}
	if events.count() != 1 {
		t.Fatalf("expected duplicate to be ignored, handled %d times", events.count())
	}
	if !strings.Contains(second.Body.String(), "Duplicate") {
		t.Fatalf("expected duplicate acknowledgement, got %q", second.Body.String())
	}
}

func TestWebhookHandlerReleasesClaimOnFailure(t *testing.T) {
	events := &recordingEventHandler{err: errors.New("ledger unavailable")}
	h, verifier := newSignedWebhookHandler(t, events)
	sig := verifier.Sign([]byte(webhookBody))

	if rec := postWebhook(h, webhookBody, sig); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}

	events.mu.Lock()
	events.err = nil
	events.mu.Unlock()

	if rec := postWebhook(h, webhookBody, sig); rec.Code != http.StatusOK {
		t.Fatalf("expected redelivery to succeed, got %d", rec.Code)
	}
	if events.count() != 2 {
		t.Fatalf("expected redelivery to be processed, handled %d times", events.count())
	}
}

func TestWebhookHandlerUsesDeclaredEventType(t *testing.T) {
	events := &recordingEventHandler{}
	h, verifier := newSignedWebhookHandler(t, events)

	body := `{"eventId":"evt_2","transactionIdentifier":"1","status":"SETTLED"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/visa", strings.NewReader(body))
	req.Header.Set(WebhookSignatureHeader, verifier.Sign([]byte(body)))
	req.Header.Set(WebhookEventTypeHeader, "PUSH_FUNDS_UPDATE")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if events.events[0].EventType != "PUSH_FUNDS_UPDATE" {
		t.Fatalf("expected header event type, got %q", events.events[0].EventType)
	}
}

func TestWebhookHandlerRejectsOversizedBody(t *testing.T) {
	events := &recordingEventHandler{}
	h, _ := newSignedWebhookHandler(t, events)

	body := strings.Repeat("a", maxWebhookBodyBytes+1)
	rec := postWebhook(h, body, "00")
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
