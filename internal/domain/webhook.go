/**
 * @description
 * Models for inbound Visa Direct notifications. The envelope keeps the raw body
 * exactly as received: signatures are verified against those bytes before any
 * JSON decoding takes place.
 */
package domain

import "time"

// WebhookEnvelope is one inbound webhook call, before verification.
type WebhookEnvelope struct {
	RawBody           []byte
	SignatureHeader   string
	DeclaredEventType string
	RequestID         string
}

// WebhookEvent is the decoded body of a verified Visa Direct notification.
type WebhookEvent struct {
	EventID               string    `json:"eventId"`
	EventType             string    `json:"eventType"`
	TransactionIdentifier string    `json:"transactionIdentifier"`
	RetrievalReference    string    `json:"retrievalReferenceNumber,omitempty"`
	ActionCode            string    `json:"actionCode,omitempty"`
	ApprovalCode          string    `json:"approvalCode,omitempty"`
	Status                string    `json:"status,omitempty"`
	Reason                string    `json:"reason,omitempty"`
	OccurredAt            time.Time `json:"occurredAt"`
}

// DedupeKey identifies an event for duplicate suppression.
func (e WebhookEvent) DedupeKey() string {
	if e.EventID != "" {
		return e.EventID
	}
	return e.TransactionIdentifier + ":" + e.EventType + ":" + e.ActionCode
}
