/**
 * @description
 * This file contains the core business logic of the visadirect-service: the
 * payment operation façade. It validates caller input, records every attempt in
 * the ledger before it leaves the process, sends it through the signed Visa
 * Direct transport and translates the network's answer into a uniform result.
 *
 * Key features:
 * - Push funds: never retried. A missing response becomes UNKNOWN so callers
 *   query status instead of resubmitting.
 * - Status queries: idempotent, retried by the transport with bounded backoff.
 * - Table-driven mapping of action codes and error codes to local kinds.
 * - Status changes are published to RabbitMQ.
 *
 * @dependencies
 * - github.com/shopspring/decimal: money amounts.
 * - internal/store: the transfer ledger.
 * - pkg/visaclient: the signed mutual-TLS transport.
 * - pkg/rabbitmq: event fan-out.
 */
package app

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/visadirect-service/internal/domain"
	"github.com/transfa/visadirect-service/internal/store"
	"github.com/transfa/visadirect-service/pkg/rabbitmq"
	"github.com/transfa/visadirect-service/pkg/visaclient"
)

// Transport is the subset of visaclient.Client the service depends on.
type Transport interface {
	Do(ctx context.Context, req visaclient.Request) (*visaclient.Response, error)
}

// Settings holds the acquirer data attached to every network payload.
type Settings struct {
	AcquiringBIN          string
	AcquirerCountryCode   string
	BusinessApplicationID string
	SourceOfFundsCode     string
	CardAcceptor          visaclient.CardAcceptor
	DefaultCurrency       string
	SupportedCurrencies   []string
}

const (
	maxNameLength       = 30
	maxAccountRefLength = 64
)

// Service is the payment operation façade.
type Service struct {
	transport  Transport
	repo       store.Repository
	publisher  rabbitmq.Publisher
	settings   Settings
	currencies map[string]bool
	now        func() time.Time
}

// NewService creates a new payment service.
func NewService(transport Transport, repo store.Repository, publisher rabbitmq.Publisher, settings Settings) *Service {
	if publisher == nil {
		publisher = &rabbitmq.EventProducerFallback{}
	}
	if strings.TrimSpace(settings.BusinessApplicationID) == "" {
		settings.BusinessApplicationID = "PP"
	}
	settings.DefaultCurrency = strings.ToUpper(strings.TrimSpace(settings.DefaultCurrency))
	currencies := make(map[string]bool, len(settings.SupportedCurrencies))
	for _, c := range settings.SupportedCurrencies {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			currencies[c] = true
		}
	}
	return &Service{
		transport:  transport,
		repo:       repo,
		publisher:  publisher,
		settings:   settings,
		currencies: currencies,
		now:        time.Now,
	}
}

// PushFundsTransfer sends money to the recipient account. It is never retried
// automatically; when no response arrives the result is UNKNOWN.
func (s *Service) PushFundsTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	currency, err := s.validateTransfer(&req)
	if err != nil {
		return nil, err
	}

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey != "" {
		existing, err := s.repo.FindTransferByIdempotencyKey(ctx, idempotencyKey)
		if err == nil {
			log.Printf("level=info component=visa_service op=push_funds msg=\"idempotent replay\" transfer_id=%s status=%s", existing.ID, existing.Status)
			return existing.Result(), nil
		}
		if !errors.Is(err, store.ErrTransferNotFound) {
			return nil, fmt.Errorf("idempotency lookup failed: %w", err)
		}
	}

	now := s.now().UTC()
	trace, err := newTraceNumbers(now)
	if err != nil {
		return nil, err
	}

	transfer := &domain.Transfer{
		ID:                       uuid.New(),
		SenderAccountRef:         req.SenderAccountRef,
		RecipientAccountRef:      req.RecipientAccountRef,
		SenderName:               req.SenderName,
		RecipientName:            req.RecipientName,
		Purpose:                  req.Purpose,
		Amount:                   req.Amount,
		Currency:                 currency,
		Status:                   domain.StatusRequested,
		RetrievalReferenceNumber: trace.RRN,
		SystemsTraceAuditNumber:  trace.STAN,
		TransmissionDateTime:     trace.LocalDateTime,
	}
	if idempotencyKey != "" {
		transfer.IdempotencyKey = &idempotencyKey
	}
	if err := s.repo.CreateTransfer(ctx, transfer); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			existing, findErr := s.repo.FindTransferByIdempotencyKey(ctx, idempotencyKey)
			if findErr != nil {
				return nil, findErr
			}
			return existing.Result(), nil
		}
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}
	if err := s.repo.MarkTransferSent(ctx, transfer.ID); err != nil {
		return nil, fmt.Errorf("failed to mark transfer sent: %w", err)
	}
	transfer.Status = domain.StatusSent

	payload := visaclient.PushFundsRequest{
		SystemsTraceAuditNumber:       trace.STAN,
		RetrievalReferenceNumber:      trace.RRN,
		LocalTransactionDateTime:      trace.LocalDateTime,
		AcquiringBIN:                  s.settings.AcquiringBIN,
		AcquirerCountryCode:           s.settings.AcquirerCountryCode,
		SenderAccountNumber:           req.SenderAccountRef,
		SenderName:                    req.SenderName,
		RecipientPrimaryAccountNumber: req.RecipientAccountRef,
		RecipientName:                 req.RecipientName,
		Amount:                        req.Amount.StringFixed(2),
		TransactionCurrencyCode:       currency,
		BusinessApplicationID:         s.settings.BusinessApplicationID,
		SourceOfFundsCode:             s.settings.SourceOfFundsCode,
		PurposeOfPayment:              req.Purpose,
		CardAcceptor:                  s.settings.CardAcceptor,
	}

	log.Printf("level=info component=visa_service op=push_funds msg=\"sending\" transfer_id=%s sender=%s recipient=%s amount=%s currency=%s stan=%s",
		transfer.ID, visaclient.MaskTail(req.SenderAccountRef), visaclient.MaskTail(req.RecipientAccountRef), payload.Amount, currency, trace.STAN)

	ctx = visaclient.WithCorrelationID(ctx, transfer.ID.String())
	resp, sendErr := s.transport.Do(ctx, visaclient.Request{
		Operation: "push_funds",
		Method:    http.MethodPost,
		Path:      visaclient.PushFundsPath,
		Body:      payload,
	})

	outcome := s.transactionOutcome(resp, sendErr)
	return s.settleTransfer(ctx, transfer, outcome).Result(), nil
}

// GetTransferStatus refreshes a transfer from the network. transactionID may be
// the local id or the network transaction identifier.
func (s *Service) GetTransferStatus(ctx context.Context, transactionID string) (*domain.TransferResult, error) {
	transfer, err := s.lookupTransfer(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if transfer.Status.IsResolved() {
		return transfer.Result(), nil
	}

	var path string
	if transfer.NetworkTransactionID != nil && *transfer.NetworkTransactionID != "" {
		path = visaclient.PushFundsStatusPath(*transfer.NetworkTransactionID)
	} else {
		path = visaclient.TransactionQueryByReferencePath(s.settings.AcquiringBIN, transfer.RetrievalReferenceNumber, transfer.SystemsTraceAuditNumber)
	}

	ctx = visaclient.WithCorrelationID(ctx, transfer.ID.String())
	resp, err := s.transport.Do(ctx, visaclient.Request{
		Operation:  "transfer_status",
		Method:     http.MethodGet,
		Path:       path,
		Idempotent: true,
	})
	if err != nil {
		// A failed query says nothing about the transfer itself; the ledger is left as is.
		result := transfer.Result()
		var rej *visaclient.RejectionError
		var tErr *visaclient.TransportError
		switch {
		case errors.As(err, &rej):
			result.ErrorKind = ClassifyRejection(rej)
			result.ErrorCode = rej.Code
			result.Message = "status query rejected: " + rej.Message
		case errors.As(err, &tErr):
			result.Status = domain.StatusUnknown
			result.ErrorKind = domain.KindUnknown
			result.Message = fmt.Sprintf("status query got no response after %d attempt(s)", tErr.Attempts)
		default:
			return nil, err
		}
		result.Timestamp = s.now().UTC()
		log.Printf("level=warn component=visa_service op=transfer_status transfer_id=%s err=%v", transfer.ID, err)
		return result, nil
	}

	outcome := s.transactionOutcome(resp, nil)
	return s.settleTransfer(ctx, transfer, outcome).Result(), nil
}

// ValidateMerchant asks the network whether a merchant may receive funds.
func (s *Service) ValidateMerchant(ctx context.Context, req domain.MerchantValidationRequest) (*domain.MerchantValidationResult, error) {
	req.MerchantID = strings.TrimSpace(req.MerchantID)
	req.MerchantCategoryCode = strings.TrimSpace(req.MerchantCategoryCode)
	req.CountryCode = strings.ToUpper(strings.TrimSpace(req.CountryCode))
	if req.MerchantID == "" {
		return nil, domain.NewValidationError("merchant_id", "is required")
	}
	if req.MerchantCategoryCode != "" && !isDigits(req.MerchantCategoryCode, 4) {
		return nil, domain.NewValidationError("merchant_category_code", "must be 4 digits")
	}
	if req.CountryCode != "" && !isLetters(req.CountryCode, 2) && !isLetters(req.CountryCode, 3) {
		return nil, domain.NewValidationError("country_code", "must be an ISO 3166 alpha-2 or alpha-3 code")
	}

	result := &domain.MerchantValidationResult{MerchantID: req.MerchantID}
	resp, err := s.transport.Do(ctx, visaclient.Request{
		Operation:  "merchant_validation",
		Method:     http.MethodPost,
		Path:       visaclient.MerchantValidationPath,
		Idempotent: true,
		Body: visaclient.MerchantValidationRequest{
			MerchantID:           req.MerchantID,
			MerchantName:         strings.TrimSpace(req.MerchantName),
			MerchantCategoryCode: req.MerchantCategoryCode,
			CountryCode:          req.CountryCode,
		},
	})
	result.CheckedAt = s.now().UTC()
	if err != nil {
		outcome := outcomeFromError(err)
		result.Status = string(outcome.Status)
		result.ErrorKind = outcome.ErrorKind
		result.ErrorCode = deref(outcome.ErrorCode)
		result.Message = deref(outcome.FailureReason)
		return result, nil
	}

	var body visaclient.MerchantValidationResponse
	if err := resp.Decode(&body); err != nil {
		result.Status = string(domain.StatusUnknown)
		result.ErrorKind = domain.KindUnknown
		result.Message = "unreadable merchant validation response"
		return result, nil
	}
	result.Status = strings.ToUpper(strings.TrimSpace(body.Status))
	switch {
	case strings.TrimSpace(body.ActionCode) != "":
		status, kind := ClassifyActionCode(body.ActionCode)
		result.Valid = status == domain.StatusSuccess
		result.ErrorKind = kind
		if !result.Valid {
			result.ErrorCode = strings.ToUpper(strings.TrimSpace(body.ActionCode))
		}
	case result.Status == "ACTIVE" || result.Status == "VALID" || result.Status == "APPROVED":
		result.Valid = true
	default:
		result.ErrorKind = domain.KindUnknownEntity
		result.Message = "merchant is not active"
	}
	return result, nil
}

// HandleWebhookEvent applies a verified network notification to the ledger.
func (s *Service) HandleWebhookEvent(ctx context.Context, event domain.WebhookEvent) error {
	networkID := strings.TrimSpace(event.TransactionIdentifier)
	rrn := strings.TrimSpace(event.RetrievalReference)
	if networkID == "" && rrn == "" {
		log.Printf("level=warn component=visa_service op=webhook msg=\"event without transaction reference ignored\" event_id=%s event_type=%s", event.EventID, event.EventType)
		return nil
	}
	outcome, ok := outcomeFromWebhook(event)
	if !ok {
		log.Printf("level=warn component=visa_service op=webhook msg=\"event carries no usable status\" event_id=%s event_type=%s", event.EventID, event.EventType)
		return nil
	}

	transfer, err := s.findWebhookTransfer(ctx, networkID, rrn)
	if err == nil {
		_, err = s.applyTransferOutcome(ctx, transfer, outcome)
		return err
	}
	if !errors.Is(err, store.ErrTransferNotFound) {
		return err
	}

	refund, err := s.findWebhookRefund(ctx, networkID, rrn)
	if err == nil {
		_, err = s.applyRefundOutcome(ctx, refund, outcome)
		return err
	}
	if !errors.Is(err, store.ErrRefundNotFound) {
		return err
	}

	log.Printf("level=warn component=visa_service op=webhook msg=\"no ledger row for event\" event_id=%s network_transaction_id=%s rrn=%s", event.EventID, networkID, rrn)
	return nil
}

// findWebhookTransfer matches by network id first. A push that timed out has
// no network id yet, so the retrieval reference is tried next.
func (s *Service) findWebhookTransfer(ctx context.Context, networkID, rrn string) (*domain.Transfer, error) {
	if networkID != "" {
		transfer, err := s.repo.FindTransferByNetworkID(ctx, networkID)
		if err == nil || !errors.Is(err, store.ErrTransferNotFound) {
			return transfer, err
		}
	}
	if rrn == "" {
		return nil, store.ErrTransferNotFound
	}
	return s.repo.FindTransferByRetrievalReference(ctx, rrn)
}

func (s *Service) findWebhookRefund(ctx context.Context, networkID, rrn string) (*domain.Refund, error) {
	if networkID != "" {
		refund, err := s.repo.FindRefundByNetworkID(ctx, networkID)
		if err == nil || !errors.Is(err, store.ErrRefundNotFound) {
			return refund, err
		}
	}
	if rrn == "" {
		return nil, store.ErrRefundNotFound
	}
	return s.repo.FindRefundByRetrievalReference(ctx, rrn)
}

func outcomeFromWebhook(event domain.WebhookEvent) (domain.Outcome, bool) {
	out := domain.Outcome{
		NetworkTransactionID: optional(event.TransactionIdentifier),
		ActionCode:           optional(event.ActionCode),
		ApprovalCode:         optional(event.ApprovalCode),
	}
	if code := strings.TrimSpace(event.ActionCode); code != "" {
		out.Status, out.ErrorKind = ClassifyActionCode(code)
		if out.Status == domain.StatusFailed {
			out.ErrorCode = optional(strings.ToUpper(code))
		}
		out.FailureReason = optional(event.Reason)
		return out, true
	}
	switch strings.ToUpper(strings.TrimSpace(event.Status)) {
	case "SUCCESS", "SUCCESSFUL", "APPROVED", "COMPLETED", "SETTLED":
		out.Status = domain.StatusSuccess
	case "FAILED", "DECLINED", "REJECTED":
		out.Status = domain.StatusFailed
		out.ErrorKind = domain.KindUnknown
		out.FailureReason = optional(event.Reason)
	case "PENDING", "PROCESSING":
		out.Status = domain.StatusPending
	default:
		return out, false
	}
	return out, true
}

// transactionOutcome maps the transport result of a push, reverse or status call.
func (s *Service) transactionOutcome(resp *visaclient.Response, err error) domain.Outcome {
	if err != nil {
		return outcomeFromError(err)
	}
	if resp.StatusCode == http.StatusAccepted && len(bytes.TrimSpace(resp.Body)) == 0 {
		return domain.Outcome{Status: domain.StatusPending}
	}
	var body visaclient.TransactionResponse
	if decodeErr := resp.Decode(&body); decodeErr != nil {
		reason := "unreadable network response"
		return domain.Outcome{Status: domain.StatusUnknown, ErrorKind: domain.KindUnknown, FailureReason: &reason}
	}
	if body.ActionCode == "" && body.TransactionIdentifier == "" {
		// Query-by-reference wraps the transaction in a list.
		var query visaclient.TransactionQueryResponse
		if resp.Decode(&query) == nil && len(query.Transactions) > 0 {
			body = query.Transactions[0]
		}
	}
	return outcomeFromResponse(resp.StatusCode, body)
}

// applyTransferOutcome writes outcome to the transfer row and publishes the
// change. The write outlives the caller's context: once the network has
// answered, the ledger must record it.
func (s *Service) applyTransferOutcome(ctx context.Context, transfer *domain.Transfer, outcome domain.Outcome) (*domain.Transfer, error) {
	ctx = context.WithoutCancel(ctx)
	previous := transfer.Status
	updated, err := s.repo.UpdateTransferOutcome(ctx, transfer.ID, outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to record transfer outcome: %w", err)
	}
	log.Printf("level=info component=visa_service msg=\"transfer outcome\" transfer_id=%s status=%s action_code=%s error_kind=%s",
		updated.ID, updated.Status, deref(updated.ActionCode), updated.ErrorKind)

	if updated.Status != previous {
		s.publish(ctx, domain.TransferStatusEvent{
			EventType:            "transfer.status_changed",
			TransactionID:        updated.ID.String(),
			NetworkTransactionID: deref(updated.NetworkTransactionID),
			Status:               updated.Status,
			ActionCode:           deref(updated.ActionCode),
			ErrorKind:            updated.ErrorKind,
			Amount:               updated.Amount.StringFixed(2),
			Currency:             updated.Currency,
			OccurredAt:           s.now().UTC(),
		})
	}
	return updated, nil
}

// settleTransfer records the outcome of a call the network already answered.
// A failed write is logged and the caller still gets the network's answer.
func (s *Service) settleTransfer(ctx context.Context, transfer *domain.Transfer, outcome domain.Outcome) *domain.Transfer {
	updated, err := s.applyTransferOutcome(ctx, transfer, outcome)
	if err != nil {
		log.Printf("level=error component=visa_service msg=\"ledger update failed\" transfer_id=%s status=%s err=%v", transfer.ID, outcome.Status, err)
		return projectTransfer(transfer, outcome, s.now().UTC())
	}
	return updated
}

func projectTransfer(t *domain.Transfer, o domain.Outcome, now time.Time) *domain.Transfer {
	out := *t
	if out.Status.IsResolved() {
		return &out
	}
	out.Status = o.Status
	if o.NetworkTransactionID != nil {
		out.NetworkTransactionID = o.NetworkTransactionID
	}
	if o.ActionCode != nil {
		out.ActionCode = o.ActionCode
	}
	if o.ApprovalCode != nil {
		out.ApprovalCode = o.ApprovalCode
	}
	out.ErrorKind = o.ErrorKind
	out.ErrorCode = o.ErrorCode
	out.FailureReason = o.FailureReason
	out.UpdatedAt = now
	return &out
}

func (s *Service) publish(ctx context.Context, event domain.TransferStatusEvent) {
	if err := s.publisher.PublishStatusEvent(ctx, event); err != nil {
		log.Printf("level=warn component=visa_service msg=\"status event publish failed\" transaction_id=%s status=%s err=%v", event.TransactionID, event.Status, err)
	}
}

func (s *Service) lookupTransfer(ctx context.Context, transactionID string) (*domain.Transfer, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, domain.NewValidationError("transaction_id", "is required")
	}
	if id, err := uuid.Parse(transactionID); err == nil {
		transfer, err := s.repo.FindTransferByID(ctx, id)
		if err == nil || !errors.Is(err, store.ErrTransferNotFound) {
			return transfer, err
		}
	}
	return s.repo.FindTransferByNetworkID(ctx, transactionID)
}

func (s *Service) validateTransfer(req *domain.TransferRequest) (string, error) {
	req.SenderAccountRef = strings.TrimSpace(req.SenderAccountRef)
	req.RecipientAccountRef = strings.TrimSpace(req.RecipientAccountRef)
	req.SenderName = strings.TrimSpace(req.SenderName)
	req.RecipientName = strings.TrimSpace(req.RecipientName)
	req.Purpose = strings.TrimSpace(req.Purpose)

	if err := validateAmount("amount", req.Amount); err != nil {
		return "", err
	}
	currency, err := s.validateCurrency(req.Currency)
	if err != nil {
		return "", err
	}
	fields := []struct {
		name, value string
		max         int
	}{
		{"sender_account_ref", req.SenderAccountRef, maxAccountRefLength},
		{"recipient_account_ref", req.RecipientAccountRef, maxAccountRefLength},
		{"sender_name", req.SenderName, maxNameLength},
		{"recipient_name", req.RecipientName, maxNameLength},
	}
	for _, f := range fields {
		if f.value == "" {
			return "", domain.NewValidationError(f.name, "is required")
		}
		if utf8.RuneCountInString(f.value) > f.max {
			return "", domain.NewValidationError(f.name, "must be at most %d characters", f.max)
		}
	}
	return currency, nil
}

func (s *Service) validateCurrency(raw string) (string, error) {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if currency == "" {
		currency = s.settings.DefaultCurrency
	}
	if !isLetters(currency, 3) {
		return "", domain.NewValidationError("currency", "must be a 3-letter ISO 4217 code")
	}
	if len(s.currencies) > 0 && !s.currencies[currency] {
		return "", domain.NewValidationError("currency", "%s is not supported", currency)
	}
	return currency, nil
}

func validateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.NewValidationError(field, "must be greater than zero")
	}
	if !amount.Equal(amount.Round(2)) {
		return domain.NewValidationError(field, "must have at most 2 decimal places")
	}
	return nil
}

// traceNumbers are the data elements that identify one network attempt.
type traceNumbers struct {
	STAN          string
	RRN           string
	LocalDateTime string
}

// newTraceNumbers draws a fresh 6-digit STAN and derives the 12-character RRN
// (year digit, julian day, hour, STAN) from it.
func newTraceNumbers(now time.Time) (traceNumbers, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return traceNumbers{}, fmt.Errorf("failed to generate trace number: %w", err)
	}
	stan := fmt.Sprintf("%06d", n.Int64())
	return traceNumbers{
		STAN:          stan,
		RRN:           fmt.Sprintf("%d%03d%02d%s", now.Year()%10, now.YearDay(), now.Hour(), stan),
		LocalDateTime: now.Format("2006-01-02T15:04:05"),
	}, nil
}

func isDigits(v string, n int) bool {
	if len(v) != n {
		return false
	}
	for _, c := range v {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isLetters(v string, n int) bool {
	if len(v) != n {
		return false
	}
	for _, c := range v {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
