package visaclient

import (
	"net/url"
	"strings"
)

// Visa Direct endpoint paths, relative to the base URL.
const (
	PushFundsPath          = "/visadirect/fundstransfer/v1/pushfundstransactions"
	ReverseFundsPath       = "/visadirect/fundstransfer/v1/reversefundstransactions"
	TransactionQueryPath   = "/visadirect/v1/transactionquery"
	MerchantValidationPath = "/visadirect/mvisa/v1/merchantvalidation"
)

// PushFundsStatusPath returns the status endpoint for a network transaction id.
func PushFundsStatusPath(transactionIdentifier string) string {
	return PushFundsPath + "/" + url.PathEscape(strings.TrimSpace(transactionIdentifier))
}

// TransactionQueryByReferencePath looks a transaction up by its original
// data elements when the network id was never received.
func TransactionQueryByReferencePath(acquiringBIN, rrn, stan string) string {
	q := url.Values{}
	q.Set("acquiringBIN", acquiringBIN)
	q.Set("rrn", rrn)
	q.Set("stan", stan)
	return TransactionQueryPath + "?" + q.Encode()
}

// CardAcceptor identifies the originator on push and reverse calls.
type CardAcceptor struct {
	Name       string  `json:"name"`
	TerminalID string  `json:"terminalId"`
	IDCode     string  `json:"idCode"`
	Address    Address `json:"address"`
}

// Address is the card acceptor location.
type Address struct {
	Country string `json:"country"`
	State   string `json:"state,omitempty"`
	ZipCode string `json:"zipCode,omitempty"`
	County  string `json:"county,omitempty"`
}

// PushFundsRequest is the OCT payload.
type PushFundsRequest struct {
	SystemsTraceAuditNumber       string       `json:"systemsTraceAuditNumber"`
	RetrievalReferenceNumber      string       `json:"retrievalReferenceNumber"`
	LocalTransactionDateTime      string       `json:"localTransactionDateTime"`
	AcquiringBIN                  string       `json:"acquiringBin"`
	AcquirerCountryCode           string       `json:"acquirerCountryCode"`
	SenderAccountNumber           string       `json:"senderAccountNumber"`
	SenderName                    string       `json:"senderName"`
	RecipientPrimaryAccountNumber string       `json:"recipientPrimaryAccountNumber"`
	RecipientName                 string       `json:"recipientName"`
	Amount                        string       `json:"amount"`
	TransactionCurrencyCode       string       `json:"transactionCurrencyCode"`
	BusinessApplicationID         string       `json:"businessApplicationId"`
	SourceOfFundsCode             string       `json:"sourceOfFundsCode,omitempty"`
	PurposeOfPayment              string       `json:"purposeOfPayment,omitempty"`
	CardAcceptor                  CardAcceptor `json:"cardAcceptor"`
}

// OriginalDataElements references the transaction being reversed.
type OriginalDataElements struct {
	AcquiringBIN             string `json:"acquiringBin"`
	ApprovalCode             string `json:"approvalCode,omitempty"`
	SystemsTraceAuditNumber  string `json:"systemsTraceAuditNumber"`
	TransmissionDateTime     string `json:"transmissionDateTime"`
	RetrievalReferenceNumber string `json:"retrievalReferenceNumber,omitempty"`
}

// ReverseFundsRequest is the refund payload.
type ReverseFundsRequest struct {
	SystemsTraceAuditNumber  string               `json:"systemsTraceAuditNumber"`
	RetrievalReferenceNumber string               `json:"retrievalReferenceNumber"`
	LocalTransactionDateTime string               `json:"localTransactionDateTime"`
	AcquiringBIN             string               `json:"acquiringBin"`
	AcquirerCountryCode      string               `json:"acquirerCountryCode"`
	SenderPrimaryAccount     string               `json:"senderPrimaryAccountNumber"`
	Amount                   string               `json:"amount"`
	TransactionCurrencyCode  string               `json:"transactionCurrencyCode"`
	TransactionIdentifier    string               `json:"transactionIdentifier"`
	ReversalReason           string               `json:"reversalReason,omitempty"`
	OriginalDataElements     OriginalDataElements `json:"originalDataElements"`
	CardAcceptor             CardAcceptor         `json:"cardAcceptor"`
}

// TransactionResponse is the common body of push, reverse and status answers.
type TransactionResponse struct {
	TransactionIdentifier FlexibleString `json:"transactionIdentifier"`
	ActionCode            string         `json:"actionCode"`
	ApprovalCode          string         `json:"approvalCode,omitempty"`
	ResponseCode          string         `json:"responseCode,omitempty"`
	TransmissionDateTime  string         `json:"transmissionDateTime,omitempty"`
	StatusIdentifier      string         `json:"statusIdentifier,omitempty"`
}

// TransactionQueryResponse wraps the query-by-reference answer.
type TransactionQueryResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
}

// MerchantValidationRequest is the merchant lookup payload.
type MerchantValidationRequest struct {
	MerchantID           string `json:"merchantId"`
	MerchantName         string `json:"merchantName,omitempty"`
	MerchantCategoryCode string `json:"merchantCategoryCode,omitempty"`
	CountryCode          string `json:"countryCode,omitempty"`
}

// MerchantValidationResponse is the merchant lookup answer.
type MerchantValidationResponse struct {
	MerchantID   string `json:"merchantId"`
	Status       string `json:"status"`
	ActionCode   string `json:"actionCode,omitempty"`
	ResponseCode string `json:"responseCode,omitempty"`
}

// FlexibleString accepts a JSON string or number. The network returns
// transactionIdentifier as a large integer on some endpoints.
type FlexibleString string

func (f *FlexibleString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	*f = FlexibleString(strings.Trim(s, "\""))
	return nil
}

func (f FlexibleString) String() string { return string(f) }
