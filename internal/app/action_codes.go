package app

import (
	"errors"
	"net/http"
	"strings"

	"github.com/transfa/visadirect-service/internal/domain"
	"github.com/transfa/visadirect-service/pkg/visaclient"
)

// ApprovedActionCode is the only action code that means the funds moved.
const ApprovedActionCode = "00"

// actionCodeKinds classifies declined action codes. Codes missing from the
// table still resolve to FAILED, with KindUnknown.
var actionCodeKinds = map[string]domain.ErrorKind{
	"01": domain.KindAuthorization, // refer to issuer
	"02": domain.KindAuthorization,
	"03": domain.KindValidation, // invalid merchant
	"04": domain.KindAuthorization,
	"05": domain.KindAuthorization, // do not honor
	"06": domain.KindServerError,
	"07": domain.KindAuthorization,
	"12": domain.KindValidation,    // invalid transaction
	"13": domain.KindValidation,    // invalid amount
	"14": domain.KindUnknownEntity, // invalid account number
	"15": domain.KindUnknownEntity, // no such issuer
	"19": domain.KindServerError,
	"25": domain.KindUnknownEntity,
	"28": domain.KindServerError,
	"39": domain.KindUnknownEntity,
	"41": domain.KindAuthorization,
	"43": domain.KindAuthorization,
	"46": domain.KindAuthorization, // closed account
	"51": domain.KindAuthorization, // insufficient funds
	"52": domain.KindUnknownEntity,
	"53": domain.KindUnknownEntity,
	"54": domain.KindValidation, // expired card
	"57": domain.KindAuthorization,
	"58": domain.KindAuthorization,
	"59": domain.KindAuthorization,
	"61": domain.KindRateLimited, // exceeds amount limit
	"62": domain.KindAuthorization,
	"63": domain.KindAuthorization,
	"64": domain.KindValidation,
	"65": domain.KindRateLimited, // exceeds frequency limit
	"75": domain.KindRateLimited,
	"78": domain.KindAuthorization,
	"80": domain.KindValidation,
	"91": domain.KindServerError, // issuer unavailable
	"92": domain.KindUnknownEntity,
	"93": domain.KindAuthorization,
	"94": domain.KindValidation, // duplicate transmission
	"96": domain.KindServerError,
	"N0": domain.KindServerError,
	"N3": domain.KindAuthorization,
	"N4": domain.KindRateLimited,
	"N8": domain.KindValidation,
	"R0": domain.KindAuthorization,
	"R1": domain.KindAuthorization,
	"R3": domain.KindAuthorization,
}

// apiErrorKinds classifies API-level error codes carried in rejection bodies.
var apiErrorKinds = map[string]domain.ErrorKind{
	"9123": domain.KindAuthorization,
	"9124": domain.KindAuthorization,
	"9125": domain.KindAuthorization,
	"9159": domain.KindAuthorization,
	"9206": domain.KindAuthorization,
	"9208": domain.KindValidation,
	"9210": domain.KindValidation,
	"9284": domain.KindValidation,
	"9302": domain.KindRateLimited,
	"3001": domain.KindServerError,
	"3002": domain.KindServerError,
	"1001": domain.KindUnknownEntity,
}

// httpStatusKinds is the fallback when the rejection carried no known code.
var httpStatusKinds = map[int]domain.ErrorKind{
	http.StatusBadRequest:          domain.KindValidation,
	http.StatusUnauthorized:        domain.KindAuthorization,
	http.StatusForbidden:           domain.KindAuthorization,
	http.StatusNotFound:            domain.KindUnknownEntity,
	http.StatusConflict:            domain.KindValidation,
	http.StatusUnprocessableEntity: domain.KindValidation,
	http.StatusTooManyRequests:     domain.KindRateLimited,
	http.StatusInternalServerError: domain.KindServerError,
	http.StatusBadGateway:          domain.KindServerError,
	http.StatusServiceUnavailable:  domain.KindServerError,
	http.StatusGatewayTimeout:      domain.KindServerError,
}

// ClassifyActionCode maps a network action code onto a status and kind:
// "00" is SUCCESS, any other well-formed code is FAILED, and anything else is
// UNKNOWN.
func ClassifyActionCode(code string) (domain.TransferStatus, domain.ErrorKind) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if !wellFormedActionCode(code) {
		return domain.StatusUnknown, domain.KindUnknown
	}
	if code == ApprovedActionCode {
		return domain.StatusSuccess, domain.KindNone
	}
	if kind, ok := actionCodeKinds[code]; ok {
		return domain.StatusFailed, kind
	}
	return domain.StatusFailed, domain.KindUnknown
}

func wellFormedActionCode(code string) bool {
	if len(code) != 2 {
		return false
	}
	for _, c := range code {
		if (c < '0' || c > '9') && (c < 'A' || c > 'Z') {
			return false
		}
	}
	return true
}

// ClassifyRejection maps a non-2xx answer onto an error kind.
func ClassifyRejection(rej *visaclient.RejectionError) domain.ErrorKind {
	if rej == nil {
		return domain.KindUnknown
	}
	if kind, ok := apiErrorKinds[strings.TrimSpace(rej.Code)]; ok {
		return kind
	}
	if kind, ok := httpStatusKinds[rej.StatusCode]; ok {
		return kind
	}
	if rej.StatusCode >= 500 {
		return domain.KindServerError
	}
	return domain.KindUnknown
}

// outcomeFromError turns a failed transport call into a ledger outcome. A
// missing response on a mutation is UNKNOWN, never FAILED.
func outcomeFromError(err error) domain.Outcome {
	var rej *visaclient.RejectionError
	if errors.As(err, &rej) {
		return domain.Outcome{
			Status:        domain.StatusFailed,
			ErrorKind:     ClassifyRejection(rej),
			ErrorCode:     optional(rej.Code),
			FailureReason: optional(rej.Message),
		}
	}
	var tErr *visaclient.TransportError
	reason := "no response from network; query status before resubmitting"
	if errors.As(err, &tErr) && tErr.Timeout {
		reason = "network timed out; query status before resubmitting"
	}
	return domain.Outcome{
		Status:        domain.StatusUnknown,
		ErrorKind:     domain.KindUnknown,
		FailureReason: &reason,
	}
}

// outcomeFromResponse maps a 2xx transaction answer.
func outcomeFromResponse(statusCode int, body visaclient.TransactionResponse) domain.Outcome {
	out := domain.Outcome{
		NetworkTransactionID: optional(body.TransactionIdentifier.String()),
		ActionCode:           optional(body.ActionCode),
		ApprovalCode:         optional(body.ApprovalCode),
	}
	if statusCode == http.StatusAccepted && strings.TrimSpace(body.ActionCode) == "" {
		out.Status = domain.StatusPending
		return out
	}
	out.Status, out.ErrorKind = ClassifyActionCode(body.ActionCode)
	switch out.Status {
	case domain.StatusFailed:
		out.ErrorCode = optional(strings.ToUpper(strings.TrimSpace(body.ActionCode)))
		reason := "declined by network with action code " + strings.ToUpper(strings.TrimSpace(body.ActionCode))
		out.FailureReason = &reason
	case domain.StatusUnknown:
		reason := "unrecognized action code in network response"
		out.FailureReason = &reason
	}
	return out
}

func optional(v string) *string {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	return &v
}
