package interfaces

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// APIError is a protocol error with a stable wire code. Sentinels below are
// compared with errors.Is, which matches on Code so wrapped copies carrying a
// Detail still match their sentinel.
type APIError struct {
	Code   string
	Status int
	Detail string
	// Fields lists offending request fields for bad_data.
	Fields []string
	// Emails lists unknown members for users_not_found.
	Emails []string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func (e *APIError) Is(target error) bool {
	var other *APIError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithDetail returns a copy of e carrying a human readable detail.
func (e *APIError) WithDetail(format string, args ...any) *APIError {
	cp := *e
	cp.Detail = fmt.Sprintf(format, args...)
	return &cp
}

func newAPIError(code string, status int) *APIError {
	return &APIError{Code: code, Status: status}
}

var (
	// client input
	ErrBadData                   = newAPIError("bad_data", http.StatusBadRequest)
	ErrJSONBodyExpected          = newAPIError("json_body_expected", http.StatusBadRequest)
	ErrUnknownToken              = newAPIError("unknown_token", http.StatusNotFound)
	ErrBadGreeterSAS             = newAPIError("bad_greeter_sas", http.StatusBadRequest)
	ErrBadClaimerSAS             = newAPIError("bad_claimer_sas", http.StatusBadRequest)
	ErrEmailNotInRecipients      = newAPIError("email_not_in_recipients", http.StatusBadRequest)
	ErrRecipientAlreadyRecovered = newAPIError("recipient_already_recovered", http.StatusBadRequest)
	ErrClaimerAlreadyMember      = newAPIError("claimer_already_member", http.StatusBadRequest)
	ErrClaimerNotAMember         = newAPIError("claimer_not_a_member", http.StatusBadRequest)
	ErrNoShamirRecoverySetup     = newAPIError("no_shamir_recovery_setup", http.StatusBadRequest)
	ErrInvalidConfiguration      = newAPIError("invalid_configuration", http.StatusBadRequest)
	ErrUsersNotFound             = newAPIError("users_not_found", http.StatusBadRequest)
	ErrNotSetup                  = newAPIError("not_setup", http.StatusNotFound)
	ErrAuthenticationRequested   = newAPIError("authentication_requested", http.StatusUnauthorized)
	ErrBadKey                    = newAPIError("bad_key", http.StatusUnauthorized)
	ErrNotAllowed                = newAPIError("not_allowed", http.StatusForbidden)

	// protocol state
	ErrInvalidState          = newAPIError("invalid_state", http.StatusConflict)
	ErrInvitationAlreadyUsed = newAPIError("invitation_already_used", http.StatusBadRequest)
	ErrNotEnoughShares       = newAPIError("not_enough_shares", http.StatusBadRequest)
	ErrTimeout               = newAPIError("timeout", http.StatusGatewayTimeout)
	ErrRateLimited           = newAPIError("rate_limited", http.StatusTooManyRequests)

	// upstream connectivity
	ErrOffline            = newAPIError("offline", http.StatusServiceUnavailable)
	ErrConnectionRefused  = newAPIError("connection_refused_by_server", http.StatusBadGateway)
	ErrUnexpectedInternal = newAPIError("unexpected_error", http.StatusInternalServerError)
)

// NewBadDataError reports the offending request fields.
func NewBadDataError(fields ...string) *APIError {
	cp := *ErrBadData
	cp.Fields = append([]string(nil), fields...)
	sort.Strings(cp.Fields)
	return &cp
}

// NewUsersNotFoundError reports member emails that could not be resolved.
func NewUsersNotFoundError(emails ...string) *APIError {
	cp := *ErrUsersNotFound
	cp.Emails = append([]string(nil), emails...)
	sort.Strings(cp.Emails)
	cp.Detail = strings.Join(cp.Emails, ", ")
	return &cp
}

// AsAPIError extracts the protocol error from err. Errors that are not
// protocol errors map to unexpected_error.
func AsAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return ErrUnexpectedInternal.WithDetail("%v", err)
}

// ErrorCode returns the wire code of err, "ok" for nil.
func ErrorCode(err error) string {
	if err == nil {
		return "ok"
	}
	return AsAPIError(err).Code
}
