package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
)

// maxBodySize bounds every JSON request body.
const maxBodySize = 1 << 20

// ErrorResponse is the error envelope of every route.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Fields []string `json:"fields,omitempty"`
	Emails []string `json:"emails,omitempty"`
	Detail string   `json:"detail,omitempty"`
}

// AsError turns a decoded envelope back into its protocol error.
func (e ErrorResponse) AsError(status int) *interfaces.APIError {
	return &interfaces.APIError{
		Code:   e.Error,
		Status: status,
		Detail: e.Detail,
		Fields: e.Fields,
		Emails: e.Emails,
	}
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError answers with err's envelope. Errors that are not protocol errors
// are logged and reported as unexpected_error without their detail. Nothing
// is written for requests the client abandoned.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) {
		log.Debug("Client went away", "err", err)
		return
	}

	var apiErr *interfaces.APIError
	if !errors.As(err, &apiErr) {
		log.Error("Unexpected error", "err", err)
		apiErr = interfaces.ErrUnexpectedInternal
	}

	resp := ErrorResponse{Error: apiErr.Code, Fields: apiErr.Fields, Emails: apiErr.Emails}
	if apiErr.Status != http.StatusInternalServerError {
		resp.Detail = apiErr.Detail
	}
	WriteJSON(w, apiErr.Status, resp)
}

// DecodeJSON reads a JSON object from the request body. An empty body decodes
// as an empty object.
func DecodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return interfaces.ErrJSONBodyExpected
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return interfaces.ErrJSONBodyExpected
	}
	return nil
}

type Empty struct{}

type TokenResponse struct {
	Token string `json:"token"`
}

type CreateInvitationRequest struct {
	Type         string `json:"type"`
	ClaimerEmail string `json:"claimer_email,omitempty"`
}

type InvitationEntry struct {
	Token        string                      `json:"token"`
	CreatedOn    time.Time                   `json:"created_on"`
	Status       interfaces.InvitationStatus `json:"status"`
	ClaimerEmail string                      `json:"claimer_email,omitempty"`
}

func NewInvitationEntry(inv interfaces.Invitation) InvitationEntry {
	entry := InvitationEntry{
		Token:     interfaces.FormatToken(inv.Token),
		CreatedOn: inv.CreatedOn,
		Status:    inv.Status,
	}
	if inv.Type != interfaces.InvitationTypeDevice {
		entry.ClaimerEmail = inv.ClaimerEmail
	}
	return entry
}

type ListInvitationsResponse struct {
	Users            []InvitationEntry `json:"users"`
	Device           *InvitationEntry  `json:"device"`
	ShamirRecoveries []InvitationEntry `json:"shamir_recoveries"`
}

type GreeterWaitPeerReadyResponse struct {
	Type       interfaces.InvitationType `json:"type"`
	GreeterSAS cryptoutils.SASCode       `json:"greeter_sas"`
}

type GreeterWaitPeerTrustResponse struct {
	CandidateClaimerSAS []cryptoutils.SASCode `json:"candidate_claimer_sas"`
}

type GreeterCheckTrustRequest struct {
	ClaimerSAS cryptoutils.SASCode `json:"claimer_sas"`
}

type GreeterFinalizeRequest struct {
	ClaimerEmail   string             `json:"claimer_email,omitempty"`
	GrantedProfile interfaces.Profile `json:"granted_profile,omitempty"`
}

type RecipientStatus struct {
	Email     string `json:"email"`
	Weight    int    `json:"weight"`
	Retrieved bool   `json:"retrieved"`
}

// ClaimerRetrieveInfoResponse describes the invitation to the claimer. The
// recovery fields are only present for shamir_recovery invitations.
type ClaimerRetrieveInfoResponse struct {
	Type         interfaces.InvitationType `json:"type"`
	GreeterEmail string                    `json:"greeter_email,omitempty"`
	Threshold    int                       `json:"threshold,omitempty"`
	EnoughShares *bool                     `json:"enough_shares,omitempty"`
	Recipients   []RecipientStatus         `json:"recipients,omitempty"`
}

type ClaimerWaitPeerReadyRequest struct {
	GreeterEmail string `json:"greeter_email,omitempty"`
}

type ClaimerWaitPeerReadyResponse struct {
	CandidateGreeterSAS []cryptoutils.SASCode `json:"candidate_greeter_sas"`
}

type ClaimerCheckTrustRequest struct {
	GreeterSAS cryptoutils.SASCode `json:"greeter_sas"`
}

type ClaimerCheckTrustResponse struct {
	ClaimerSAS cryptoutils.SASCode `json:"claimer_sas"`
}

type ClaimerWaitPeerTrustResponse struct {
	EnoughShares *bool `json:"enough_shares,omitempty"`
}

type ClaimerFinalizeRequest struct {
	Key         string `json:"key"`
	DeviceLabel string `json:"device_label,omitempty"`
}

type ShamirSetupRequest struct {
	Threshold  int                    `json:"threshold"`
	Recipients []interfaces.Recipient `json:"recipients"`
}

type ShamirSetupResponse struct {
	DeviceLabel string                 `json:"device_label"`
	Threshold   int                    `json:"threshold"`
	Recipients  []interfaces.Recipient `json:"recipients"`
}

type OtherSetup struct {
	Email       string                 `json:"email"`
	Label       string                 `json:"label"`
	DeviceLabel string                 `json:"device_label"`
	Threshold   int                    `json:"threshold"`
	Recipients  []interfaces.Recipient `json:"recipients"`
	MyWeight    int                    `json:"my_weight"`
}

type OtherSetupsResponse struct {
	Setups []OtherSetup `json:"setups"`
}

type AuthRequest struct {
	Email string `json:"email"`
	Key   string `json:"key"`
}

type HumanHandle struct {
	Email string `json:"email"`
	Label string `json:"label"`
}

type Human struct {
	HumanHandle HumanHandle        `json:"human_handle"`
	Profile     interfaces.Profile `json:"profile"`
	CreatedOn   time.Time          `json:"created_on"`
	Devices     []string           `json:"devices"`
}

type HumansResponse struct {
	Total int     `json:"total"`
	Users []Human `json:"users"`
}
