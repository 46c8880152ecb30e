// Package invitations serves invitation management and the greeter and
// claimer step routes.
//
// Greeter routes and invitation management require a bearer token. Claimer
// routes are public: the invitation token is the claimer's only credential,
// so they are rate limited per client IP instead.
package invitations

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/enrollment-gateway/api"
	"github.com/ruteri/enrollment-gateway/auth"
	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/enrollment"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/invite"
)

type Registry interface {
	Create(ctx context.Context, creator interfaces.Member, typ interfaces.InvitationType, claimerEmail string) (interfaces.Invitation, error)
	List(ctx context.Context, viewer interfaces.Member) (invite.Listing, error)
	Delete(ctx context.Context, token uuid.UUID, by interfaces.Member) error
}

type Coordinator interface {
	GreeterWaitPeerReady(ctx context.Context, token uuid.UUID, greeter interfaces.Member) (enrollment.GreeterReady, error)
	GreeterWaitPeerTrust(ctx context.Context, token uuid.UUID, greeter interfaces.Member) ([]cryptoutils.SASCode, error)
	GreeterCheckTrust(ctx context.Context, token uuid.UUID, greeter interfaces.Member, claimerSAS cryptoutils.SASCode) error
	GreeterFinalize(ctx context.Context, token uuid.UUID, greeter interfaces.Member, grant enrollment.Grant) error

	RetrieveInfo(ctx context.Context, token uuid.UUID) (enrollment.ClaimerInfo, error)
	ClaimerWaitPeerReady(ctx context.Context, token uuid.UUID, greeterEmail string) ([]cryptoutils.SASCode, error)
	ClaimerCheckTrust(ctx context.Context, token uuid.UUID, greeterSAS cryptoutils.SASCode) (cryptoutils.SASCode, error)
	ClaimerWaitPeerTrust(ctx context.Context, token uuid.UUID) (enrollment.ClaimerTrust, error)
	ClaimerFinalize(ctx context.Context, token uuid.UUID, req enrollment.DeviceRequest) error

	Release(tokens ...uuid.UUID)
}

type Handler struct {
	registry     Registry
	coordinator  Coordinator
	authRequired func(http.Handler) http.Handler
	claimerLimit func(http.Handler) http.Handler
	waitTimeout  time.Duration
	log          *slog.Logger
}

// NewHandler creates the invitation routes. claimerLimit may be nil. A zero
// waitTimeout lets waiting steps wait for as long as the client stays
// connected.
func NewHandler(registry Registry, coordinator Coordinator, authRequired, claimerLimit func(http.Handler) http.Handler, waitTimeout time.Duration, log *slog.Logger) *Handler {
	return &Handler{
		registry:     registry,
		coordinator:  coordinator,
		authRequired: authRequired,
		claimerLimit: claimerLimit,
		waitTimeout:  waitTimeout,
		log:          log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authRequired)
		r.Get("/invitations", h.handleList)
		r.Post("/invitations", h.handleCreate)
		r.Delete("/invitations/{token}", h.handleDelete)

		r.Post("/invitations/{token}/greeter/1-wait-peer-ready", h.handleGreeterWaitPeerReady)
		r.Post("/invitations/{token}/greeter/2-wait-peer-trust", h.handleGreeterWaitPeerTrust)
		r.Post("/invitations/{token}/greeter/3-check-trust", h.handleGreeterCheckTrust)
		r.Post("/invitations/{token}/greeter/4-finalize", h.handleGreeterFinalize)
	})

	r.Group(func(r chi.Router) {
		if h.claimerLimit != nil {
			r.Use(h.claimerLimit)
		}
		r.Post("/invitations/{token}/claimer/0-retrieve-info", h.handleClaimerRetrieveInfo)
		r.Post("/invitations/{token}/claimer/1-wait-peer-ready", h.handleClaimerWaitPeerReady)
		r.Post("/invitations/{token}/claimer/2-check-trust", h.handleClaimerCheckTrust)
		r.Post("/invitations/{token}/claimer/3-wait-peer-trust", h.handleClaimerWaitPeerTrust)
		r.Post("/invitations/{token}/claimer/4-finalize", h.handleClaimerFinalize)
	})
}

func (h *Handler) token(r *http.Request) (uuid.UUID, error) {
	token, err := interfaces.ParseToken(chi.URLParam(r, "token"))
	if err != nil {
		return uuid.UUID{}, interfaces.ErrUnknownToken
	}
	return token, nil
}

// waitContext bounds a step that waits for the peer.
func (h *Handler) waitContext(r *http.Request) (context.Context, context.CancelFunc) {
	if h.waitTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), h.waitTimeout)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	listing, err := h.registry.List(r.Context(), auth.MustMember(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	resp := api.ListInvitationsResponse{
		Users:            make([]api.InvitationEntry, 0, len(listing.Users)),
		ShamirRecoveries: make([]api.InvitationEntry, 0, len(listing.ShamirRecoveries)),
	}
	for _, inv := range listing.Users {
		resp.Users = append(resp.Users, api.NewInvitationEntry(inv))
	}
	if listing.Device != nil {
		entry := api.NewInvitationEntry(*listing.Device)
		resp.Device = &entry
	}
	for _, inv := range listing.ShamirRecoveries {
		resp.ShamirRecoveries = append(resp.ShamirRecoveries, api.NewInvitationEntry(inv))
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req api.CreateInvitationRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	typ, err := interfaces.ParseInvitationType(req.Type)
	if err != nil {
		api.WriteError(w, h.log, interfaces.NewBadDataError("type"))
		return
	}

	inv, err := h.registry.Create(r.Context(), auth.MustMember(r), typ, req.ClaimerEmail)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.TokenResponse{Token: interfaces.FormatToken(inv.Token)})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	token, err := h.token(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if err := h.registry.Delete(r.Context(), token, auth.MustMember(r)); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	h.coordinator.Release(token)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGreeterWaitPeerReady(w http.ResponseWriter, r *http.Request) {
	token, err := h.token(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	ctx, cancel := h.waitContext(r)
	defer cancel()

	ready, err := h.coordinator.GreeterWaitPeerReady(ctx, token, auth.MustMember(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.GreeterWaitPeerReadyResponse{Type: ready.Type, GreeterSAS: ready.GreeterSAS})
}

func (h *Handler) handleGreeterWaitPeerTrust(w http.ResponseWriter, r *http.Request) {
	token, err := h.token(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	ctx, cancel := h.waitContext(r)
	defer cancel()

	candidates, err := h.coordinator.GreeterWaitPeerTrust(ctx, token, auth.MustMember(r))
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.GreeterWaitPeerTrustResponse{CandidateClaimerSAS: candidates})
}

func (h *Handler) handleGreeterCheckTrust(w http.ResponseWriter, r *http.Request) {
	token, err := h.token(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	var req api.GreeterCheckTrustRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	if err := h.coordinator.GreeterCheckTrust(r.Context(), token, auth.MustMember(r), req.ClaimerSAS); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.Empty{})
}

func (h *Handler) handleGreeterFinalize(w http.ResponseWriter, r *http.Request) {
	token, err := h.token(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	var req api.GreeterFinalizeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	grant := enrollment.Grant{ClaimerEmail: req.ClaimerEmail}
	if req.GrantedProfile != "" {
		profile, err := interfaces.ParseProfile(string(req.GrantedProfile))
		if err != nil {
			api.WriteError(w, h.log, interfaces.NewBadDataError("granted_profile"))
			return
		}
		grant.Profile = profile
	}

	ctx, cancel := h.waitContext(r)
	defer cancel()

	if err := h.coordinator.GreeterFinalize(ctx, token, auth.MustMember(r), grant); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.Empty{})
}

func (h *Handler) handleClaimerRetrieveInfo(w http.ResponseWriter, r *http.Request) {
	token, err := h.token(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	info, err := h.coordinator.RetrieveInfo(r.Context(), token)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	resp := api.ClaimerRetrieveInfoResponse{Type: info.Type}
	if info.Type != interfaces.InvitationTypeShamirRecovery {
		resp.GreeterEmail = info.GreeterEmail
		api.WriteJSON(w, http.StatusOK, resp)
		return
	}

	resp.Threshold = info.Threshold
	resp.EnoughShares = &info.EnoughShares
	resp.Recipients = make([]api.RecipientStatus, 0, len(info.Recipients))
	for _, rs := range info.Recipients {
		resp.Recipients = append(resp.Recipients, api.RecipientStatus{Email: rs.Email, Weight: rs.Weight, Retrieved: rs.Retrieved})
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleClaimerWaitPeerReady(w http.ResponseWriter, r *http.Request) {
	token, err := h.token(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	var req api.ClaimerWaitPeerReadyRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	ctx, cancel := h.waitContext(r)
	defer cancel()

	candidates, err := h.coordinator.ClaimerWaitPeerReady(ctx, token, req.GreeterEmail)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ClaimerWaitPeerReadyResponse{CandidateGreeterSAS: candidates})
}

func (h *Handler) handleClaimerCheckTrust(w http.ResponseWriter, r *http.Request) {
	token, err := h.token(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	var req api.ClaimerCheckTrustRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	claimerSAS, err := h.coordinator.ClaimerCheckTrust(r.Context(), token, req.GreeterSAS)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ClaimerCheckTrustResponse{ClaimerSAS: claimerSAS})
}

func (h *Handler) handleClaimerWaitPeerTrust(w http.ResponseWriter, r *http.Request) {
	token, err := h.token(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	ctx, cancel := h.waitContext(r)
	defer cancel()

	trust, err := h.coordinator.ClaimerWaitPeerTrust(ctx, token)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	var resp api.ClaimerWaitPeerTrustResponse
	if trust.Shamir {
		resp.EnoughShares = &trust.EnoughShares
	}
	api.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleClaimerFinalize(w http.ResponseWriter, r *http.Request) {
	token, err := h.token(r)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	var req api.ClaimerFinalizeRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	ctx, cancel := h.waitContext(r)
	defer cancel()

	err = h.coordinator.ClaimerFinalize(ctx, token, enrollment.DeviceRequest{Key: req.Key, DeviceLabel: req.DeviceLabel})
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.Empty{})
}
