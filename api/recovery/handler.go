// Package recovery serves the Shamir recovery setup of the authenticated
// member and the setups the member holds parts of.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/ruteri/enrollment-gateway/api"
	"github.com/ruteri/enrollment-gateway/auth"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/shamir"
)

type Setups interface {
	Put(ctx context.Context, owner interfaces.Member, threshold int, recipients []interfaces.Recipient) (*shamir.Setup, error)
	Get(ctx context.Context, owner string) (*shamir.Setup, error)
	Delete(ctx context.Context, owner string) error
	ForRecipient(ctx context.Context, email string) ([]*shamir.Setup, error)
}

// Invalidator closes the recovery invitations of a member whose setup changed.
type Invalidator interface {
	InvalidateShamir(ctx context.Context, claimerEmail string, before time.Time) ([]uuid.UUID, error)
}

// Releaser wakes callers parked on closed invitations.
type Releaser interface {
	Release(tokens ...uuid.UUID)
}

type MemberLookup interface {
	Member(ctx context.Context, email string) (interfaces.Member, error)
}

type Handler struct {
	setups       Setups
	invitations  Invalidator
	releaser     Releaser
	members      MemberLookup
	authRequired func(http.Handler) http.Handler
	log          *slog.Logger
}

func NewHandler(setups Setups, invitations Invalidator, releaser Releaser, members MemberLookup, authRequired func(http.Handler) http.Handler, log *slog.Logger) *Handler {
	return &Handler{
		setups:       setups,
		invitations:  invitations,
		releaser:     releaser,
		members:      members,
		authRequired: authRequired,
		log:          log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.authRequired)
		r.Post("/recovery/shamir/setup", h.handlePut)
		r.Get("/recovery/shamir/setup", h.handleGet)
		r.Delete("/recovery/shamir/setup", h.handleDelete)
		r.Get("/recovery/shamir/setup/others", h.handleOthers)
	})
}

// invalidate closes the recovery invitations made against a previous setup,
// that is those created before the given time. A zero time closes all.
func (h *Handler) invalidate(ctx context.Context, owner string, before time.Time) error {
	tokens, err := h.invitations.InvalidateShamir(ctx, owner, before)
	h.releaser.Release(tokens...)
	if err != nil {
		return err
	}
	if len(tokens) > 0 {
		h.log.Info("Recovery invitations invalidated", "owner", owner, "count", len(tokens))
	}
	return nil
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	var req api.ShamirSetupRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	member := auth.MustMember(r)

	setup, err := h.setups.Put(r.Context(), member, req.Threshold, req.Recipients)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if err := h.invalidate(r.Context(), member.Email, setup.CreatedOn); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.Empty{})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	setup, err := h.setups.Get(r.Context(), auth.MustMember(r).Email)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.ShamirSetupResponse{
		DeviceLabel: setup.DeviceLabel,
		Threshold:   setup.Threshold,
		Recipients:  setup.Recipients,
	})
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	member := auth.MustMember(r)
	if err := h.setups.Delete(r.Context(), member.Email); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if err := h.invalidate(r.Context(), member.Email, time.Time{}); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.Empty{})
}

func (h *Handler) handleOthers(w http.ResponseWriter, r *http.Request) {
	me := auth.MustMember(r)
	setups, err := h.setups.ForRecipient(r.Context(), me.Email)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}

	resp := api.OtherSetupsResponse{Setups: make([]api.OtherSetup, 0, len(setups))}
	for _, setup := range setups {
		if setup.Owner == me.Email {
			continue
		}
		owner, err := h.members.Member(r.Context(), setup.Owner)
		if errors.Is(err, interfaces.ErrUsersNotFound) {
			continue
		}
		if err != nil {
			api.WriteError(w, h.log, err)
			return
		}
		mine, _ := setup.Recipient(me.Email)
		resp.Setups = append(resp.Setups, api.OtherSetup{
			Email:       setup.Owner,
			Label:       owner.Label,
			DeviceLabel: setup.DeviceLabel,
			Threshold:   setup.Threshold,
			Recipients:  setup.Recipients,
			MyWeight:    mine.Weight,
		})
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
