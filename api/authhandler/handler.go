// Package authhandler exchanges a device key for a session token and lists
// the organization's members.
package authhandler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/enrollment-gateway/api"
	"github.com/ruteri/enrollment-gateway/interfaces"
)

type TokenIssuer interface {
	Issue(email string) (string, time.Time, error)
}

type Directory interface {
	Members(ctx context.Context) ([]interfaces.Member, error)
	Authenticate(ctx context.Context, email, key string) (interfaces.Member, error)
}

type Handler struct {
	issuer       TokenIssuer
	directory    Directory
	authRequired func(http.Handler) http.Handler
	log          *slog.Logger
}

func NewHandler(issuer TokenIssuer, directory Directory, authRequired func(http.Handler) http.Handler, log *slog.Logger) *Handler {
	return &Handler{issuer: issuer, directory: directory, authRequired: authRequired, log: log}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/auth", h.handleAuth)
	r.With(h.authRequired).Get("/humans", h.handleHumans)
}

func (h *Handler) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req api.AuthRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	if req.Email == "" || req.Key == "" {
		var missing []string
		if req.Email == "" {
			missing = append(missing, "email")
		}
		if req.Key == "" {
			missing = append(missing, "key")
		}
		api.WriteError(w, h.log, interfaces.NewBadDataError(missing...))
		return
	}

	member, err := h.directory.Authenticate(r.Context(), req.Email, req.Key)
	if err != nil {
		h.log.Debug("Authentication failed", "email", req.Email, "err", err)
		api.WriteError(w, h.log, err)
		return
	}
	token, _, err := h.issuer.Issue(member.Email)
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, api.TokenResponse{Token: token})
}

func (h *Handler) handleHumans(w http.ResponseWriter, r *http.Request) {
	members, err := h.directory.Members(r.Context())
	if err != nil {
		api.WriteError(w, h.log, err)
		return
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Email < members[j].Email })

	resp := api.HumansResponse{Total: len(members), Users: make([]api.Human, 0, len(members))}
	for _, m := range members {
		devices := make([]string, 0, len(m.Devices))
		for _, d := range m.Devices {
			devices = append(devices, d.Label)
		}
		resp.Users = append(resp.Users, api.Human{
			HumanHandle: api.HumanHandle{Email: m.Email, Label: m.Label},
			Profile:     m.Profile,
			CreatedOn:   m.CreatedOn,
			Devices:     devices,
		})
	}
	api.WriteJSON(w, http.StatusOK, resp)
}
