package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ruteri/enrollment-gateway/api"
	"github.com/ruteri/enrollment-gateway/interfaces"
)

type ctxKey int

const memberKey ctxKey = 1

func WithMember(ctx context.Context, m interfaces.Member) context.Context {
	return context.WithValue(ctx, memberKey, m)
}

func MemberFromContext(ctx context.Context) (interfaces.Member, bool) {
	m, ok := ctx.Value(memberKey).(interfaces.Member)
	return m, ok
}

type TokenVerifier interface {
	Verify(token string) (string, error)
}

type MemberLookup interface {
	Member(ctx context.Context, email string) (interfaces.Member, error)
}

// Required rejects requests without a valid bearer token and adds the
// authenticated member to the request context. The member is resolved on
// every request, so profile changes apply immediately.
func Required(verifier TokenVerifier, members MemberLookup, log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				api.WriteError(w, log, interfaces.ErrAuthenticationRequested)
				return
			}
			email, err := verifier.Verify(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				api.WriteError(w, log, interfaces.ErrAuthenticationRequested)
				return
			}

			member, err := members.Member(r.Context(), email)
			if errors.Is(err, interfaces.ErrUsersNotFound) {
				api.WriteError(w, log, interfaces.ErrAuthenticationRequested)
				return
			}
			if err != nil {
				api.WriteError(w, log, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithMember(r.Context(), member)))
		})
	}
}

// MustMember returns the authenticated member of a request that passed
// Required.
func MustMember(r *http.Request) interfaces.Member {
	m, ok := MemberFromContext(r.Context())
	if !ok {
		panic("auth: request did not pass the auth middleware")
	}
	return m
}
