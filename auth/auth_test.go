package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/enrollment-gateway/api"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockMembers struct {
	mock.Mock
}

func (m *mockMembers) Member(ctx context.Context, email string) (interfaces.Member, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(interfaces.Member), args.Error(1)
}

func TestIssueAndVerify(t *testing.T) {
	issuer, err := NewIssuer([]byte("secret"), "test", time.Hour)
	require.NoError(t, err)

	token, exp, err := issuer.Issue(" Alice@Example.com ")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	email, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", email)

	other, err := NewIssuer([]byte("other"), "test", time.Hour)
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.Error(t, err)

	_, err = issuer.Verify("garbage")
	assert.Error(t, err)
}

func TestVerifyRejectsExpiredAndForeignIssuer(t *testing.T) {
	issuer, err := NewIssuer([]byte("secret"), "test", time.Minute)
	require.NoError(t, err)
	token, _, err := issuer.Issue("alice@example.com")
	require.NoError(t, err)

	issuer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = issuer.Verify(token)
	assert.Error(t, err)

	foreign, err := NewIssuer([]byte("secret"), "elsewhere", time.Minute)
	require.NoError(t, err)
	token, _, err = foreign.Issue("alice@example.com")
	require.NoError(t, err)
	issuer.now = time.Now
	_, err = issuer.Verify(token)
	assert.Error(t, err)
}

func TestRandomKeyWhenSecretEmpty(t *testing.T) {
	a, err := NewIssuer(nil, "test", 0)
	require.NoError(t, err)
	b, err := NewIssuer(nil, "test", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultTTL, a.ttl)

	token, _, err := a.Issue("alice@example.com")
	require.NoError(t, err)
	_, err = b.Verify(token)
	assert.Error(t, err)
}

func TestRequired(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	issuer, err := NewIssuer([]byte("secret"), "test", time.Hour)
	require.NoError(t, err)

	alice := interfaces.Member{Email: "alice@example.com", Profile: interfaces.ProfileAdmin}
	members := new(mockMembers)
	members.On("Member", mock.Anything, "alice@example.com").Return(alice, nil)
	members.On("Member", mock.Anything, "gone@example.com").Return(interfaces.Member{}, interfaces.ErrUsersNotFound)
	members.On("Member", mock.Anything, "down@example.com").Return(interfaces.Member{}, interfaces.ErrOffline)

	mux := chi.NewRouter()
	mux.With(Required(issuer, members, log)).Get("/me", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, api.HumanHandle{Email: MustMember(r).Email})
	})

	bearer := func(email string) string {
		token, _, err := issuer.Issue(email)
		require.NoError(t, err)
		return "Bearer " + token
	}

	tests := []struct {
		name   string
		header string
		status int
		code   string
	}{
		{name: "valid", header: bearer("alice@example.com"), status: http.StatusOK},
		{name: "missing", header: "", status: http.StatusUnauthorized, code: "authentication_requested"},
		{name: "not bearer", header: "Basic abc", status: http.StatusUnauthorized, code: "authentication_requested"},
		{name: "bad token", header: "Bearer abc", status: http.StatusUnauthorized, code: "authentication_requested"},
		{name: "member removed", header: bearer("gone@example.com"), status: http.StatusUnauthorized, code: "authentication_requested"},
		{name: "directory offline", header: bearer("down@example.com"), status: http.StatusServiceUnavailable, code: "offline"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.code == "" {
				var handle api.HumanHandle
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &handle))
				assert.Equal(t, alice.Email, handle.Email)
				return
			}
			var resp api.ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Error)
		})
	}
}
