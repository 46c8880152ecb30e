package interfaces

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIErrorMatchesOnCode(t *testing.T) {
	wrapped := fmt.Errorf("step failed: %w", ErrInvalidState.WithDetail("generation %d", 3))
	assert.ErrorIs(t, wrapped, ErrInvalidState)
	assert.NotErrorIs(t, wrapped, ErrUnknownToken)
	assert.Equal(t, "invalid_state", ErrorCode(wrapped))
	assert.Equal(t, http.StatusConflict, AsAPIError(wrapped).Status)
}

func TestBadDataAndUsersNotFound(t *testing.T) {
	err := NewBadDataError("type", "claimer_email")
	assert.ErrorIs(t, err, ErrBadData)
	assert.Equal(t, []string{"claimer_email", "type"}, err.Fields)
	assert.Empty(t, ErrBadData.Fields)

	notFound := NewUsersNotFoundError("zed@example.com", "amy@example.com")
	assert.ErrorIs(t, notFound, ErrUsersNotFound)
	assert.Equal(t, []string{"amy@example.com", "zed@example.com"}, notFound.Emails)
}

func TestAsAPIErrorFallsBackToUnexpected(t *testing.T) {
	apiErr := AsAPIError(errors.New("disk on fire"))
	assert.Equal(t, "unexpected_error", apiErr.Code)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "ok", ErrorCode(nil))
}

func TestTokenFormatting(t *testing.T) {
	token, err := ParseToken("0f9e1c2a-3b4d-4e5f-8a6b-7c8d9e0f1a2b")
	require.NoError(t, err)
	hexForm := FormatToken(token)
	assert.Equal(t, "0f9e1c2a3b4d4e5f8a6b7c8d9e0f1a2b", hexForm)

	parsed, err := ParseToken(hexForm)
	require.NoError(t, err)
	assert.Equal(t, token, parsed)

	_, err = ParseToken("not-a-token")
	assert.Error(t, err)
}

func TestStepNames(t *testing.T) {
	assert.Equal(t, "1-wait-peer-ready", StepName(RoleGreeter, StepWaitPeerReady))
	assert.Equal(t, "2-check-trust", StepName(RoleClaimer, StepTrustWait))
	assert.Equal(t, "3-wait-peer-trust", StepName(RoleClaimer, StepTrustCheck))
	assert.Equal(t, "unknown", StepName(RoleGreeter, Step(9)))
	assert.Equal(t, RoleClaimer, RoleGreeter.Peer())
}

func TestParseInvitationType(t *testing.T) {
	typ, err := ParseInvitationType("SHAMIR_RECOVERY")
	require.NoError(t, err)
	assert.Equal(t, InvitationTypeShamirRecovery, typ)
	_, err = ParseInvitationType("group")
	assert.Error(t, err)
}
