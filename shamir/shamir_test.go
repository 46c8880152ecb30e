package shamir

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/ruteri/enrollment-gateway/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticMembers map[string]interfaces.Member

func (m staticMembers) Member(ctx context.Context, email string) (interfaces.Member, error) {
	member, ok := m[interfaces.NormalizeEmail(email)]
	if !ok {
		return interfaces.Member{}, interfaces.NewUsersNotFoundError(email)
	}
	return member, nil
}

func newMembers(emails ...string) staticMembers {
	m := staticMembers{}
	for _, email := range emails {
		m[email] = interfaces.Member{Email: email, Devices: []interfaces.Device{{Label: "laptop"}}}
	}
	return m
}

func newTestSetups(members staticMembers) *Setups {
	return NewSetups(storage.NewMemoryBackend(), members, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func recipients(pairs ...any) []interfaces.Recipient {
	var rs []interfaces.Recipient
	for i := 0; i < len(pairs); i += 2 {
		rs = append(rs, interfaces.Recipient{Email: pairs[i].(string), Weight: pairs[i+1].(int)})
	}
	return rs
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		threshold  int
		recipients []interfaces.Recipient
		wantErr    error
	}{
		{name: "valid", threshold: 3, recipients: recipients("a@x.com", 2, "b@x.com", 1, "c@x.com", 1)},
		{name: "zero threshold", threshold: 0, recipients: recipients("a@x.com", 1), wantErr: interfaces.ErrInvalidConfiguration},
		{name: "no recipients", threshold: 1, wantErr: interfaces.ErrInvalidConfiguration},
		{name: "zero weight", threshold: 1, recipients: recipients("a@x.com", 0), wantErr: interfaces.ErrInvalidConfiguration},
		{name: "duplicate", threshold: 2, recipients: recipients("a@x.com", 1, "A@x.com", 1), wantErr: interfaces.ErrInvalidConfiguration},
		{name: "owner as recipient", threshold: 1, recipients: recipients("owner@x.com", 1), wantErr: interfaces.ErrInvalidConfiguration},
		{name: "weights below threshold", threshold: 4, recipients: recipients("a@x.com", 2, "b@x.com", 1), wantErr: interfaces.ErrInvalidConfiguration},
		{name: "too many parts", threshold: 2, recipients: recipients("a@x.com", 200, "b@x.com", 56), wantErr: interfaces.ErrInvalidConfiguration},
		{name: "empty email", threshold: 1, recipients: recipients(" ", 1), wantErr: interfaces.ErrBadData},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate("owner@x.com", tt.threshold, tt.recipients)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPutRejectsUnknownRecipients(t *testing.T) {
	setups := newTestSetups(newMembers("a@x.com"))
	owner := interfaces.Member{Email: "owner@x.com"}

	_, err := setups.Put(context.Background(), owner, 1, recipients("a@x.com", 1, "ghost@x.com", 1, "boo@x.com", 1))
	require.ErrorIs(t, err, interfaces.ErrUsersNotFound)
	assert.Equal(t, []string{"boo@x.com", "ghost@x.com"}, interfaces.AsAPIError(err).Emails)

	_, err = setups.Get(context.Background(), "owner@x.com")
	assert.ErrorIs(t, err, interfaces.ErrNotSetup)
}

func TestSetupLifecycle(t *testing.T) {
	ctx := context.Background()
	setups := newTestSetups(newMembers("a@x.com", "b@x.com"))
	owner := interfaces.Member{Email: "Owner@x.com", Devices: []interfaces.Device{{Label: "desktop"}}}

	setup, err := setups.Put(ctx, owner, 2, recipients("a@x.com", 1, "b@x.com", 1))
	require.NoError(t, err)
	assert.Equal(t, "owner@x.com", setup.Owner)
	assert.Equal(t, "desktop", setup.DeviceLabel)
	assert.Len(t, setup.Parts["a@x.com"], 1)

	stored, err := setups.Get(ctx, "owner@x.com")
	require.NoError(t, err)
	assert.Equal(t, setup.Verifier, stored.Verifier)
	assert.Equal(t, 2, stored.TotalWeight())

	mine, err := setups.ForRecipient(ctx, "b@x.com")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "owner@x.com", mine[0].Owner)

	none, err := setups.ForRecipient(ctx, "owner@x.com")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, setups.Delete(ctx, "owner@x.com"))
	require.NoError(t, setups.Delete(ctx, "owner@x.com"))
	_, err = setups.Get(ctx, "owner@x.com")
	assert.ErrorIs(t, err, interfaces.ErrNotSetup)
}

func TestCollectorWeightedThreshold(t *testing.T) {
	setups := newTestSetups(newMembers("a@x.com", "b@x.com", "c@x.com"))
	setup, err := setups.Put(context.Background(), interfaces.Member{Email: "owner@x.com"}, 3,
		recipients("a@x.com", 2, "b@x.com", 1, "c@x.com", 1))
	require.NoError(t, err)

	c := NewCollector(setup)
	assert.ErrorIs(t, c.Check("stranger@x.com"), interfaces.ErrEmailNotInRecipients)

	weight, err := c.RegisterContribution("a@x.com")
	require.NoError(t, err)
	assert.Equal(t, 2, weight)
	assert.False(t, c.EnoughShares())

	_, err = c.Recover()
	assert.ErrorIs(t, err, interfaces.ErrNotEnoughShares)

	_, err = c.RegisterContribution("a@x.com")
	assert.ErrorIs(t, err, interfaces.ErrRecipientAlreadyRecovered)
	assert.ErrorIs(t, c.Check("a@x.com"), interfaces.ErrRecipientAlreadyRecovered)

	weight, err = c.RegisterContribution("b@x.com")
	require.NoError(t, err)
	assert.Equal(t, 3, weight)
	assert.True(t, c.EnoughShares())

	assert.Equal(t, []RecipientStatus{
		{Email: "a@x.com", Weight: 2, Retrieved: true},
		{Email: "b@x.com", Weight: 1, Retrieved: true},
		{Email: "c@x.com", Weight: 1, Retrieved: false},
	}, c.Recipients())

	secret, err := c.Recover()
	require.NoError(t, err)
	assert.Len(t, secret, SecretSize)
	assert.True(t, setup.Verify(secret))
}

func TestCollectorThresholdOne(t *testing.T) {
	setups := newTestSetups(newMembers("a@x.com", "b@x.com"))
	setup, err := setups.Put(context.Background(), interfaces.Member{Email: "owner@x.com"}, 1,
		recipients("a@x.com", 1, "b@x.com", 1))
	require.NoError(t, err)

	c := NewCollector(setup)
	_, err = c.RegisterContribution("b@x.com")
	require.NoError(t, err)

	secret, err := c.Recover()
	require.NoError(t, err)
	assert.True(t, setup.Verify(secret))
}

func TestCollectorDetectsTamperedParts(t *testing.T) {
	setups := newTestSetups(newMembers("a@x.com", "b@x.com"))
	setup, err := setups.Put(context.Background(), interfaces.Member{Email: "owner@x.com"}, 1,
		recipients("a@x.com", 1, "b@x.com", 1))
	require.NoError(t, err)
	setup.Parts["a@x.com"][0][0] ^= 0xff

	c := NewCollector(setup)
	_, err = c.RegisterContribution("a@x.com")
	require.NoError(t, err)

	_, err = c.Recover()
	assert.ErrorIs(t, err, interfaces.ErrUnexpectedInternal)
}
