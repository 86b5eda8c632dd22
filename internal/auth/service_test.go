package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/clock"
)

const (
	testEmail    = "user@lab.test"
	testPassword = "Sterile123"
)

func newTestService(t *testing.T) (*Service, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	svc := NewService(NewMemoryStore(), DefaultConfig(), clk, nil, nil, nil, nil)
	_, err := svc.CreateUser(context.Background(), testEmail, testPassword, RoleTechnician, nil)
	require.NoError(t, err)
	return svc, clk
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateUser(context.Background(), "USER@lab.test", testPassword, RoleViewer, nil)
	assert.True(t, apperr.IsKind(err, apperr.KindDuplicateEmail))
}

func TestCreateUserEnforcesPasswordPolicy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	for _, weak := range []string{"short1A", "alllowercase1", "ALLUPPERCASE1", "NoDigitsHere"} {
		_, err := svc.CreateUser(ctx, "other@lab.test", weak, RoleViewer, nil)
		assert.True(t, apperr.IsKind(err, apperr.KindWeakPassword), weak)
	}
}

func TestLoginIssuesValidatableToken(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	creds, err := svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)
	require.NotEmpty(t, creds.Token)
	require.NotEmpty(t, creds.RefreshToken)

	claims, err := svc.ValidateToken(ctx, creds.Token)
	require.NoError(t, err)
	assert.Equal(t, RoleTechnician, claims.Role)
	assert.Equal(t, creds.ExpiresAt, claims.ExpiresAt)

	user, err := svc.store.GetUserByEmail(ctx, testEmail)
	require.NoError(t, err)
	require.NotNil(t, user.LastLogin)
}

func TestLoginWrongPasswordIsInvalidCredentials(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Login(context.Background(), testEmail, "Wrong1234")
	assert.True(t, apperr.IsKind(err, apperr.KindInvalidCredentials))
}

func TestLockoutAfterFiveFailuresAndExpiry(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.Login(ctx, testEmail, "Wrong1234")
		require.Error(t, err)
	}

	// 6th attempt with the CORRECT password still fails while locked.
	_, err := svc.Login(ctx, testEmail, testPassword)
	assert.True(t, apperr.IsKind(err, apperr.KindAccountLocked))

	// 31 minutes later the window has passed.
	clk.Advance(31 * time.Minute)
	creds, err := svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, creds.Token)
}

func TestTokenExactlyAtExpiryIsInvalid(t *testing.T) {
	svc, clk := newTestService(t)
	ctx := context.Background()

	creds, err := svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	clk.Set(creds.ExpiresAt)
	_, err = svc.ValidateToken(ctx, creds.Token)
	assert.True(t, apperr.IsKind(err, apperr.KindTokenExpired))
}

func TestValidateRejectsGarbageToken(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ValidateToken(context.Background(), "not-a-real-token")
	assert.True(t, apperr.IsKind(err, apperr.KindTokenInvalid))
}

func TestRefreshRotatesAndInvalidatesOldPair(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	creds, err := svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	fresh, err := svc.Refresh(ctx, creds.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, creds.Token, fresh.Token)

	// The old access token is revoked and the old refresh token is consumed.
	_, err = svc.ValidateToken(ctx, creds.Token)
	assert.Error(t, err)
	_, err = svc.Refresh(ctx, creds.RefreshToken)
	assert.True(t, apperr.IsKind(err, apperr.KindTokenInvalid))

	// The new access token works.
	_, err = svc.ValidateToken(ctx, fresh.Token)
	assert.NoError(t, err)
}

// capturingNotifier records the raw tokens handed to the notification adapter.
type capturingNotifier struct {
	resets chan string
}

func (n *capturingNotifier) SendPasswordReset(_ context.Context, _ string, token string) error {
	n.resets <- token
	return nil
}

func (n *capturingNotifier) SendVerification(_ context.Context, _ string, _ string) error {
	return nil
}

func TestResetPasswordRevokesAllSessions(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	notifier := &capturingNotifier{resets: make(chan string, 1)}
	svc := NewService(NewMemoryStore(), DefaultConfig(), clk, nil, nil, notifier, nil)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, testEmail, testPassword, RoleTechnician, nil)
	require.NoError(t, err)

	// Three live sessions.
	var tokens []string
	for i := 0; i < 3; i++ {
		creds, err := svc.Login(ctx, testEmail, testPassword)
		require.NoError(t, err)
		tokens = append(tokens, creds.Token)
	}

	require.NoError(t, svc.ForgotPassword(ctx, testEmail))
	var resetToken string
	select {
	case resetToken = <-notifier.resets:
	case <-time.After(2 * time.Second):
		t.Fatal("reset token was not delivered")
	}

	const newPassword = "Rotated456"
	require.NoError(t, svc.ResetPassword(ctx, resetToken, newPassword))

	for _, token := range tokens {
		_, err := svc.ValidateToken(ctx, token)
		assert.True(t, apperr.IsKind(err, apperr.KindTokenInvalid), "old session should be revoked")
	}

	// Old password no longer works, new one does.
	_, err = svc.Login(ctx, testEmail, testPassword)
	assert.Error(t, err)
	creds, err := svc.Login(ctx, testEmail, newPassword)
	require.NoError(t, err)
	_, err = svc.ValidateToken(ctx, creds.Token)
	assert.NoError(t, err)

	// The reset token is single-use.
	err = svc.ResetPassword(ctx, resetToken, "Another789")
	assert.True(t, apperr.IsKind(err, apperr.KindTokenInvalid))
}

func TestForgotPasswordUnknownEmailIsSilent(t *testing.T) {
	svc, _ := newTestService(t)
	assert.NoError(t, svc.ForgotPassword(context.Background(), "nobody@lab.test"))
}

func TestEmailVerificationFlow(t *testing.T) {
	clk := clock.NewMock(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	cfg := DefaultConfig()
	cfg.RequireEmailVerification = true
	store := NewMemoryStore()
	svc := NewService(store, cfg, clk, nil, nil, nil, nil)
	ctx := context.Background()

	user, err := svc.CreateUser(ctx, testEmail, testPassword, RoleTechnician, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingVerification, user.Status)

	_, err = svc.Login(ctx, testEmail, testPassword)
	assert.True(t, apperr.IsKind(err, apperr.KindAccountNotVerified))

	// Issue a verification token directly (no notifier wired in this test).
	token, err := svc.issueOneTimeToken(ctx, user.ID, PurposeVerification, cfg.VerificationTokenTTL)
	require.NoError(t, err)
	require.NoError(t, svc.VerifyEmail(ctx, token))

	_, err = svc.Login(ctx, testEmail, testPassword)
	assert.NoError(t, err)
}

func TestLogoutIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	creds, err := svc.Login(ctx, testEmail, testPassword)
	require.NoError(t, err)

	require.NoError(t, svc.Logout(ctx, creds.Token))
	_, err = svc.ValidateToken(ctx, creds.Token)
	assert.Error(t, err)
	assert.NoError(t, svc.Logout(ctx, creds.Token))
}
