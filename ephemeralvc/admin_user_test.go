package ephemeralvc

import (
	"context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestGetOrCreateAdmin(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	admin, err := getOrCreateAdmin(ctx, bot.writeDB, bot.config.Admin)
	require.NoError(t, err)
	assert.Equal(t, bot.config.Admin.Email, admin.Email)
	assert.True(t, admin.EmailVerified)
	assert.Nil(t, admin.PasswordChangedAt)
	assert.Equal(t, nextStepInitialSetup, admin.NextStep())

	again, err := getOrCreateAdmin(
		ctx,
		bot.writeDB,
		&AdminConfig{Email: "other@example.com", Password: "whatever1"},
	)
	require.NoError(t, err)
	assert.Equal(t, admin.ID, again.ID, "existing admin is returned")
	assert.Equal(t, bot.config.Admin.Email, again.Email)
}

func TestAuthenticateAdmin(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()

	_, err := getOrCreateAdmin(ctx, bot.writeDB, bot.config.Admin)
	require.NoError(t, err)

	admin, err := authenticateAdmin(ctx, bot.db, " "+bot.config.Admin.Email+" ", bot.config.Admin.Password)
	require.NoError(t, err)
	assert.Equal(t, bot.config.Admin.Email, admin.Email)

	_, err = authenticateAdmin(ctx, bot.db, bot.config.Admin.Email, "wrong")
	assert.ErrorIs(t, err, errInvalidCredentials)

	_, err = authenticateAdmin(ctx, bot.db, "nobody@example.com", bot.config.Admin.Password)
	assert.ErrorIs(t, err, errInvalidCredentials)
}

func TestAdminUser_NextStep(t *testing.T) {
	t.Parallel()
	changed := ptr(int64(1))
	assert.Equal(t, nextStepInitialSetup, AdminUser{EmailVerified: true}.NextStep())
	assert.Equal(t, nextStepVerifyEmail, AdminUser{PasswordChangedAt: changed}.NextStep())
	assert.Equal(
		t,
		nextStepDashboard,
		AdminUser{PasswordChangedAt: changed, EmailVerified: true}.NextStep(),
	)
}

func TestValidateEmailAndPassword(t *testing.T) {
	t.Parallel()
	assert.NoError(t, validateEmail("someone@example.co.jp"))
	assert.ErrorIs(t, validateEmail("someone@"), errInvalidEmail)
	assert.ErrorIs(t, validateEmail("no at sign.com"), errInvalidEmail)

	assert.NoError(t, validateNewPassword("password1", "password1"))
	assert.ErrorIs(t, validateNewPassword("short", "short"), errPasswordTooShort)
	assert.ErrorIs(t, validateNewPassword("password1", "password2"), errPasswordMismatch)
}

func TestCompleteInitialSetup(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()
	now := bot.clock.Now()

	admin, err := getOrCreateAdmin(ctx, bot.writeDB, bot.config.Admin)
	require.NoError(t, err)
	require.NoError(t, completeInitialSetup(ctx, bot.writeDB, admin, "new@example.com", "newpassword", now))

	_, err = authenticateAdmin(ctx, bot.db, bot.config.Admin.Email, bot.config.Admin.Password)
	assert.ErrorIs(t, err, errInvalidCredentials)

	admin, err = authenticateAdmin(ctx, bot.db, "new@example.com", "newpassword")
	require.NoError(t, err)
	require.NotNil(t, admin.PasswordChangedAt)
	assert.Equal(t, now.UnixMilli(), *admin.PasswordChangedAt)
	assert.Equal(t, nextStepDashboard, admin.NextStep())
}

func TestPasswordReset(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()
	now := bot.clock.Now()

	admin, err := getOrCreateAdmin(ctx, bot.writeDB, bot.config.Admin)
	require.NoError(t, err)

	token, err := issueResetToken(ctx, bot.writeDB, admin, now)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	_, err = adminByResetToken(ctx, bot.db, "", now)
	assert.ErrorIs(t, err, errInvalidToken)
	_, err = adminByResetToken(ctx, bot.db, "not-the-token", now)
	assert.ErrorIs(t, err, errInvalidToken)
	_, err = adminByResetToken(ctx, bot.db, token, now.Add(adminTokenTTL))
	assert.ErrorIs(t, err, errInvalidToken, "expired")

	found, err := adminByResetToken(ctx, bot.db, token, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, admin.ID, found.ID)

	require.NoError(t, setAdminPassword(ctx, bot.writeDB, found, "resetpassword", now))
	_, err = adminByResetToken(ctx, bot.db, token, now.Add(time.Minute))
	assert.ErrorIs(t, err, errInvalidToken, "token is single use")

	_, err = authenticateAdmin(ctx, bot.db, admin.Email, "resetpassword")
	assert.NoError(t, err)
}

func TestEmailChange(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()
	now := bot.clock.Now()

	admin, err := getOrCreateAdmin(ctx, bot.writeDB, bot.config.Admin)
	require.NoError(t, err)

	_, err = refreshEmailChangeToken(ctx, bot.writeDB, admin, now)
	assert.ErrorIs(t, err, errNoPendingEmail)

	first, err := requestEmailChange(ctx, bot.writeDB, admin, "moved@example.com", now)
	require.NoError(t, err)
	admin, err = adminByID(ctx, bot.db, admin.ID)
	require.NoError(t, err)
	second, err := refreshEmailChangeToken(ctx, bot.writeDB, admin, now)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, err = confirmEmailChange(ctx, bot.writeDB, first, now)
	assert.ErrorIs(t, err, errInvalidToken, "replaced token")
	_, err = confirmEmailChange(ctx, bot.writeDB, second, now.Add(2*adminTokenTTL))
	assert.ErrorIs(t, err, errInvalidToken, "expired")

	confirmed, err := confirmEmailChange(ctx, bot.writeDB, second, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "moved@example.com", confirmed.Email)

	stored, err := adminByEmail(ctx, bot.db, "moved@example.com")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.EmailVerified)
	assert.Nil(t, stored.PendingEmail)
	assert.Nil(t, stored.EmailChangeToken)
}
