package ephemeralvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// apiTestClient sends requests straight to the gin engine, carrying the
// session cookie between them like a browser would
type apiTestClient struct {
	t       testing.TB
	api     *API
	cookies map[string]*http.Cookie
}

func newTestAPI(t testing.TB, bot *Bot, mailer Mailer) *apiTestClient {
	t.Helper()
	api, err := newAPI(
		apiDeps{
			config:   bot.config,
			db:       bot.writeDB,
			notifier: bot.notifier,
			logger:   bot.logger,
			clock:    bot.clock,
			bot:      bot,
			mailer:   mailer,
		},
	)
	require.NoError(t, err)
	return &apiTestClient{t: t, api: api, cookies: map[string]*http.Cookie{}}
}

func (c *apiTestClient) do(method, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}

	w := httptest.NewRecorder()
	c.api.engine.ServeHTTP(w, req)

	for _, cookie := range w.Result().Cookies() {
		if cookie.MaxAge < 0 {
			delete(c.cookies, cookie.Name)
			continue
		}
		c.cookies[cookie.Name] = cookie
	}
	return w
}

func (c *apiTestClient) login(email, password string) *httptest.ResponseRecorder {
	c.t.Helper()
	return c.do(http.MethodPost, apiPrefix+apiPathLogin, userLogin{Email: email, Password: password})
}

// setupAdmin logs in with the bootstrap credentials and completes the
// initial setup, leaving the client with a dashboard session
func (c *apiTestClient) setupAdmin() {
	c.t.Helper()
	cfg := c.api.adminConfig
	w := c.login(cfg.Email, cfg.Password)
	require.Equal(c.t, http.StatusOK, w.Code, w.Body.String())

	w = c.do(
		http.MethodPost,
		apiPrefix+apiPathInitialSetup,
		initialSetupRequest{
			Email:           "owner@example.com",
			Password:        "a-better-password",
			ConfirmPassword: "a-better-password",
		},
	)
	require.Equal(c.t, http.StatusOK, w.Code, w.Body.String())
}

func decodeJSON[T any](t testing.TB, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	client := newTestAPI(t, bot, nil)

	w := client.do(http.MethodGet, apiPathHealth, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))
}

func TestAPI_LoginFlow(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	client := newTestAPI(t, bot, nil)

	w := client.do(http.MethodGet, apiPrefix+apiPathMe, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = client.do(http.MethodPost, apiPrefix+apiPathLogin, map[string]string{"email": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = client.login(bot.config.Admin.Email, "wrong-password")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = client.login(bot.config.Admin.Email, bot.config.Admin.Password)
	require.Equal(t, http.StatusOK, w.Code)
	login := decodeJSON[loginResponse](t, w)
	assert.Equal(t, nextStepInitialSetup, login.Next)

	w = client.do(http.MethodGet, apiPrefix+apiPathLobbies, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	blocked := decodeJSON[setupRequiredError](t, w)
	assert.Equal(t, nextStepInitialSetup, blocked.Next)

	w = client.do(
		http.MethodPost,
		apiPrefix+apiPathInitialSetup,
		initialSetupRequest{Email: "owner@example.com", Password: "short", ConfirmPassword: "short"},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = client.do(
		http.MethodPost,
		apiPrefix+apiPathInitialSetup,
		initialSetupRequest{
			Email:           "owner@example.com",
			Password:        "a-better-password",
			ConfirmPassword: "a-better-password",
		},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = client.do(http.MethodGet, apiPrefix+apiPathMe, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decodeJSON[meResponse](t, w)
	assert.Equal(t, "owner@example.com", me.Email)
	assert.Equal(t, nextStepDashboard, me.Next)

	w = client.do(
		http.MethodPost,
		apiPrefix+apiPathInitialSetup,
		initialSetupRequest{
			Email:           "again@example.com",
			Password:        "a-better-password",
			ConfirmPassword: "a-better-password",
		},
	)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = client.do(http.MethodGet, apiPrefix+apiPathLobbies, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = client.do(http.MethodPost, apiPrefix+apiPathLogout, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = client.do(http.MethodGet, apiPrefix+apiPathMe, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPI_LoginRateLimit(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	client := newTestAPI(t, bot, nil)

	for i := range loginAttempts {
		w := client.login(bot.config.Admin.Email, fmt.Sprintf("wrong-%d", i))
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}

	w := client.login(bot.config.Admin.Email, bot.config.Admin.Password)
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "limited even with the right password")
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	testClock(t, bot).Advance(loginWindow)
	w = client.login(bot.config.Admin.Email, bot.config.Admin.Password)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_SuccessfulLoginResetsLimit(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	client := newTestAPI(t, bot, nil)

	for range loginAttempts - 1 {
		client.login(bot.config.Admin.Email, "wrong")
	}
	require.Equal(t, http.StatusOK, client.login(bot.config.Admin.Email, bot.config.Admin.Password).Code)

	for i := range loginAttempts {
		w := client.login(bot.config.Admin.Email, "wrong")
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}
}

func TestAPI_ForgotAndResetPassword(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	mailer := &mockMailer{}
	client := newTestAPI(t, bot, mailer)
	client.setupAdmin()

	w := client.do(
		http.MethodPost,
		apiPrefix+apiPathForgotPassword,
		forgotPasswordRequest{Email: "nobody@example.com"},
	)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, mailer.messages())

	w = client.do(
		http.MethodPost,
		apiPrefix+apiPathForgotPassword,
		forgotPasswordRequest{Email: "owner@example.com"},
	)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), msgForgotPassword)
	sent := mailer.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "owner@example.com", sent[0].To)
	assert.Equal(t, subjectPasswordReset, sent[0].Subject)

	admin, err := adminByEmail(context.Background(), bot.db, "owner@example.com")
	require.NoError(t, err)
	require.NotNil(t, admin.ResetToken)
	token := *admin.ResetToken
	assert.Contains(t, sent[0].Text, token)

	w = client.do(
		http.MethodPost,
		apiPrefix+apiPathResetPassword,
		resetPasswordRequest{Token: "bogus", Password: "newpassword1", ConfirmPassword: "newpassword1"},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = client.do(
		http.MethodPost,
		apiPrefix+apiPathResetPassword,
		resetPasswordRequest{Token: token, Password: "newpassword1", ConfirmPassword: "newpassword1"},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, http.StatusOK, client.login("owner@example.com", "newpassword1").Code)
}

func TestAPI_ForgotPasswordWithoutSMTP(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	client := newTestAPI(t, bot, nil)

	w := client.do(
		http.MethodPost,
		apiPrefix+apiPathForgotPassword,
		forgotPasswordRequest{Email: bot.config.Admin.Email},
	)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPI_ChangePasswordEndsSession(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	client := newTestAPI(t, bot, nil)
	client.setupAdmin()

	w := client.do(
		http.MethodPut,
		apiPrefix+apiPathSettingsPassword,
		changePasswordRequest{Password: "another-password", ConfirmPassword: "nope"},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = client.do(
		http.MethodPut,
		apiPrefix+apiPathSettingsPassword,
		changePasswordRequest{Password: "another-password", ConfirmPassword: "another-password"},
	)
	require.Equal(t, http.StatusOK, w.Code)

	w = client.do(http.MethodGet, apiPrefix+apiPathMe, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, http.StatusOK, client.login("owner@example.com", "another-password").Code)
}

func TestAPI_ChangeEmail(t *testing.T) {
	t.Parallel()

	t.Run(
		"without smtp", func(t *testing.T) {
			bot, _ := newTestBot(t)
			client := newTestAPI(t, bot, nil)
			client.setupAdmin()

			w := client.do(
				http.MethodPost,
				apiPrefix+apiPathSettingsEmail,
				changeEmailRequest{Email: "owner@example.com"},
			)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			w = client.do(
				http.MethodPost,
				apiPrefix+apiPathSettingsEmail,
				changeEmailRequest{Email: "direct@example.com"},
			)
			require.Equal(t, http.StatusOK, w.Code)
			me := decodeJSON[meResponse](t, client.do(http.MethodGet, apiPrefix+apiPathMe, nil))
			assert.Equal(t, "direct@example.com", me.Email)
		},
	)

	t.Run(
		"with smtp", func(t *testing.T) {
			bot, _ := newTestBot(t)
			mailer := &mockMailer{}
			client := newTestAPI(t, bot, mailer)
			client.setupAdmin()

			w := client.do(
				http.MethodPost,
				apiPrefix+apiPathSettingsEmail,
				changeEmailRequest{Email: "pending@example.com"},
			)
			require.Equal(t, http.StatusAccepted, w.Code)

			sent := mailer.messages()
			require.Len(t, sent, 1)
			assert.Equal(t, "pending@example.com", sent[0].To)

			me := decodeJSON[meResponse](t, client.do(http.MethodGet, apiPrefix+apiPathMe, nil))
			assert.Equal(t, "owner@example.com", me.Email)
			require.NotNil(t, me.PendingEmail)

			admin, err := adminByEmail(context.Background(), bot.db, "owner@example.com")
			require.NoError(t, err)
			require.NotNil(t, admin.EmailChangeToken)

			w = client.do(
				http.MethodGet,
				apiPrefix+apiPathConfirmEmail+"?token="+*admin.EmailChangeToken,
				nil,
			)
			require.Equal(t, http.StatusOK, w.Code)
			me = decodeJSON[meResponse](t, client.do(http.MethodGet, apiPrefix+apiPathMe, nil))
			assert.Equal(t, "pending@example.com", me.Email)
		},
	)
}

func TestAPI_RuntimeConfig(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	client := newTestAPI(t, bot, nil)
	client.setupAdmin()

	w := client.do(http.MethodGet, apiPrefix+apiPathConfig, nil)
	require.Equal(t, http.StatusOK, w.Code)
	cfg := decodeJSON[RuntimeConfig](t, w)
	assert.False(t, cfg.Paused)

	w = client.do(http.MethodPatch, apiPrefix+apiPathConfig, map[string]any{"log_level": "TRACE"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = client.do(
		http.MethodPatch,
		apiPrefix+apiPathConfig,
		map[string]any{"paused": true, "discord_custom_status": "maintenance"},
	)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	cfg = decodeJSON[RuntimeConfig](t, w)
	assert.True(t, cfg.Paused)
	assert.Equal(t, "maintenance", cfg.DiscordCustomStatus)

	assert.True(t, bot.paused.Load(), "applied in process")
	select {
	case <-bot.triggerRuntimeConfigRefreshCh:
	case <-time.After(time.Second):
		t.Fatal("expected a reload notification")
	}
}

func TestAPI_Lobbies(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	lobby := newTestLobby(t, bot, mock)
	joinLobby(t, bot, testUserID)
	client := newTestAPI(t, bot, nil)
	client.setupAdmin()

	w := client.do(http.MethodGet, apiPrefix+apiPathLobbies, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[lobbiesResponse](t, w)
	require.Len(t, resp.Lobbies, 1)
	require.Len(t, resp.Sessions, 1)
	assert.Equal(t, testUserID, resp.Sessions[0].OwnerID)

	path := fmt.Sprintf("%s/lobbies/%d", apiPrefix, lobby.ID)
	w = client.do(http.MethodPatch, path, map[string]any{"default_user_limit": 150})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = client.do(http.MethodPatch, path, map[string]any{"category_id": "abc"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = client.do(http.MethodPatch, path, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = client.do(
		http.MethodPatch,
		path,
		map[string]any{"default_user_limit": 5, "category_id": "600000000000000002"},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	updated := decodeJSON[Lobby](t, w)
	assert.Equal(t, 5, updated.DefaultUserLimit)
	require.NotNil(t, updated.CategoryID)

	w = client.do(http.MethodPatch, apiPrefix+"/lobbies/999", map[string]any{"default_user_limit": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = client.do(http.MethodDelete, apiPrefix+"/lobbies/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = client.do(http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	resp = decodeJSON[lobbiesResponse](t, client.do(http.MethodGet, apiPrefix+apiPathLobbies, nil))
	assert.Empty(t, resp.Lobbies)
	assert.Empty(t, resp.Sessions)
}

func TestAPI_Bump(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	setupBump(t, bot, true)
	ctx := context.Background()
	reminder, err := upsertBumpReminder(
		ctx,
		bot.writeDB,
		testGuildID,
		testBumpChannelID,
		bumpServiceDisboard,
		nowMilli(bot.clock),
	)
	require.NoError(t, err)

	client := newTestAPI(t, bot, nil)
	client.setupAdmin()

	w := client.do(http.MethodGet, apiPrefix+apiPathBump, nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeJSON[bumpResponse](t, w)
	assert.Len(t, resp.Configs, 1)
	assert.Len(t, resp.Reminders, 1)

	reminderPath := fmt.Sprintf("%s/bump/reminders/%d", apiPrefix, reminder.ID)
	w = client.do(http.MethodPost, reminderPath+"/toggle", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, decodeJSON[BumpReminder](t, w).IsEnabled)

	w = client.do(http.MethodPatch, reminderPath, map[string]any{"role_id": "not-a-role"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = client.do(http.MethodPatch, reminderPath, map[string]any{"role_id": testCustomRoleID})
	require.Equal(t, http.StatusOK, w.Code)
	stored, err := bumpReminderFor(ctx, bot.db, testGuildID, bumpServiceDisboard)
	require.NoError(t, err)
	require.NotNil(t, stored.RoleID)
	assert.Equal(t, testCustomRoleID, *stored.RoleID)

	w = client.do(http.MethodPatch, reminderPath, map[string]any{"role_id": ""})
	require.Equal(t, http.StatusOK, w.Code)
	stored, err = bumpReminderFor(ctx, bot.db, testGuildID, bumpServiceDisboard)
	require.NoError(t, err)
	assert.Nil(t, stored.RoleID)

	w = client.do(http.MethodDelete, reminderPath, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = client.do(http.MethodDelete, reminderPath, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	configPath := apiPrefix + "/bump/configs/" + testGuildID
	w = client.do(http.MethodDelete, configPath, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = client.do(http.MethodDelete, configPath, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Sticky(t *testing.T) {
	t.Parallel()
	bot, _ := newTestBot(t)
	ctx := context.Background()
	require.NoError(
		t,
		upsertStickyMessage(
			ctx,
			bot.writeDB,
			&StickyMessage{
				ChannelID:       testChannelID,
				GuildID:         testGuildID,
				MessageType:     stickyTypeEmbed,
				Title:           "Rules",
				Description:     "Be nice",
				CooldownSeconds: 30,
			},
		),
	)
	bot.sticky.Schedule(testChannelID, time.Hour)

	client := newTestAPI(t, bot, nil)
	client.setupAdmin()

	w := client.do(http.MethodGet, apiPrefix+apiPathSticky, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stickies := decodeJSON[[]StickyMessage](t, w)
	require.Len(t, stickies, 1)
	assert.Equal(t, "Rules", stickies[0].Title)

	w = client.do(http.MethodDelete, apiPrefix+"/sticky/"+testChannelID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, 0, bot.sticky.Pending())

	select {
	case channelID := <-bot.stickyChangedCh:
		assert.Equal(t, testChannelID, channelID)
	case <-time.After(time.Second):
		t.Fatal("expected a sticky change notification")
	}

	w = client.do(http.MethodDelete, apiPrefix+"/sticky/"+testChannelID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_RolePanels(t *testing.T) {
	t.Parallel()
	bot, mock := newTestBot(t)
	client := newTestAPI(t, bot, nil)
	client.setupAdmin()

	invalid := []rolePanelRequest{
		{ChannelID: testChannelID, PanelType: rolePanelTypeButton, Title: "Roles"},
		{GuildID: "guild", ChannelID: testChannelID, PanelType: rolePanelTypeButton, Title: "Roles"},
		{GuildID: testGuildID, ChannelID: testChannelID, PanelType: "select", Title: "Roles"},
		{GuildID: testGuildID, ChannelID: testChannelID, PanelType: rolePanelTypeButton, Title: "   "},
		{
			GuildID:   testGuildID,
			ChannelID: testChannelID,
			PanelType: rolePanelTypeButton,
			Title:     strings.Repeat("x", 257),
		},
	}
	for _, req := range invalid {
		w := client.do(http.MethodPost, apiPrefix+apiPathRolePanels, req)
		assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	}

	w := client.do(
		http.MethodPost,
		apiPrefix+apiPathRolePanels,
		rolePanelRequest{
			GuildID:        testGuildID,
			ChannelID:      testChannelID,
			PanelType:      rolePanelTypeReaction,
			Title:          " Colours ",
			Description:    "pick one",
			RemoveReaction: true,
		},
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeJSON[RolePanel](t, w)
	assert.Equal(t, "Colours", created.Title)
	assert.True(t, created.RemoveReaction)
	assert.Nil(t, created.MessageID, "posted by the bot once a role is added")
	assert.Empty(t, mock.callsTo("ChannelMessageSendComplex"))

	w = client.do(http.MethodGet, apiPrefix+apiPathRolePanels, nil)
	require.Equal(t, http.StatusOK, w.Code)
	panels := decodeJSON[[]RolePanel](t, w)
	require.Len(t, panels, 1)
	assert.Equal(t, created.ID, panels[0].ID)

	w = client.do(http.MethodDelete, fmt.Sprintf("%s/rolepanels/%d", apiPrefix, created.ID), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestIsSnowflake(t *testing.T) {
	t.Parallel()
	assert.True(t, isSnowflake(testGuildID))
	assert.False(t, isSnowflake(""))
	assert.False(t, isSnowflake("12a4"))
	assert.False(t, isSnowflake(strings.Repeat("1", 21)))
}
