package ephemeralvc

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
	gsessions "github.com/gorilla/sessions"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"
)

const (
	apiPrefix                 = "/api"
	apiPathHealth             = "/health"
	apiPathLogin              = "/login"
	apiPathLogout             = "/logout"
	apiPathMe                 = "/me"
	apiPathInitialSetup       = "/initial-setup"
	apiPathResendVerification = "/resend-verification"
	apiPathConfirmEmail       = "/confirm-email"
	apiPathForgotPassword     = "/forgot-password"
	apiPathResetPassword      = "/reset-password"
	apiPathSettingsPassword   = "/settings/password"
	apiPathSettingsEmail      = "/settings/email"
	apiPathLobbies            = "/lobbies"
	apiPathLobby              = "/lobbies/:id"
	apiPathBump               = "/bump"
	apiPathBumpConfig         = "/bump/configs/:guild_id"
	apiPathBumpReminder       = "/bump/reminders/:id"
	apiPathBumpReminderToggle = "/bump/reminders/:id/toggle"
	apiPathSticky             = "/sticky"
	apiPathStickyChannel      = "/sticky/:channel_id"
	apiPathRolePanels         = "/rolepanels"
	apiPathRolePanel          = "/rolepanels/:id"
	apiPathConfig             = "/config"
	pprofPrefix               = "/debug/pprof"

	xRequestIDHeader = "X-Request-ID"
	sessionVarName   = "evc_session"
	sessionVarField  = "admin_id"
	ginAdminKey      = "admin"
	ginBaseLoggerKey = "api_logger"

	loginAttempts = 5
	loginWindow   = 5 * time.Minute

	msgForgotPassword = "if that address belongs to an account, a reset link has been sent"
)

var structValidator = validator.New()

//nolint:gochecknoinits // gotta register the validators
func init() {
	structValidator.SetTagName("binding")
}

type httpReply struct {
	Message string `json:"message"`
}

type httpError struct {
	Error string `json:"error"`
}

// API serves the admin dashboard. It can run inside the bot process
// (bot set), or standalone, in which case changes reach the bot through
// the DBNotifier only.
type API struct {
	config       *APIConfig
	adminConfig  *AdminConfig
	db           DBI
	notifier     DBNotifier
	mailer       Mailer
	clock        Clock
	bot          *Bot
	httpServer   *http.Server
	listener     net.Listener
	engine       *gin.Engine
	store        CookieStore
	loginLimiter *limiterSet
	logger       *slog.Logger
}

type apiDeps struct {
	config   *Config
	db       DBI
	notifier DBNotifier
	logger   *slog.Logger
	clock    Clock
	bot      *Bot
	mailer   Mailer
}

// newAPI sets up the gin engine, session store and http server
func newAPI(deps apiDeps) (*API, error) {
	config := deps.config.API
	logger := deps.logger.With(loggerNameKey, "api")
	if deps.clock == nil {
		deps.clock = realClock{}
	}

	mailer := deps.mailer
	if mailer == nil && deps.config.SMTP != nil && deps.config.SMTP.Enabled() {
		mailer = newSMTPMailer(deps.config.SMTP, logger)
	}

	var secretKey []byte
	switch sk := config.Secret; {
	case sk == "":
		logger.Warn(
			"session secret not set, generating random secret " +
				"(sessions will not persist across restarts)",
		)
		secretKey = securecookie.GenerateRandomKey(64)
	default:
		secretKey = derive64ByteKey(sk)
	}
	store := NewCookieStore(secretKey)
	store.Options(
		sessions.Options{
			Path:     "/",
			HttpOnly: true,
			Secure:   config.SecureCookie,
			MaxAge:   int(config.SessionMaxAge.Seconds()),
			SameSite: http.SameSiteLaxMode,
		},
	)

	tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	r := gin.New()
	api := &API{
		config:       config,
		adminConfig:  deps.config.Admin,
		db:           deps.db,
		notifier:     deps.notifier,
		mailer:       mailer,
		clock:        deps.clock,
		bot:          deps.bot,
		engine:       r,
		store:        store,
		loginLimiter: newLimiterSet(loginAttempts, loginWindow),
		logger:       logger,
		httpServer: &http.Server{
			Addr:              config.Listen,
			Handler:           r,
			TLSConfig:         tlsCfg,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{strings.TrimRight(config.AppURL, "/")}
	}

	if !config.Development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		loggerMiddleware(logger),
		ginLoggingMiddleware(),
		cors.New(corsConfig),
		sessions.Sessions(sessionVarName, store),
	)

	if config.Development {
		ginPprof.Register(r, pprofPrefix)
		runtime.SetMutexProfileFraction(1)
		runtime.SetBlockProfileRate(1)
	}

	r.GET(apiPathHealth, api.healthCheck)

	public := r.Group(apiPrefix)
	public.POST(apiPathLogin, api.loginHandler)
	public.POST(apiPathLogout, api.logoutHandler)
	public.POST(apiPathForgotPassword, api.forgotPassword)
	public.POST(apiPathResetPassword, api.resetPassword)
	public.GET(apiPathConfirmEmail, api.confirmEmail)

	account := r.Group(apiPrefix)
	account.Use(api.authMiddleware())
	account.GET(apiPathMe, api.loggedIn)
	account.POST(apiPathInitialSetup, api.initialSetup)
	account.POST(apiPathResendVerification, api.resendVerification)

	protected := r.Group(apiPrefix)
	protected.Use(api.authMiddleware(), setupCompleteMiddleware())
	protected.PUT(apiPathSettingsPassword, api.changePassword)
	protected.POST(apiPathSettingsEmail, api.changeEmail)

	protected.GET(apiPathLobbies, api.getLobbies)
	protected.PATCH(apiPathLobby, api.updateLobby)
	protected.DELETE(apiPathLobby, api.deleteLobby)

	protected.GET(apiPathBump, api.getBump)
	protected.DELETE(apiPathBumpConfig, api.deleteBumpConfig)
	protected.PATCH(apiPathBumpReminder, api.updateBumpReminder)
	protected.DELETE(apiPathBumpReminder, api.deleteBumpReminder)
	protected.POST(apiPathBumpReminderToggle, api.toggleBumpReminder)

	protected.GET(apiPathSticky, api.getStickies)
	protected.DELETE(apiPathStickyChannel, api.deleteSticky)

	protected.GET(apiPathRolePanels, api.getRolePanels)
	protected.POST(apiPathRolePanels, api.createRolePanel)
	protected.DELETE(apiPathRolePanel, api.deleteRolePanel)

	protected.GET(apiPathConfig, api.getConfig)
	protected.PATCH(apiPathConfig, api.updateRuntimeConfig)

	return api, nil
}

// Serve listens on the configured address until the server is shut
// down. TLS is used when a certificate is configured.
func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	a.logger.InfoContext(ctx, "dashboard listening", "addr", a.listener.Addr().String())
	err := a.httpServer.Serve(a.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

type CookieStore interface {
	sessions.Store
}

func NewCookieStore(keyPairs ...[]byte) CookieStore {
	return &cookieStore{gsessions.NewCookieStore(keyPairs...)}
}

type cookieStore struct {
	*gsessions.CookieStore
}

func (c *cookieStore) Options(options sessions.Options) {
	c.CookieStore.Options = options.ToGorillaOptions()
}

func (a *API) now() time.Time {
	return a.clock.Now()
}

// healthCheck reports 200 when the database answers, 503 otherwise
func (a *API) healthCheck(c *gin.Context) {
	sqlDB, err := a.db.DB().DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		ginContextLogger(c).Error("health check failed", tint.Err(err))
		c.String(http.StatusServiceUnavailable, "unhealthy")
		return
	}
	c.String(http.StatusOK, "ok")
}

type userLogin struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type loginResponse struct {
	Email string `json:"email"`
	Next  string `json:"next"`
}

// loginHandler checks the per-IP limiter before the credentials, and
// only failed attempts count against it.
//
// Responses:
//   - 200 OK: logged in, with the next step for the dashboard
//   - 400 Bad Request: missing fields
//   - 401 Unauthorized: wrong email or password
//   - 429 Too Many Requests: too many failed attempts from this IP
func (a *API) loginHandler(c *gin.Context) {
	logger := ginContextLogger(c)
	ip := c.ClientIP()

	if limited, retryAfter := a.loginLimiter.Limited(ip, a.now()); limited {
		logger.Warn("login rate limited", "retry_after", retryAfter)
		c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
		c.AbortWithStatusJSON(
			http.StatusTooManyRequests,
			httpError{Error: "too many login attempts, try again later"},
		)
		return
	}

	var login userLogin
	if err := c.ShouldBindJSON(&login); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	if _, err := getOrCreateAdmin(ctx, a.db, a.adminConfig); err != nil {
		logger.Error("error bootstrapping admin", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}

	admin, err := authenticateAdmin(ctx, a.db.DB(), login.Email, login.Password)
	switch {
	case errors.Is(err, errInvalidCredentials):
		a.loginLimiter.Allow(ip, a.now())
		logger.Warn("invalid login attempt", "email", login.Email)
		c.JSON(http.StatusUnauthorized, httpError{Error: errInvalidCredentials.Error()})
		return
	case err != nil:
		logger.Error("error verifying login", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}

	a.loginLimiter.Reset(ip)
	session := sessions.Default(c)
	session.Set(sessionVarField, admin.ID)
	if err = session.Save(); err != nil {
		logger.Error("error saving session", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info("admin logged in", "admin_id", admin.ID)
	c.JSON(http.StatusOK, loginResponse{Email: admin.Email, Next: admin.NextStep()})
}

func (a *API) logoutHandler(c *gin.Context) {
	clearSession(c)
	ginReplyMessage(c, "logged out")
}

func clearSession(c *gin.Context) {
	session := sessions.Default(c)
	session.Clear()
	session.Options(sessions.Options{Path: "/", MaxAge: -1})
	if err := session.Save(); err != nil {
		ginContextLogger(c).Error("error clearing session", tint.Err(err))
	}
}

type meResponse struct {
	*AdminUser
	Next string `json:"next"`
}

func (a *API) loggedIn(c *gin.Context) {
	admin := ginAdmin(c)
	c.JSON(http.StatusOK, meResponse{AdminUser: admin, Next: admin.NextStep()})
}

type initialSetupRequest struct {
	Email           string `json:"email" binding:"required"`
	Password        string `json:"password" binding:"required"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// initialSetup replaces the bootstrapped credentials. It's only
// available until the password has been changed once.
func (a *API) initialSetup(c *gin.Context) {
	admin := ginAdmin(c)
	if admin.PasswordChangedAt != nil {
		c.JSON(http.StatusConflict, httpError{Error: "initial setup already completed"})
		return
	}

	var req initialSetupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	email := strings.TrimSpace(req.Email)
	if err := validateEmail(email); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := validateNewPassword(req.Password, req.ConfirmPassword); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	err := completeInitialSetup(c.Request.Context(), a.db, admin, email, req.Password, a.now())
	if err != nil {
		ginContextLogger(c).Error("error completing initial setup", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, loginResponse{Email: email, Next: nextStepDashboard})
}

// resendVerification sends a fresh confirmation link for the pending
// email change
func (a *API) resendVerification(c *gin.Context) {
	admin := ginAdmin(c)
	if admin.PendingEmail == nil {
		c.JSON(http.StatusBadRequest, httpError{Error: errNoPendingEmail.Error()})
		return
	}
	if a.mailer == nil {
		c.JSON(http.StatusServiceUnavailable, httpError{Error: "email is not configured"})
		return
	}
	ctx := c.Request.Context()
	token, err := refreshEmailChangeToken(ctx, a.db, admin, a.now())
	if err != nil {
		ginContextLogger(c).Error("error creating email token", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if err = a.mailer.Send(ctx, emailChangeMessage(a.config.AppURL, *admin.PendingEmail, token)); err != nil {
		ginContextLogger(c).Error("error sending verification email", tint.Err(err))
		ginReplyError(c, "failed to send email")
		return
	}
	ginReplyMessage(c, "verification email sent")
}

func (a *API) confirmEmail(c *gin.Context) {
	admin, err := confirmEmailChange(c.Request.Context(), a.db, c.Query("token"), a.now())
	switch {
	case errors.Is(err, errInvalidToken):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	case err != nil:
		ginContextLogger(c).Error("error confirming email", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	ginContextLogger(c).Info("email change confirmed", "admin_id", admin.ID)
	ginReplyMessage(c, "email address confirmed")
}

type forgotPasswordRequest struct {
	Email string `json:"email" binding:"required"`
}

// forgotPassword answers the same way whether or not the address
// matches an account
func (a *API) forgotPassword(c *gin.Context) {
	var req forgotPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if a.mailer == nil {
		ginReplyMessage(c, msgForgotPassword)
		return
	}

	logger := ginContextLogger(c)
	ctx := c.Request.Context()
	admin, err := adminByEmail(ctx, a.db.DB(), strings.TrimSpace(req.Email))
	if err != nil {
		logger.Error("error looking up admin", tint.Err(err))
	}
	if admin != nil {
		token, tokenErr := issueResetToken(ctx, a.db, admin, a.now())
		if tokenErr != nil {
			logger.Error("error creating reset token", tint.Err(tokenErr))
		} else if sendErr := a.mailer.Send(
			ctx,
			passwordResetMessage(a.config.AppURL, admin.Email, token),
		); sendErr != nil {
			logger.Error("error sending reset email", tint.Err(sendErr))
		}
	}
	ginReplyMessage(c, msgForgotPassword)
}

type resetPasswordRequest struct {
	Token           string `json:"token" binding:"required"`
	Password        string `json:"password" binding:"required"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

func (a *API) resetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	ctx := c.Request.Context()
	admin, err := adminByResetToken(ctx, a.db.DB(), req.Token, a.now())
	switch {
	case errors.Is(err, errInvalidToken):
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	case err != nil:
		ginContextLogger(c).Error("error looking up reset token", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if err = validateNewPassword(req.Password, req.ConfirmPassword); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err = setAdminPassword(ctx, a.db, admin, req.Password, a.now()); err != nil {
		ginContextLogger(c).Error("error resetting password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	ginReplyMessage(c, "password reset")
}

type changePasswordRequest struct {
	Password        string `json:"password" binding:"required"`
	ConfirmPassword string `json:"confirm_password" binding:"required"`
}

// changePassword sets a new password and ends the session
func (a *API) changePassword(c *gin.Context) {
	var req changePasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if err := validateNewPassword(req.Password, req.ConfirmPassword); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	admin := ginAdmin(c)
	if err := setAdminPassword(c.Request.Context(), a.db, admin, req.Password, a.now()); err != nil {
		ginContextLogger(c).Error("error changing password", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	clearSession(c)
	ginReplyMessage(c, "password changed, please log in again")
}

type changeEmailRequest struct {
	Email string `json:"email" binding:"required"`
}

// changeEmail records the new address as pending and mails a
// confirmation link to it. Without SMTP the address is applied directly.
func (a *API) changeEmail(c *gin.Context) {
	var req changeEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	email := strings.TrimSpace(req.Email)
	if err := validateEmail(email); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	admin := ginAdmin(c)
	if email == admin.Email {
		c.JSON(http.StatusBadRequest, httpError{Error: errEmailUnchanged.Error()})
		return
	}

	ctx := c.Request.Context()
	logger := ginContextLogger(c)
	if a.mailer == nil {
		if _, err := a.db.Updates(ctx, admin, map[string]any{"email": email}); err != nil {
			logger.Error("error updating email", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		ginReplyMessage(c, "email address updated")
		return
	}

	token, err := requestEmailChange(ctx, a.db, admin, email, a.now())
	if err != nil {
		logger.Error("error creating email token", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	if err = a.mailer.Send(ctx, emailChangeMessage(a.config.AppURL, email, token)); err != nil {
		logger.Error("error sending verification email", tint.Err(err))
		ginReplyError(c, "failed to send email")
		return
	}
	c.JSON(http.StatusAccepted, httpReply{Message: "confirmation email sent to " + email})
}

type lobbiesResponse struct {
	Lobbies  []Lobby        `json:"lobbies"`
	Sessions []VoiceSession `json:"sessions"`
}

func (a *API) getLobbies(c *gin.Context) {
	db := a.db.DB().WithContext(c.Request.Context())
	resp := lobbiesResponse{Lobbies: []Lobby{}, Sessions: []VoiceSession{}}
	if err := db.Order("id asc").Find(&resp.Lobbies).Error; err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	if err := db.Preload("Members").Order("id asc").Find(&resp.Sessions).Error; err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, resp)
}

//nolint:lll // struct tags
type lobbyPatch struct {
	DefaultUserLimit *int    `json:"default_user_limit,omitempty" binding:"omitnil,min=0,max=99"`
	CategoryID       *string `json:"category_id,omitempty"`
}

func (a *API) updateLobby(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var patch lobbyPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	values := map[string]any{}
	if patch.DefaultUserLimit != nil {
		values["default_user_limit"] = *patch.DefaultUserLimit
	}
	if patch.CategoryID != nil {
		if !isSnowflake(*patch.CategoryID) && *patch.CategoryID != "" {
			c.JSON(http.StatusBadRequest, httpError{Error: "invalid category_id"})
			return
		}
		if *patch.CategoryID == "" {
			values["category_id"] = nil
		} else {
			values["category_id"] = *patch.CategoryID
		}
	}
	if len(values) == 0 {
		c.JSON(http.StatusBadRequest, httpError{Error: "nothing to update"})
		return
	}

	n, err := a.db.UpdatesWhere(c.Request.Context(), &Lobby{}, values, "id = ?", id)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	if n == 0 {
		c.JSON(http.StatusNotFound, httpError{Error: errNoLobby.Error()})
		return
	}
	lobby, err := takeOne[Lobby](a.db.DB().WithContext(c.Request.Context()), "id = ?", id)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, lobby)
}

// deleteLobby removes the lobby and its session rows. Channels that
// still exist are left for the bot to clean up when they empty.
func (a *API) deleteLobby(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	if err := deleteLobby(c.Request.Context(), a.db, id); err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	c.Status(http.StatusNoContent)
}

type bumpResponse struct {
	Configs   []BumpConfig   `json:"configs"`
	Reminders []BumpReminder `json:"reminders"`
}

func (a *API) getBump(c *gin.Context) {
	db := a.db.DB().WithContext(c.Request.Context())
	resp := bumpResponse{Configs: []BumpConfig{}, Reminders: []BumpReminder{}}
	if err := db.Order("guild_id asc").Find(&resp.Configs).Error; err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	if err := db.Order("guild_id asc, service_name asc").Find(&resp.Reminders).Error; err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a *API) deleteBumpConfig(c *gin.Context) {
	err := deleteBumpConfig(c.Request.Context(), a.db, c.Param("guild_id"))
	switch {
	case errors.Is(err, errNoBumpConfig):
		c.JSON(http.StatusNotFound, httpError{Error: err.Error()})
	case err != nil:
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
	default:
		c.Status(http.StatusNoContent)
	}
}

// reminderByParam loads the reminder named by the :id param, replying
// with 404 when there isn't one
func (a *API) reminderByParam(c *gin.Context) (*BumpReminder, bool) {
	id, ok := uintParam(c, "id")
	if !ok {
		return nil, false
	}
	reminder, err := takeOne[BumpReminder](a.db.DB().WithContext(c.Request.Context()), "id = ?", id)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return nil, false
	}
	if reminder == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "reminder not found"})
		return nil, false
	}
	return reminder, true
}

func (a *API) toggleBumpReminder(c *gin.Context) {
	reminder, ok := a.reminderByParam(c)
	if !ok {
		return
	}
	enabled, err := toggleBumpReminder(
		c.Request.Context(),
		a.db,
		reminder.GuildID,
		reminder.ServiceName,
	)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	reminder.IsEnabled = enabled
	c.JSON(http.StatusOK, reminder)
}

type bumpReminderPatch struct {
	// RoleID sets the mentioned role. An empty string restores the
	// default role.
	RoleID *string `json:"role_id"`
}

func (a *API) updateBumpReminder(c *gin.Context) {
	reminder, ok := a.reminderByParam(c)
	if !ok {
		return
	}
	var patch bumpReminderPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	roleID := patch.RoleID
	if roleID == nil || (*roleID != "" && !isSnowflake(*roleID)) {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid role_id"})
		return
	}
	if *roleID == "" {
		roleID = nil
	}
	_, err := setBumpReminderRole(
		c.Request.Context(),
		a.db,
		reminder.GuildID,
		reminder.ServiceName,
		roleID,
	)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	reminder.RoleID = roleID
	c.JSON(http.StatusOK, reminder)
}

func (a *API) deleteBumpReminder(c *gin.Context) {
	reminder, ok := a.reminderByParam(c)
	if !ok {
		return
	}
	if _, err := a.db.Delete(c.Request.Context(), reminder); err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) getStickies(c *gin.Context) {
	stickies := []StickyMessage{}
	err := a.db.DB().WithContext(c.Request.Context()).
		Order("guild_id asc, channel_id asc").
		Find(&stickies).Error
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, stickies)
}

// deleteSticky removes the sticky and tells the bot to drop any repost
// it has pending for the channel
func (a *API) deleteSticky(c *gin.Context) {
	ctx := c.Request.Context()
	channelID := c.Param("channel_id")
	deleted, err := deleteStickyMessage(ctx, a.db, channelID)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, httpError{Error: "sticky message not found"})
		return
	}
	if a.bot != nil {
		a.bot.sticky.Cancel(channelID)
	}
	if a.notifier != nil {
		a.notifier.StickyChanged(ctx, channelID)
	}
	c.Status(http.StatusNoContent)
}

func (a *API) getRolePanels(c *gin.Context) {
	panels := []RolePanel{}
	err := a.db.DB().WithContext(c.Request.Context()).
		Preload("Items", func(db *gorm.DB) *gorm.DB {
			return db.Order("position asc, id asc")
		}).
		Order("id asc").
		Find(&panels).Error
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, panels)
}

//nolint:lll // struct tags
type rolePanelRequest struct {
	GuildID        string `json:"guild_id" binding:"required"`
	ChannelID      string `json:"channel_id" binding:"required"`
	PanelType      string `json:"panel_type" binding:"required,oneof=button reaction"`
	Title          string `json:"title" binding:"required,max=256"`
	Description    string `json:"description" binding:"max=4096"`
	RemoveReaction bool   `json:"remove_reaction"`
}

// createRolePanel saves a role panel without posting it. The bot posts
// it the first time a role is added with /rolepanel add in its channel.
//
// Responses:
//   - 201 Created: the new panel
//   - 400 Bad Request: missing or invalid fields
func (a *API) createRolePanel(c *gin.Context) {
	var req rolePanelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	guildID := strings.TrimSpace(req.GuildID)
	channelID := strings.TrimSpace(req.ChannelID)
	switch {
	case !isSnowflake(guildID):
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid guild_id"})
		return
	case !isSnowflake(channelID):
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid channel_id"})
		return
	}
	panel := &RolePanel{
		GuildID:        guildID,
		ChannelID:      channelID,
		PanelType:      req.PanelType,
		Title:          strings.TrimSpace(req.Title),
		Description:    strings.TrimSpace(req.Description),
		RemoveReaction: req.RemoveReaction && req.PanelType == rolePanelTypeReaction,
	}
	if panel.Title == "" {
		c.JSON(http.StatusBadRequest, httpError{Error: "title must not be blank"})
		return
	}

	if _, err := a.db.Create(c.Request.Context(), panel, "Items"); err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	a.logger.InfoContext(
		c.Request.Context(),
		"created role panel",
		"panel_id", panel.ID,
		"channel_id", panel.ChannelID,
	)
	c.JSON(http.StatusCreated, panel)
}

func (a *API) deleteRolePanel(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	panel, err := rolePanelByID(ctx, a.db.DB(), id)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	if panel == nil {
		c.JSON(http.StatusNotFound, httpError{Error: "role panel not found"})
		return
	}
	if err = deleteRolePanel(ctx, a.db, panel.ID); err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) getConfig(c *gin.Context) {
	cfg, err := loadRuntimeConfig(c.Request.Context(), a.db)
	if err != nil {
		_ = c.Error(err)
		ginReplyError(c, "internal server error")
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// updateRuntimeConfig applies a partial update to RuntimeConfig. The
// change is applied immediately when the bot runs in this process, and
// announced to any other bot process through the notifier.
//
// Responses:
//   - 202 Accepted: the updated config
//   - 400 Bad Request: the payload failed validation
func (a *API) updateRuntimeConfig(c *gin.Context) {
	logger := ginContextLogger(c)
	var update RuntimeConfigUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}

	ctx := c.Request.Context()
	cfg, err := updateRuntimeConfig(ctx, a.db, update)
	if err != nil {
		var validationErrs validator.ValidationErrors
		if errors.As(err, &validationErrs) {
			c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
			return
		}
		logger.Error("error updating runtime config", tint.Err(err))
		ginReplyError(c, "internal server error")
		return
	}
	logger.Info(
		"updated runtime config",
		slog.Attr{Key: "update", Value: structToSlogValue(update)},
	)

	if a.bot != nil {
		a.bot.applyRuntimeConfig(context.WithoutCancel(ctx), cfg)
	}
	if a.notifier != nil {
		a.notifier.ReloadRuntimeConfig(ctx)
	}
	c.JSON(http.StatusAccepted, cfg)
}

// isSnowflake reports whether s looks like a discord ID
func isSnowflake(s string) bool {
	if s == "" || len(s) > 20 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid " + name})
		return 0, false
	}
	return uint(v), true
}

// ginAdmin returns the admin set by authMiddleware
func ginAdmin(c *gin.Context) *AdminUser {
	return c.MustGet(ginAdminKey).(*AdminUser)
}

// authMiddleware loads the admin for the session, rejecting the request
// with 401 if there isn't a valid one
func (a *API) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := ginContextLogger(c)
		session := sessions.Default(c)
		adminID, ok := session.Get(sessionVarField).(uint)
		if !ok || adminID == 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}

		admin, err := adminByID(c.Request.Context(), a.db.DB(), adminID)
		if err != nil {
			logger.Error("error getting admin", tint.Err(err))
			ginReplyError(c, "internal server error")
			return
		}
		if admin == nil {
			logger.Warn("session admin no longer exists", "admin_id", adminID)
			c.AbortWithStatusJSON(http.StatusUnauthorized, httpError{Error: "unauthorized"})
			return
		}
		c.Set(ginAdminKey, admin)
		c.Set(string(loggerContextKey), logger.With("admin_id", admin.ID))
		c.Next()
	}
}

type setupRequiredError struct {
	Error string `json:"error"`
	Next  string `json:"next"`
}

// setupCompleteMiddleware blocks the dashboard until the initial setup
// is done and the email address is verified
func setupCompleteMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		next := ginAdmin(c).NextStep()
		if next != nextStepDashboard {
			c.AbortWithStatusJSON(
				http.StatusForbidden,
				setupRequiredError{Error: "account setup required", Next: next},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns each request a UUID, echoed back in the
// X-Request-ID header
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// loggerMiddleware sets the base logger that ginContextLogger derives
// request loggers from
func loggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ginBaseLoggerKey, logger)
		c.Next()
	}
}

// ginContextLogger returns the request logger from the gin context,
// creating one with the request details included if there isn't one yet.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := v.(*slog.Logger); ok {
			return requestLogger
		}
	}

	base := slog.Default()
	if v, ok := c.Get(ginBaseLoggerKey); ok {
		if l, ok := v.(*slog.Logger); ok {
			base = l
		}
	}

	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}
	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it has finished, along
// with any errors attached to the context
func ginLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		requestLogger := ginContextLogger(c)
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON message with HTTP 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError aborts with HTTP 500 and a JSON error
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
