package ephemeralvc

import (
	"context"
	"errors"
	"fmt"
	"gorm.io/gorm"
	"regexp"
	"strings"
	"time"
)

const (
	adminTokenTTL     = time.Hour
	minPasswordLength = 8

	nextStepInitialSetup = "initial-setup"
	nextStepVerifyEmail  = "verify-email"
	nextStepDashboard    = "dashboard"
)

var (
	emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

	errInvalidCredentials = errors.New("invalid email or password")
	errInvalidToken       = errors.New("invalid or expired token")
	errInvalidEmail       = errors.New("invalid email address")
	errPasswordTooShort   = fmt.Errorf("password must be at least %d characters", minPasswordLength)
	errPasswordMismatch   = errors.New("passwords do not match")
	errEmailUnchanged     = errors.New("new email is the same as the current email")
	errNoPendingEmail     = errors.New("no pending email change")
)

// AdminUser is a dashboard account. There is normally exactly one,
// bootstrapped from the configured admin credentials.
//
//nolint:lll // struct tags can't be split
type AdminUser struct {
	ModelUintID
	ModelUnixTime

	Email        string `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash string `gorm:"not null" json:"-"`

	// PasswordChangedAt is nil until the initial setup has been completed
	PasswordChangedAt *int64 `json:"password_changed_at"`

	ResetToken          *string `gorm:"index" json:"-"`
	ResetTokenExpiresAt *int64  `json:"-"`

	PendingEmail              *string `json:"pending_email"`
	EmailChangeToken          *string `gorm:"index" json:"-"`
	EmailChangeTokenExpiresAt *int64  `json:"-"`

	EmailVerified bool `gorm:"not null" json:"email_verified"`
}

// NextStep tells the dashboard where to send the user after login
func (u AdminUser) NextStep() string {
	switch {
	case u.PasswordChangedAt == nil:
		return nextStepInitialSetup
	case !u.EmailVerified:
		return nextStepVerifyEmail
	default:
		return nextStepDashboard
	}
}

func validateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return errInvalidEmail
	}
	return nil
}

func validateNewPassword(password, confirm string) error {
	if len(password) < minPasswordLength {
		return errPasswordTooShort
	}
	if password != confirm {
		return errPasswordMismatch
	}
	return nil
}

func tokenValid(token *string, expiresAt *int64, now time.Time) bool {
	return token != nil && expiresAt != nil && now.UnixMilli() < *expiresAt
}

// getOrCreateAdmin returns the first admin user, creating it from config
// when the table is empty. The bootstrapped account counts as verified,
// but its PasswordChangedAt stays nil so the first login goes through
// initial setup.
func getOrCreateAdmin(
	ctx context.Context,
	db DBI,
	config *AdminConfig,
) (*AdminUser, error) {
	var admin AdminUser
	err := db.DB().WithContext(ctx).Order("id").Take(&admin).Error
	if err == nil {
		return &admin, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("error getting admin user: %w", err)
	}

	hash, err := hashPassword(config.Password)
	if err != nil {
		return nil, err
	}
	admin = AdminUser{
		Email:         strings.TrimSpace(config.Email),
		PasswordHash:  hash,
		EmailVerified: true,
	}
	if _, err = db.Create(ctx, &admin); err != nil {
		return nil, fmt.Errorf("error creating admin user: %w", err)
	}
	return &admin, nil
}

func adminByEmail(ctx context.Context, db *gorm.DB, email string) (*AdminUser, error) {
	return takeOne[AdminUser](db.WithContext(ctx), "email = ?", email)
}

func adminByID(ctx context.Context, db *gorm.DB, id uint) (*AdminUser, error) {
	return takeOne[AdminUser](db.WithContext(ctx), "id = ?", id)
}

// authenticateAdmin checks the email/password pair. The email is
// trimmed, and compared case-sensitively.
func authenticateAdmin(
	ctx context.Context,
	db *gorm.DB,
	email, password string,
) (*AdminUser, error) {
	admin, err := adminByEmail(ctx, db, strings.TrimSpace(email))
	if err != nil {
		return nil, err
	}
	if admin == nil {
		return nil, errInvalidCredentials
	}
	ok, err := verifyPassword(admin.PasswordHash, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errInvalidCredentials
	}
	return admin, nil
}

// setAdminPassword stores a new password hash and marks the password as
// changed. Any outstanding reset token is cleared.
func setAdminPassword(
	ctx context.Context,
	db DBI,
	admin *AdminUser,
	password string,
	now time.Time,
) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	_, err = db.Updates(
		ctx,
		admin,
		map[string]any{
			"password_hash":          hash,
			"password_changed_at":    now.UnixMilli(),
			"reset_token":            nil,
			"reset_token_expires_at": nil,
		},
	)
	return err
}

// completeInitialSetup sets the admin's email and password together.
// The new email is applied directly, and considered verified.
func completeInitialSetup(
	ctx context.Context,
	db DBI,
	admin *AdminUser,
	email, password string,
	now time.Time,
) error {
	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	_, err = db.Updates(
		ctx,
		admin,
		map[string]any{
			"email":                         email,
			"password_hash":                 hash,
			"password_changed_at":           now.UnixMilli(),
			"email_verified":                true,
			"pending_email":                 nil,
			"email_change_token":            nil,
			"email_change_token_expires_at": nil,
		},
	)
	return err
}

// issueResetToken creates a password reset token, valid for an hour
func issueResetToken(
	ctx context.Context,
	db DBI,
	admin *AdminUser,
	now time.Time,
) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	_, err = db.Updates(
		ctx,
		admin,
		map[string]any{
			"reset_token":            token,
			"reset_token_expires_at": now.Add(adminTokenTTL).UnixMilli(),
		},
	)
	return token, err
}

// adminByResetToken returns the admin holding an unexpired reset token
func adminByResetToken(
	ctx context.Context,
	db *gorm.DB,
	token string,
	now time.Time,
) (*AdminUser, error) {
	if token == "" {
		return nil, errInvalidToken
	}
	admin, err := takeOne[AdminUser](db.WithContext(ctx), "reset_token = ?", token)
	if err != nil {
		return nil, err
	}
	if admin == nil || !tokenValid(admin.ResetToken, admin.ResetTokenExpiresAt, now) {
		return nil, errInvalidToken
	}
	return admin, nil
}

// requestEmailChange records newEmail as pending, with a fresh
// confirmation token valid for an hour.
func requestEmailChange(
	ctx context.Context,
	db DBI,
	admin *AdminUser,
	newEmail string,
	now time.Time,
) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", err
	}
	_, err = db.Updates(
		ctx,
		admin,
		map[string]any{
			"pending_email":                 newEmail,
			"email_change_token":            token,
			"email_change_token_expires_at": now.Add(adminTokenTTL).UnixMilli(),
		},
	)
	return token, err
}

// refreshEmailChangeToken replaces the token for an existing pending
// email change
func refreshEmailChangeToken(
	ctx context.Context,
	db DBI,
	admin *AdminUser,
	now time.Time,
) (string, error) {
	if admin.PendingEmail == nil {
		return "", errNoPendingEmail
	}
	return requestEmailChange(ctx, db, admin, *admin.PendingEmail, now)
}

// confirmEmailChange applies the pending email for the given token
func confirmEmailChange(
	ctx context.Context,
	db DBI,
	token string,
	now time.Time,
) (*AdminUser, error) {
	if token == "" {
		return nil, errInvalidToken
	}
	admin, err := takeOne[AdminUser](db.DB().WithContext(ctx), "email_change_token = ?", token)
	if err != nil {
		return nil, err
	}
	if admin == nil ||
		admin.PendingEmail == nil ||
		!tokenValid(admin.EmailChangeToken, admin.EmailChangeTokenExpiresAt, now) {
		return nil, errInvalidToken
	}
	_, err = db.Updates(
		ctx,
		admin,
		map[string]any{
			"email":                         *admin.PendingEmail,
			"email_verified":                true,
			"pending_email":                 nil,
			"email_change_token":            nil,
			"email_change_token_expires_at": nil,
		},
	)
	if err != nil {
		return nil, err
	}
	return admin, nil
}
