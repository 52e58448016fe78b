package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/turismo/server/internal/apperr"
	"github.com/turismo/server/internal/model"
)

const (
	// DefaultRole is granted when a user has no assigned roles.
	DefaultRole = "VISITOR"

	// totpSkewSteps is the accepted clock skew for TOTP logins, in 30 s steps.
	totpSkewSteps = 1

	sendTimeout = 10 * time.Second
)

// UserDirectory is the user lookup and lockout-bookkeeping collaborator
type UserDirectory interface {
	FindByEmail(ctx context.Context, email string) (model.User, error)
	IsActiveByEmail(ctx context.Context, email string) (bool, error)
	FindRoleNames(ctx context.Context, email string) ([]string, error)
	RegisterOtpFail(ctx context.Context, email string) error
	RegisterSuccessfulLogin(ctx context.Context, email string) error
	ResetLockIfExpired(ctx context.Context, email string) error
}

// CodeSender delivers verification codes to users
type CodeSender interface {
	SendVerificationCode(ctx context.Context, email, code string, expiresAt time.Time) error
}

// Service orchestrates one-time-code and TOTP logins
type Service struct {
	users    UserDirectory
	sender   CodeSender
	codes    *CodeStore
	sessions *SessionStore
	tokens   *TokenService
	now      func() time.Time
}

// NewService creates a new auth service
func NewService(
	users UserDirectory,
	sender CodeSender,
	codes *CodeStore,
	sessions *SessionStore,
	tokens *TokenService,
) *Service {
	return &Service{
		users:    users,
		sender:   sender,
		codes:    codes,
		sessions: sessions,
		tokens:   tokens,
		now:      time.Now,
	}
}

// SendVerificationCode issues a fresh one-time code for email, stores it
// with a 5-minute expiry and hands it to the sender. Delivery runs in the
// background; a delivery failure is logged, never surfaced as an auth
// failure (the user can re-request). The code is returned for dev-mode
// exposure and tests.
func (s *Service) SendVerificationCode(ctx context.Context, email string) (string, error) {
	email = NormalizeEmail(email)

	active, err := s.users.IsActiveByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("check active user: %w", err)
	}
	if !active {
		return "", apperr.Unauthorized("unknown_user", "unknown or inactive user")
	}

	if err := s.users.ResetLockIfExpired(ctx, email); err != nil {
		return "", fmt.Errorf("reset expired lock: %w", err)
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	expiresAt := s.now().Add(CodeTTL)
	s.codes.Store(email, code)

	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := s.sender.SendVerificationCode(sendCtx, email, code, expiresAt); err != nil {
			log.Printf("auth: deliver verification code to %s: %v", maskEmail(email), err)
		}
	}()

	return code, nil
}

// Authenticate redeems a one-time code for a signed session token. The code
// is single-use: a successful login invalidates it, so replay fails. A
// mismatch registers a failed attempt, which the user directory may convert
// into a lockout.
func (s *Service) Authenticate(ctx context.Context, email, code, ip string) (string, error) {
	email = NormalizeEmail(email)

	user, err := s.requireActiveUnlocked(ctx, email)
	if err != nil {
		return "", err
	}

	stored, ok := s.codes.Get(email)
	if !ok {
		return "", apperr.Unauthorized("code_expired", "verification code expired or not requested")
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(code)) != 1 {
		if err := s.users.RegisterOtpFail(ctx, email); err != nil {
			log.Printf("auth: register failed attempt for %s: %v", maskEmail(email), err)
		}
		return "", apperr.Unauthorized("invalid_code", "verification code does not match")
	}

	s.codes.Invalidate(email)
	return s.openSession(ctx, user, ip)
}

// AuthenticateTOTP logs in a user with an enrolled authenticator app code
func (s *Service) AuthenticateTOTP(ctx context.Context, email, code, ip string) (string, error) {
	email = NormalizeEmail(email)

	user, err := s.requireActiveUnlocked(ctx, email)
	if err != nil {
		return "", err
	}
	if !user.TOTPEnabled || user.TOTPSecret == "" {
		return "", apperr.Unauthorized("totp_not_enrolled", "TOTP is not enabled for this account")
	}

	if !VerifyTOTPAt(user.TOTPSecret, code, s.now(), totpSkewSteps) {
		if err := s.users.RegisterOtpFail(ctx, email); err != nil {
			log.Printf("auth: register failed attempt for %s: %v", maskEmail(email), err)
		}
		return "", apperr.Unauthorized("invalid_code", "verification code does not match")
	}

	return s.openSession(ctx, user, ip)
}

// ValidateSession reports whether token identifies a live session for
// callerIP. Both the signature and the revocable store entry must check out;
// a cryptographically valid token that was evicted from the store is
// invalid.
func (s *Service) ValidateSession(token, callerIP string) (Session, bool) {
	if _, err := s.tokens.Verify(token); err != nil {
		s.sessions.Revoke(token)
		return Session{}, false
	}
	return s.sessions.Validate(token, callerIP)
}

// Logout revokes the session for token
func (s *Service) Logout(token string) {
	s.sessions.Revoke(token)
}

func (s *Service) requireActiveUnlocked(ctx context.Context, email string) (model.User, error) {
	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return model.User{}, apperr.Unauthorized("unknown_user", "unknown or inactive user")
		}
		return model.User{}, fmt.Errorf("find user: %w", err)
	}
	if !user.Active {
		return model.User{}, apperr.Unauthorized("unknown_user", "unknown or inactive user")
	}
	if user.LockedUntil != nil && s.now().Before(*user.LockedUntil) {
		return model.User{}, apperr.Unauthorized("account_locked", "account is temporarily locked")
	}
	return user, nil
}

// openSession clears lockout state, resolves roles, signs a token and
// records the revocable session.
func (s *Service) openSession(ctx context.Context, user model.User, ip string) (string, error) {
	if err := s.users.RegisterSuccessfulLogin(ctx, user.Email); err != nil {
		log.Printf("auth: register successful login for %s: %v", maskEmail(user.Email), err)
	}

	roles, err := s.users.FindRoleNames(ctx, user.Email)
	if err != nil {
		return "", fmt.Errorf("find roles: %w", err)
	}
	if len(roles) == 0 {
		roles = []string{DefaultRole}
	}

	token, err := s.tokens.Sign(user.Email, roles)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	s.sessions.Put(token, Session{Email: user.Email, Roles: roles, IP: ip})
	return token, nil
}

// NormalizeEmail trims and lowercases an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// generateCode returns a cryptographically random zero-padded 6-digit code,
// uniform over 000000-999999.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// maskEmail masks the local part of an email for logging (e.g. an***@example.com)
func maskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return "***"
	}
	keep := 2
	if at < keep {
		keep = at
	}
	return email[:keep] + strings.Repeat("*", at-keep) + email[at:]
}
