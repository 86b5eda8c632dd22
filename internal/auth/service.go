package auth

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/helixlabs/lims/internal/apperr"
	"github.com/helixlabs/lims/internal/clock"
	"github.com/helixlabs/lims/internal/events"
	"github.com/helixlabs/lims/internal/idgen"
)

// Config holds the auth core's tunables.
type Config struct {
	Policy                   PasswordPolicy
	MaxFailedLogins          int           // lockout threshold (default 5)
	LockoutDuration          time.Duration // default 30m
	SessionTTL               time.Duration // default 24h
	RefreshTTL               time.Duration // default 720h
	ResetTokenTTL            time.Duration // default 1h
	VerificationTokenTTL     time.Duration // default 24h
	RequireEmailVerification bool
	IssueRefreshTokens       bool
}

// DefaultConfig matches the shipped deployment values.
func DefaultConfig() Config {
	return Config{
		Policy:                   DefaultPasswordPolicy(),
		MaxFailedLogins:          5,
		LockoutDuration:          30 * time.Minute,
		SessionTTL:               24 * time.Hour,
		RefreshTTL:               30 * 24 * time.Hour,
		ResetTokenTTL:            time.Hour,
		VerificationTokenTTL:     24 * time.Hour,
		RequireEmailVerification: false,
		IssueRefreshTokens:       true,
	}
}

// ResetNotifier hands raw reset/verification tokens to the notification
// adapter. The token is not retained anywhere else.
type ResetNotifier interface {
	SendPasswordReset(ctx context.Context, email, token string) error
	SendVerification(ctx context.Context, email, token string) error
}

// ClaimsCache is an optional read-through cache for token validation
// (backed by Redis in production). Keys are token hashes.
type ClaimsCache interface {
	GetClaims(ctx context.Context, tokenHash string) (*Claims, bool)
	PutClaims(ctx context.Context, tokenHash string, c *Claims, ttl time.Duration)
	Invalidate(ctx context.Context, tokenHashes ...string)
}

// Service is the authentication and session core.
type Service struct {
	store    Store
	cfg      Config
	clock    clock.Clock
	ids      idgen.Generator
	bus      events.Emitter
	notifier ResetNotifier
	cache    ClaimsCache
	logger   *log.Logger
}

// NewService wires the auth core. bus, notifier and cache may be nil.
func NewService(store Store, cfg Config, clk clock.Clock, ids idgen.Generator, bus events.Emitter, notifier ResetNotifier, cache ClaimsCache) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if ids == nil {
		ids = idgen.UUIDGenerator{}
	}
	return &Service{
		store:    store,
		cfg:      cfg,
		clock:    clk,
		ids:      ids,
		bus:      bus,
		notifier: notifier,
		cache:    cache,
		logger:   log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
	}
}

// CreateUser registers an account. When email verification is required the
// account starts in PendingVerification and a 24 h verification token is
// handed to the notifier.
func (s *Service) CreateUser(ctx context.Context, email, password string, role Role, profile map[string]interface{}) (*User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.New(apperr.KindValidation, "email is not valid")
	}
	if err := s.cfg.Policy.Check(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "hash password", err)
	}

	now := s.clock.Now()
	user := &User{
		ID:                s.ids.NewID(),
		Email:             email,
		PasswordHash:      hash,
		Role:              role,
		Status:            StatusActive,
		EmailVerified:     true,
		PasswordChangedAt: now,
		Profile:           profile,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if s.cfg.RequireEmailVerification {
		user.Status = StatusPendingVerification
		user.EmailVerified = false
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	if s.cfg.RequireEmailVerification {
		token, err := s.issueOneTimeToken(ctx, user.ID, PurposeVerification, s.cfg.VerificationTokenTTL)
		if err != nil {
			return nil, err
		}
		s.deliver(func(ctx context.Context) error {
			return s.notifier.SendVerification(ctx, user.Email, token)
		})
	}
	return user, nil
}

// Login verifies credentials and issues a session token pair.
func (s *Service) Login(ctx context.Context, email, password string) (*Credentials, error) {
	now := s.clock.Now()
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		// Burn a verification anyway so existing and unknown emails take the
		// same time.
		VerifyPassword(dummyHash, password)
		return nil, apperr.New(apperr.KindInvalidCredentials, "invalid email or password")
	}

	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		return nil, apperr.New(apperr.KindAccountLocked, "account is locked").
			WithDetail("locked_until", user.LockedUntil)
	}
	// Admin-locked accounts have no expiry window.
	if user.Status == StatusLocked && user.LockedUntil == nil {
		return nil, apperr.New(apperr.KindAccountLocked, "account is locked")
	}
	if user.Status == StatusInactive {
		return nil, apperr.New(apperr.KindAccountDisabled, "account is disabled")
	}
	if !user.EmailVerified {
		return nil, apperr.New(apperr.KindAccountNotVerified, "email address not verified")
	}

	if !VerifyPassword(user.PasswordHash, password) {
		return nil, s.recordFailedLogin(ctx, user, now)
	}

	// Success: clear counters, stamp last login.
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	if user.Status == StatusLocked {
		user.Status = StatusActive
	}
	t := now
	user.LastLogin = &t
	user.UpdatedAt = now
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, err
	}

	creds, _, err := s.issueSession(ctx, user, now)
	if err != nil {
		return nil, err
	}
	s.emit(ctx, events.TypeAuthLoginSucceeded, user.ID, "", nil)
	return creds, nil
}

// ValidateToken resolves a bearer token to its claims, updating last_used_at.
func (s *Service) ValidateToken(ctx context.Context, token string) (*Claims, error) {
	now := s.clock.Now()
	hash := idgen.HashToken(token)

	if s.cache != nil {
		if claims, ok := s.cache.GetClaims(ctx, hash); ok {
			// Cache hits still honor expiry; the cache TTL is shorter than
			// the session TTL but a clock advance must not resurrect tokens.
			if !now.Before(claims.ExpiresAt) {
				s.cache.Invalidate(ctx, hash)
				return nil, apperr.New(apperr.KindTokenExpired, "session expired")
			}
			_ = s.store.TouchSession(ctx, claims.SessionID, now)
			return claims, nil
		}
	}

	sess, err := s.store.GetSessionByTokenHash(ctx, hash)
	if err != nil {
		return nil, apperr.New(apperr.KindTokenInvalid, "token not recognized")
	}
	if sess.Revoked() {
		return nil, apperr.New(apperr.KindTokenInvalid, "session revoked")
	}
	// A token exactly at expires_at is invalid.
	if !now.Before(sess.ExpiresAt) {
		return nil, apperr.New(apperr.KindTokenExpired, "session expired")
	}

	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, apperr.New(apperr.KindSessionNotFound, "session user no longer exists")
	}

	if err := s.store.TouchSession(ctx, sess.ID, now); err != nil {
		return nil, err
	}

	claims := &Claims{UserID: user.ID, Role: user.Role, SessionID: sess.ID, ExpiresAt: sess.ExpiresAt}
	if s.cache != nil {
		s.cache.PutClaims(ctx, hash, claims, time.Minute)
	}
	return claims, nil
}

// Refresh atomically consumes a refresh token and issues a new access+refresh
// pair bound to the same user.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	now := s.clock.Now()
	sess, err := s.store.GetSessionByRefreshHash(ctx, idgen.HashToken(refreshToken))
	if err != nil {
		return nil, apperr.New(apperr.KindTokenInvalid, "refresh token not recognized")
	}
	if sess.Revoked() {
		return nil, apperr.New(apperr.KindTokenInvalid, "refresh token revoked")
	}
	if !now.Before(sess.IssuedAt.Add(s.cfg.RefreshTTL)) {
		return nil, apperr.New(apperr.KindTokenExpired, "refresh token expired")
	}

	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if err != nil {
		return nil, apperr.New(apperr.KindSessionNotFound, "session user no longer exists")
	}

	creds, replacement, err := s.buildSession(user, now)
	if err != nil {
		return nil, err
	}
	if err := s.store.RotateSession(ctx, sess.ID, now, replacement); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, sess.TokenHash)
	}
	return creds, nil
}

// Logout revokes the session behind a bearer token. Idempotent.
func (s *Service) Logout(ctx context.Context, token string) error {
	hash := idgen.HashToken(token)
	sess, err := s.store.GetSessionByTokenHash(ctx, hash)
	if err != nil {
		return nil
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, hash)
	}
	return s.store.RevokeSession(ctx, sess.ID, s.clock.Now())
}

// ForgotPassword stores a one-hour reset token and hands it to the
// notification adapter. The response is identical whether or not the email
// exists; delivery happens off the request path so timing does not leak
// account existence.
func (s *Service) ForgotPassword(ctx context.Context, email string) error {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil
	}
	token, err := s.issueOneTimeToken(ctx, user.ID, PurposeReset, s.cfg.ResetTokenTTL)
	if err != nil {
		return err
	}
	s.deliver(func(ctx context.Context) error {
		return s.notifier.SendPasswordReset(ctx, user.Email, token)
	})
	return nil
}

// ResetPassword rotates the password behind a valid reset token, marks the
// token used, and revokes every outstanding session for the user.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	now := s.clock.Now()
	rec, err := s.store.GetToken(ctx, PurposeReset, idgen.HashToken(token))
	if err != nil {
		return err
	}
	if rec.Used {
		return apperr.New(apperr.KindTokenInvalid, "reset token already used")
	}
	if !now.Before(rec.ExpiresAt) {
		return apperr.New(apperr.KindTokenExpired, "reset token expired")
	}
	if err := s.cfg.Policy.Check(newPassword); err != nil {
		return err
	}

	user, err := s.store.GetUserByID(ctx, rec.UserID)
	if err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "hash password", err)
	}
	user.PasswordHash = hash
	user.PasswordChangedAt = now
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	if user.Status == StatusLocked {
		user.Status = StatusActive
	}
	user.UpdatedAt = now
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return err
	}
	if err := s.store.MarkTokenUsed(ctx, rec.ID); err != nil {
		return err
	}

	revoked, err := s.store.RevokeUserSessions(ctx, user.ID, now)
	if err != nil {
		return err
	}
	if s.cache != nil {
		hashes := make([]string, 0, len(revoked))
		for _, sess := range revoked {
			hashes = append(hashes, sess.TokenHash)
		}
		s.cache.Invalidate(ctx, hashes...)
	}

	s.emit(ctx, events.TypeAuthPasswordReset, user.ID, "", map[string]interface{}{
		"sessions_revoked": len(revoked),
	})
	return nil
}

// VerifyEmail consumes a verification token and activates the account.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	now := s.clock.Now()
	rec, err := s.store.GetToken(ctx, PurposeVerification, idgen.HashToken(token))
	if err != nil {
		return err
	}
	if rec.Used {
		return apperr.New(apperr.KindTokenInvalid, "verification token already used")
	}
	if !now.Before(rec.ExpiresAt) {
		return apperr.New(apperr.KindTokenExpired, "verification token expired")
	}

	user, err := s.store.GetUserByID(ctx, rec.UserID)
	if err != nil {
		return err
	}
	user.EmailVerified = true
	if user.Status == StatusPendingVerification {
		user.Status = StatusActive
	}
	user.UpdatedAt = now
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return err
	}
	return s.store.MarkTokenUsed(ctx, rec.ID)
}

// --- internal helpers ---

// dummyHash is verified against on unknown-email logins to keep response
// times uniform. Generated once; the password behind it is never used.
var dummyHash = func() string {
	h, _ := HashPassword("lims-timing-equalizer-0")
	return h
}()

func (s *Service) recordFailedLogin(ctx context.Context, user *User, now time.Time) error {
	user.FailedLoginAttempts++
	user.UpdatedAt = now

	locked := user.FailedLoginAttempts >= s.cfg.MaxFailedLogins
	if locked {
		until := now.Add(s.cfg.LockoutDuration)
		user.LockedUntil = &until
		user.Status = StatusLocked
	}
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return err
	}

	s.emit(ctx, events.TypeAuthLoginFailed, user.ID, "", map[string]interface{}{
		"failed_attempts": user.FailedLoginAttempts,
	})
	if locked {
		s.logger.Printf("account %s locked until %s after %d failed logins",
			user.ID, user.LockedUntil.Format(time.RFC3339), user.FailedLoginAttempts)
		s.emit(ctx, events.TypeAuthAccountLocked, user.ID, "", map[string]interface{}{
			"locked_until": user.LockedUntil,
		})
		return apperr.New(apperr.KindAccountLocked, "account is locked").
			WithDetail("locked_until", user.LockedUntil)
	}
	return apperr.New(apperr.KindInvalidCredentials, "invalid email or password")
}

func (s *Service) buildSession(user *User, now time.Time) (*Credentials, *Session, error) {
	token, err := idgen.NewToken()
	if err != nil {
		return nil, nil, apperr.Wrap(apperr.KindInternal, "generate session token", err)
	}
	sess := &Session{
		ID:         s.ids.NewID(),
		UserID:     user.ID,
		TokenHash:  idgen.HashToken(token),
		IssuedAt:   now,
		ExpiresAt:  now.Add(s.cfg.SessionTTL),
		LastUsedAt: now,
	}
	creds := &Credentials{Token: token, ExpiresAt: sess.ExpiresAt}

	if s.cfg.IssueRefreshTokens {
		refresh, err := idgen.NewToken()
		if err != nil {
			return nil, nil, apperr.Wrap(apperr.KindInternal, "generate refresh token", err)
		}
		sess.RefreshTokenHash = idgen.HashToken(refresh)
		creds.RefreshToken = refresh
	}
	return creds, sess, nil
}

func (s *Service) issueSession(ctx context.Context, user *User, now time.Time) (*Credentials, *Session, error) {
	creds, sess, err := s.buildSession(user, now)
	if err != nil {
		return nil, nil, err
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, nil, err
	}
	return creds, sess, nil
}

func (s *Service) issueOneTimeToken(ctx context.Context, userID string, purpose TokenPurpose, ttl time.Duration) (string, error) {
	token, err := idgen.NewToken()
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "generate token", err)
	}
	now := s.clock.Now()
	rec := &OneTimeToken{
		ID:        s.ids.NewID(),
		UserID:    userID,
		TokenHash: idgen.HashToken(token),
		Purpose:   purpose,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.store.CreateToken(ctx, rec); err != nil {
		return "", err
	}
	return token, nil
}

// deliver runs a notifier call off the request path; nil notifier is a no-op.
func (s *Service) deliver(fn func(context.Context) error) {
	if s.notifier == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.logger.Printf("notification delivery failed: %v", err)
		}
	}()
}

func (s *Service) emit(ctx context.Context, eventType, userID, correlationID string, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, events.Event{
		Type:          eventType,
		Source:        "auth-service",
		EntityType:    "user",
		EntityID:      userID,
		CorrelationID: correlationID,
		Payload:       payload,
	})
}
