package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/helixlabs/lims/internal/apperr"
)

// PostgresStore is the production Store. Reset and verification tokens live
// in separate tables; the purpose field routes between them.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// uniqueViolation is the Postgres error code for duplicate keys.
const uniqueViolation = pq.ErrorCode("23505")

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

func (s *PostgresStore) CreateUser(ctx context.Context, u *User) error {
	profile, _ := json.Marshal(u.Profile)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users
			(id, email, password_hash, role, status, failed_login_attempts, locked_until,
			 email_verified, last_login, password_changed_at, profile, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		u.ID, strings.ToLower(u.Email), u.PasswordHash, u.Role, u.Status,
		u.FailedLoginAttempts, u.LockedUntil, u.EmailVerified, u.LastLogin,
		u.PasswordChangedAt, profile, u.CreatedAt, u.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return apperr.Newf(apperr.KindDuplicateEmail, "email %s already registered", u.Email)
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const userColumns = `id, email, password_hash, role, status, failed_login_attempts,
	locked_until, email_verified, last_login, password_changed_at, profile, created_at, updated_at`

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, strings.ToLower(email))
	return scanUser(row)
}

func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		u       User
		profile []byte
	)
	err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Role, &u.Status,
		&u.FailedLoginAttempts, &u.LockedUntil, &u.EmailVerified, &u.LastLogin,
		&u.PasswordChangedAt, &profile, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindNotFound, "user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if len(profile) > 0 {
		json.Unmarshal(profile, &u.Profile)
	}
	return &u, nil
}

func (s *PostgresStore) UpdateUser(ctx context.Context, u *User) error {
	profile, _ := json.Marshal(u.Profile)
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			password_hash = $2, role = $3, status = $4, failed_login_attempts = $5,
			locked_until = $6, email_verified = $7, last_login = $8,
			password_changed_at = $9, profile = $10, updated_at = $11
		WHERE id = $1`,
		u.ID, u.PasswordHash, u.Role, u.Status, u.FailedLoginAttempts,
		u.LockedUntil, u.EmailVerified, u.LastLogin, u.PasswordChangedAt,
		profile, u.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "user not found")
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, user_id, token_hash, refresh_token_hash, issued_at, expires_at, last_used_at, revoked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		sess.ID, sess.UserID, sess.TokenHash, nullStr(sess.RefreshTokenHash),
		sess.IssuedAt, sess.ExpiresAt, sess.LastUsedAt, sess.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

const sessionColumns = `id, user_id, token_hash, refresh_token_hash, issued_at, expires_at, last_used_at, revoked_at`

func (s *PostgresStore) GetSessionByTokenHash(ctx context.Context, hash string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE token_hash = $1`, hash)
	return scanSession(row)
}

func (s *PostgresStore) GetSessionByRefreshHash(ctx context.Context, hash string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = $1`, hash)
	return scanSession(row)
}

func scanSession(row *sql.Row) (*Session, error) {
	var (
		sess    Session
		refresh sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &refresh,
		&sess.IssuedAt, &sess.ExpiresAt, &sess.LastUsedAt, &sess.RevokedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindSessionNotFound, "session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.RefreshTokenHash = refresh.String
	return &sess, nil
}

func (s *PostgresStore) TouchSession(ctx context.Context, id string, usedAt time.Time) error {
	// GREATEST keeps last_used_at monotonic even with racing validators.
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_used_at = GREATEST(last_used_at, $2) WHERE id = $1`, id, usedAt)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeSession(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeUserSessions(ctx context.Context, userID string, at time.Time) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE sessions SET revoked_at = $2
		WHERE user_id = $1 AND revoked_at IS NULL
		RETURNING `+sessionColumns,
		userID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("revoke user sessions: %w", err)
	}
	defer rows.Close()

	var revoked []*Session
	for rows.Next() {
		var (
			sess    Session
			refresh sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &refresh,
			&sess.IssuedAt, &sess.ExpiresAt, &sess.LastUsedAt, &sess.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan revoked session: %w", err)
		}
		sess.RefreshTokenHash = refresh.String
		revoked = append(revoked, &sess)
	}
	return revoked, rows.Err()
}

func (s *PostgresStore) RotateSession(ctx context.Context, oldID string, at time.Time, replacement *Session) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, oldID, at)
	if err != nil {
		return fmt.Errorf("revoke old session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindTokenInvalid, "refresh token already consumed")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions
			(id, user_id, token_hash, refresh_token_hash, issued_at, expires_at, last_used_at, revoked_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		replacement.ID, replacement.UserID, replacement.TokenHash, nullStr(replacement.RefreshTokenHash),
		replacement.IssuedAt, replacement.ExpiresAt, replacement.LastUsedAt, replacement.RevokedAt,
	)
	if err != nil {
		return fmt.Errorf("insert replacement session: %w", err)
	}
	return tx.Commit()
}

func (s *PostgresStore) CreateToken(ctx context.Context, t *OneTimeToken) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO `+tokenTable(t.Purpose)+` (id, user_id, token_hash, expires_at, used, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		t.ID, t.UserID, t.TokenHash, t.ExpiresAt, t.Used, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert %s token: %w", t.Purpose, err)
	}
	return nil
}

func (s *PostgresStore) GetToken(ctx context.Context, purpose TokenPurpose, hash string) (*OneTimeToken, error) {
	var t OneTimeToken
	t.Purpose = purpose
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, expires_at, used, created_at
		FROM `+tokenTable(purpose)+` WHERE token_hash = $1`, hash,
	).Scan(&t.ID, &t.UserID, &t.TokenHash, &t.ExpiresAt, &t.Used, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apperr.New(apperr.KindTokenInvalid, "token not recognized")
	}
	if err != nil {
		return nil, fmt.Errorf("scan %s token: %w", purpose, err)
	}
	return &t, nil
}

func (s *PostgresStore) MarkTokenUsed(ctx context.Context, id string) error {
	// The id is unique across both tables (uuid), try reset first.
	res, err := s.db.ExecContext(ctx, `UPDATE reset_tokens SET used = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark reset token used: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	res, err = s.db.ExecContext(ctx, `UPDATE verification_tokens SET used = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark verification token used: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindTokenInvalid, "token not recognized")
	}
	return nil
}

func tokenTable(purpose TokenPurpose) string {
	if purpose == PurposeVerification {
		return "verification_tokens"
	}
	return "reset_tokens"
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
