package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"authgate/internal/mfa"
)

// Repository backs user credentials and MFA enrollment with Postgres. It
// also satisfies the mfa.SecretSource and mfa.BackupCodeStore contracts.
type Repository struct {
	db      *sql.DB
	secrets *secretBox
}

func NewRepository(db *sql.DB, encryptionKey string) (*Repository, error) {
	box, err := newSecretBox(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("init secret box: %w", err)
	}
	return &Repository{db: db, secrets: box}, nil
}

const userColumns = `id, username, email, phone, first_name, last_name, password_hash, mfa_enabled, mfa_method, created_at, updated_at`

func scanUser(row *sql.Row) (User, error) {
	var user User
	var email, phone, firstName, lastName, mfaMethod sql.NullString
	err := row.Scan(&user.ID, &user.Username, &email, &phone, &firstName, &lastName,
		&user.PasswordHash, &user.MFAEnabled, &mfaMethod, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return User{}, err
	}
	user.Email = email.String
	user.Phone = phone.String
	user.FirstName = firstName.String
	user.LastName = lastName.String
	user.MFAMethod = mfa.ProviderType(mfaMethod.String)
	return user, nil
}

func (r *Repository) GetByUsername(ctx context.Context, username string) (User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE username = $1
	`, username)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by username: %w", err)
	}
	return user, nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (User, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}
	return user, nil
}

func (r *Repository) Create(ctx context.Context, user User, plainPassword string) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plainPassword), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hash password: %w", err)
	}

	now := time.Now().UTC()
	user.ID = id.String()
	user.PasswordHash = string(hash)
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO users (id, username, email, phone, first_name, last_name, password_hash, mfa_enabled, mfa_method, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, FALSE, NULL, $8, $8)
	`, user.ID, user.Username, user.Email, user.Phone, user.FirstName, user.LastName, user.PasswordHash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrUserExists
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

// EnableMFA records the channel and sealed TOTP secret after enrollment.
func (r *Repository) EnableMFA(ctx context.Context, userID string, method mfa.ProviderType, totpSecret string) error {
	var sealed any
	if totpSecret != "" {
		encrypted, err := r.secrets.seal(totpSecret)
		if err != nil {
			return fmt.Errorf("seal totp secret: %w", err)
		}
		sealed = encrypted
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET mfa_enabled = TRUE, mfa_method = $2, totp_secret = $3, updated_at = $4
		WHERE id = $1
	`, userID, string(method), sealed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("enable mfa: %w", err)
	}
	return nil
}

func (r *Repository) DisableMFA(ctx context.Context, userID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin disable mfa tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET mfa_enabled = FALSE, mfa_method = NULL, totp_secret = NULL, updated_at = $2
		WHERE id = $1
	`, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("disable mfa: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete backup codes: %w", err)
	}

	return tx.Commit()
}

// TOTPSecret implements mfa.SecretSource.
func (r *Repository) TOTPSecret(ctx context.Context, userID string) (string, error) {
	var sealed sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT totp_secret FROM users WHERE id = $1
	`, userID).Scan(&sealed)
	if err != nil {
		return "", fmt.Errorf("query totp secret: %w", err)
	}
	if !sealed.Valid || sealed.String == "" {
		return "", fmt.Errorf("user %s has no totp secret", userID)
	}

	secret, err := r.secrets.open(sealed.String)
	if err != nil {
		return "", fmt.Errorf("open totp secret: %w", err)
	}
	return secret, nil
}

// BackupCodeHashes implements mfa.BackupCodeStore.
func (r *Repository) BackupCodeHashes(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT code_hash FROM auth_backup_codes WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query backup codes: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan backup code: %w", err)
		}
		hashes = append(hashes, hash)
	}
	return hashes, rows.Err()
}

// ConsumeBackupCode deletes the matched hash so the code works exactly once.
func (r *Repository) ConsumeBackupCode(ctx context.Context, userID, hash string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM auth_backup_codes WHERE user_id = $1 AND code_hash = $2
	`, userID, hash)
	if err != nil {
		return fmt.Errorf("consume backup code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("consume backup code rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("backup code already used")
	}
	return nil
}

// ReplaceBackupCodes swaps the full set at (re-)enrollment.
func (r *Repository) ReplaceBackupCodes(ctx context.Context, userID string, hashes []string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin backup codes tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM auth_backup_codes WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("clear backup codes: %w", err)
	}

	now := time.Now().UTC()
	for _, hash := range hashes {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate backup code id: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auth_backup_codes (id, user_id, code_hash, created_at)
			VALUES ($1, $2, $3, $4)
		`, id.String(), userID, hash, now); err != nil {
			return fmt.Errorf("insert backup code: %w", err)
		}
	}

	return tx.Commit()
}

func isUniqueViolation(err error) bool {
	// pgx surfaces SQLSTATE 23505 in the error text through database/sql.
	return err != nil && (strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key"))
}
