package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/xid"

	"github.com/sakif/farmsync/internal/apperror"
	"github.com/sakif/farmsync/internal/model"
	"github.com/sakif/farmsync/internal/repository"
)

var _ repository.AccountRepository = (*DB)(nil)

const accountColumns = `uid, email, password_hash, github_id, created_at, updated_at`

// Create inserts a new email/password account and fills in its UID and
// timestamps. A second password account for the same email is a conflict.
func (db *DB) Create(ctx context.Context, account *model.Account) error {
	account.Email = strings.ToLower(strings.TrimSpace(account.Email))
	now := db.now()
	account.UID = xid.New().String()
	account.CreatedAt = now
	account.UpdatedAt = now

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		account.UID,
		account.Email,
		account.PasswordHash,
		nullableInt(account.GitHubID),
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("account", account.Email)
		}
		return fmt.Errorf("sqlite: creating account: %w", err)
	}
	return nil
}

// GetAccountByID returns apperror.ErrNotFound when uid is unknown.
func (db *DB) GetAccountByID(ctx context.Context, uid string) (*model.Account, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE uid = ?`, uid)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", uid)
		}
		return nil, fmt.Errorf("sqlite: getting account %s: %w", uid, err)
	}
	return a, nil
}

// GetByEmail looks up the password account registered with email.
func (db *DB) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE email = ? AND password_hash <> ''`, email)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", email)
		}
		return nil, fmt.Errorf("sqlite: getting account by email: %w", err)
	}
	return a, nil
}

// UpsertGitHub creates the account for account.GitHubID on first sign-in and
// refreshes its email afterwards. The UID never changes once issued, so every
// per-identity record stays reachable across sign-ins.
func (db *DB) UpsertGitHub(ctx context.Context, account *model.Account) error {
	if account.GitHubID == nil {
		return apperror.ValidationFailed("githubId", "github id is required")
	}

	existing, err := scanAccount(db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE github_id = ?`, *account.GitHubID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("sqlite: looking up account by github_id %d: %w", *account.GitHubID, err)
	}

	now := db.now()
	if existing != nil {
		account.UID = existing.UID
		account.CreatedAt = existing.CreatedAt
		account.UpdatedAt = now
		_, err = db.conn.ExecContext(ctx,
			`UPDATE accounts SET email = ?, updated_at = ? WHERE uid = ?`,
			account.Email, account.UpdatedAt, account.UID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: updating account %s: %w", account.UID, err)
		}
		return nil
	}

	account.UID = xid.New().String()
	account.CreatedAt = now
	account.UpdatedAt = now
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`) VALUES (?, ?, '', ?, ?, ?)`,
		account.UID, account.Email, *account.GitHubID, account.CreatedAt, account.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting account (githubID=%d): %w", *account.GitHubID, err)
	}
	return nil
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	var (
		a        model.Account
		githubID sql.NullInt64
	)
	if err := row.Scan(&a.UID, &a.Email, &a.PasswordHash, &githubID, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if githubID.Valid {
		id := githubID.Int64
		a.GitHubID = &id
	}
	return &a, nil
}

func nullableInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
