package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"featherpost/internal/models"
)

type TwitterAccountRepository interface {
	GetByUserID(ctx context.Context, userID int64) (*models.TwitterAccount, error)
	SetTokens(ctx context.Context, userID int64, accessToken, refreshToken string, expiresAt time.Time) error
	ListExpiringBetween(ctx context.Context, initialTime, finalTime time.Time) ([]*models.TwitterAccount, error)
}

type twitterAccountRepository struct {
	db *sql.DB
}

func NewTwitterAccountRepository(db *sql.DB) TwitterAccountRepository {
	return &twitterAccountRepository{db: db}
}

const accountColumns = `id, user_id, twitter_user_id, username, access_token, refresh_token, token_expires_at, scope, created_at, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*models.TwitterAccount, error) {
	var acc models.TwitterAccount
	err := row.Scan(
		&acc.ID,
		&acc.UserID,
		&acc.TwitterUserID,
		&acc.Username,
		&acc.AccessToken,
		&acc.RefreshToken,
		&acc.TokenExpiresAt,
		&acc.Scope,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *twitterAccountRepository) GetByUserID(ctx context.Context, userID int64) (*models.TwitterAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM twitter_accounts WHERE user_id = $1`
	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, userID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return acc, nil
}

func (r *twitterAccountRepository) SetTokens(ctx context.Context, userID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `
		UPDATE twitter_accounts
		SET access_token = $1,
			refresh_token = $2,
			token_expires_at = $3,
			updated_at = $4
		WHERE user_id = $5
	`
	_, err := r.db.ExecContext(ctx, query, accessToken, refreshToken, expiresAt, time.Now(), userID)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *twitterAccountRepository) ListExpiringBetween(ctx context.Context, initialTime, finalTime time.Time) ([]*models.TwitterAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM twitter_accounts WHERE token_expires_at >= $1 AND token_expires_at <= $2`

	rows, err := r.db.QueryContext(ctx, query, initialTime, finalTime)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.TwitterAccount
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}
