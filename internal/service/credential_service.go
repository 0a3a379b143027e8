package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	config "featherpost/configs"
	"featherpost/internal/models"
	"featherpost/internal/repository"
	"golang.org/x/oauth2"
)

// CredentialService hands out usable Twitter access tokens. Refresh on
// expiry happens inside the lookup; callers never see the refresh flow.
type CredentialService interface {
	GetValidCredential(ctx context.Context, userID int64) (string, error)
	RefreshCredential(ctx context.Context, acc *models.TwitterAccount) error
}

type credentialService struct {
	cfg      config.Config
	accounts repository.TwitterAccountRepository
	oauth    *oauth2.Config
}

func NewCredentialService(cfg config.Config, accounts repository.TwitterAccountRepository) CredentialService {
	return &credentialService{
		cfg:      cfg,
		accounts: accounts,
		oauth: &oauth2.Config{
			ClientID:     cfg.TwitterClientID,
			ClientSecret: cfg.TwitterClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://twitter.com/i/oauth2/authorize",
				TokenURL:  "https://api.twitter.com/2/oauth2/token",
				AuthStyle: oauth2.AuthStyleInHeader,
			},
		},
	}
}

// Tokens about to expire within this window are refreshed before use.
const tokenExpirySkew = time.Minute

// GetValidCredential returns an access token for the user's connected
// account, or "" when the user has none or it cannot be refreshed.
func (s *credentialService) GetValidCredential(ctx context.Context, userID int64) (string, error) {
	acc, err := s.accounts.GetByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	if acc == nil || acc.AccessToken == "" {
		return "", nil
	}

	if time.Until(acc.TokenExpiresAt) > tokenExpirySkew {
		return acc.AccessToken, nil
	}

	if err := s.RefreshCredential(ctx, acc); err != nil {
		slog.Info(err.Error())
		return "", nil
	}

	return acc.AccessToken, nil
}

func (s *credentialService) RefreshCredential(ctx context.Context, acc *models.TwitterAccount) error {
	if acc.RefreshToken == "" {
		return errors.New("no refresh token stored")
	}

	stale := &oauth2.Token{
		RefreshToken: acc.RefreshToken,
		Expiry:       time.Now().Add(-time.Minute),
	}
	token, err := s.oauth.TokenSource(ctx, stale).Token()
	if err != nil {
		return fmt.Errorf("refreshing twitter token: %w", err)
	}

	// Twitter rotates refresh tokens; keep the old one if the response
	// omits a replacement.
	refreshToken := token.RefreshToken
	if refreshToken == "" {
		refreshToken = acc.RefreshToken
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = GetExpiresAt(7200)
	}

	if err := s.accounts.SetTokens(ctx, acc.UserID, token.AccessToken, refreshToken, expiresAt); err != nil {
		return err
	}

	acc.AccessToken = token.AccessToken
	acc.RefreshToken = refreshToken
	acc.TokenExpiresAt = expiresAt
	return nil
}
