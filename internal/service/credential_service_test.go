package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	config "featherpost/configs"
	"featherpost/internal/models"
)

type fakeAccountRepo struct {
	account *models.TwitterAccount
	getErr  error
}

func (f *fakeAccountRepo) GetByUserID(ctx context.Context, userID int64) (*models.TwitterAccount, error) {
	return f.account, f.getErr
}

func (f *fakeAccountRepo) SetTokens(ctx context.Context, userID int64, accessToken, refreshToken string, expiresAt time.Time) error {
	f.account.AccessToken = accessToken
	f.account.RefreshToken = refreshToken
	f.account.TokenExpiresAt = expiresAt
	return nil
}

func (f *fakeAccountRepo) ListExpiringBetween(ctx context.Context, initialTime, finalTime time.Time) ([]*models.TwitterAccount, error) {
	return nil, nil
}

func TestGetValidCredentialNoAccount(t *testing.T) {
	s := NewCredentialService(config.Config{}, &fakeAccountRepo{})

	token, err := s.GetValidCredential(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestGetValidCredentialStoreError(t *testing.T) {
	s := NewCredentialService(config.Config{}, &fakeAccountRepo{getErr: errors.New("connection refused")})

	_, err := s.GetValidCredential(context.Background(), 1)
	assert.Error(t, err)
}

func TestGetValidCredentialFreshToken(t *testing.T) {
	repo := &fakeAccountRepo{account: &models.TwitterAccount{
		UserID:         1,
		AccessToken:    "fresh-token",
		RefreshToken:   "refresh",
		TokenExpiresAt: time.Now().Add(time.Hour),
	}}
	s := NewCredentialService(config.Config{}, repo)

	token, err := s.GetValidCredential(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", token)
}

func TestRefreshCredentialNeedsRefreshToken(t *testing.T) {
	s := NewCredentialService(config.Config{}, &fakeAccountRepo{})

	err := s.RefreshCredential(context.Background(), &models.TwitterAccount{UserID: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no refresh token")
}

func TestGetExpiresAt(t *testing.T) {
	at := GetExpiresAt(7200)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), at, 5*time.Second)
}
