package job

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"featherpost/internal/models"
	"featherpost/internal/repository"
	"featherpost/internal/service"
)

// TokenRefreshJob proactively refreshes Twitter tokens that are about to
// expire, so the dispatcher rarely has to refresh inline mid-pass.
type TokenRefreshJob struct {
	ar repository.TwitterAccountRepository
	cs service.CredentialService
}

func NewTokenRefreshJob(
	ar repository.TwitterAccountRepository,
	cs service.CredentialService) *TokenRefreshJob {
	return &TokenRefreshJob{
		ar: ar,
		cs: cs,
	}
}

func (c *TokenRefreshJob) RefreshTokens() {
	ctx := context.Background()

	currentTime := time.Now()
	timeIn30Minutes := currentTime.Add(30 * time.Minute)

	accounts, err := c.ar.ListExpiringBetween(ctx, currentTime, timeIn30Minutes)
	if err != nil {
		slog.Info(err.Error())
		return
	}

	var wg sync.WaitGroup

	concurrencyLimit := 10
	semaphore := make(chan struct{}, concurrencyLimit)

	for _, acc := range accounts {

		wg.Add(1)
		semaphore <- struct{}{}

		go func(acc *models.TwitterAccount) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if err := c.cs.RefreshCredential(ctx, acc); err != nil {
				slog.Info("Unable to refresh tokens for account " + acc.Username)
			}
		}(acc)
	}

	wg.Wait()
}
