package noren

import (
	"os"

	"go.uber.org/zap"

	"papertrader/internal/metrics"
	"papertrader/pkg/config"
)

// Environment variables holding the vendor credentials.
const (
	EnvUserID       = "NOREN_USER_ID"
	EnvAccountID    = "NOREN_ACCOUNT_ID"
	EnvSessionToken = "NOREN_SESSION_TOKEN"
)

// NewFromConfig creates an adapter from configuration.
// It reads API credentials from environment variables:
// NOREN_USER_ID, NOREN_ACCOUNT_ID and NOREN_SESSION_TOKEN.
// The account id defaults to the user id.
func NewFromConfig(cfg config.FeedConfig, collector *metrics.Collector, logger *zap.Logger) *Adapter {
	userID := os.Getenv(EnvUserID)
	accountID := os.Getenv(EnvAccountID)
	if accountID == "" {
		accountID = userID
	}

	return NewAdapter(Config{
		RestURL:        cfg.RestURL,
		WebSocketURL:   cfg.WebSocketURL,
		UserID:         userID,
		AccountID:      accountID,
		SessionToken:   os.Getenv(EnvSessionToken),
		PingInterval:   cfg.PingInterval,
		ReconnectDelay: cfg.ReconnectDelay,
		AuthTimeout:    cfg.AuthTimeout,
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        collector,
		Logger:         logger,
	})
}
