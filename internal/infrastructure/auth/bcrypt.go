package auth

import (
	"context"

	"github.com/vitos/trade_copy_bridge/internal/domain"
	"golang.org/x/crypto/bcrypt"
)

// HashAPIKey returns the bcrypt hash stored in accounts.api_key_hash.
func HashAPIKey(apiKey string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	return string(bytes), err
}

// BcryptVerifier checks EA api keys against the stored hash.
type BcryptVerifier struct{}

func NewBcryptVerifier() *BcryptVerifier {
	return &BcryptVerifier{}
}

func (v *BcryptVerifier) Verify(ctx context.Context, account *domain.Account, apiKey string) error {
	if account == nil || account.APIKeyHash == "" || apiKey == "" {
		return domain.ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.APIKeyHash), []byte(apiKey)); err != nil {
		return domain.NewError(domain.ErrInvalidCredentials, domain.ErrBadCredentials.Message).Wrap(err)
	}
	return nil
}
