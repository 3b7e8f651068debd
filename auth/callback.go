package auth

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// CallbackVerifier checks the shared secret sent by the payment provider.
type CallbackVerifier struct {
	hash []byte
}

func NewCallbackVerifier(bcryptHash string) *CallbackVerifier {
	return &CallbackVerifier{hash: []byte(bcryptHash)}
}

func (v *CallbackVerifier) Verify(secret string) error {
	if secret == "" || len(v.hash) == 0 {
		return ErrInvalidSecret
	}
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(secret)); err != nil {
		return ErrInvalidSecret
	}
	return nil
}

// HashSecret produces the bcrypt hash stored in configuration.
func HashSecret(secret string) (string, error) {
	if len(secret) < 16 {
		return "", fmt.Errorf("auth: callback secret must be at least 16 characters")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("auth: hash secret: %w", err)
	}
	return string(h), nil
}
