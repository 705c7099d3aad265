package crypto

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
	"gorm.io/gorm"

	"github.com/gluk-w/opsgate/internal/database"
)

const keySetting = "fernet_key"

// getKey loads the fernet key from the settings table, generating and storing
// one on first use.
func getKey(db *gorm.DB) (*fernet.Key, error) {
	keyStr, err := database.GetSetting(db, keySetting)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(db, keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load fernet key: %w", err)
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

func Encrypt(db *gorm.DB, plaintext string) (string, error) {
	key, err := getKey(db)
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(db *gorm.DB, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := getKey(db)
	if err != nil {
		return "", err
	}
	// A zero TTL disables token expiry.
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0, []*fernet.Key{key})
	if msg == nil {
		return "", fmt.Errorf("decrypt: invalid token")
	}
	return string(msg), nil
}
