// Package credentials stores named private keys encrypted at rest and
// resolves key references in gateway requests to PEM text.
//
// A request's sshKey is either literal PEM or a reference to a stored key:
//
//	keys/<name>   /keys/<name>   @<name>
//
// References are resolved before any connection attempt; an unknown name is
// a client error of kind KeyUnresolved.
package credentials

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/gluk-w/opsgate/internal/crypto"
	"github.com/gluk-w/opsgate/internal/database"
	"github.com/gluk-w/opsgate/internal/sshconn"
	"github.com/gluk-w/opsgate/internal/sshkeys"
)

// ErrNotFound is returned when no key is stored under a name.
var ErrNotFound = errors.New("stored key not found")

var (
	validName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
	reference = regexp.MustCompile(`^(?:/?keys/|@)([A-Za-z0-9][A-Za-z0-9._-]{0,127})$`)
)

// ValidName reports whether name can be used for a stored key.
func ValidName(name string) bool {
	return validName.MatchString(name)
}

// ParseReference returns the key name s refers to. Literal PEM is never a
// reference.
func ParseReference(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if sshconn.HasKeyEnvelope(s) {
		return "", false
	}
	m := reference.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Store keeps private keys in the stored_keys table, fernet-encrypted.
type Store struct {
	db     *gorm.DB
	logger zerolog.Logger
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, logger: log.With().Str("component", "credentials").Logger()}
}

// Save parses pem, encrypts it and stores it under name, replacing any key of
// the same name.
func (s *Store) Save(name string, pem []byte) (*database.StoredKey, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("invalid key name %q", name)
	}
	if err := sshconn.ValidateKeyFormat(string(pem)); err != nil {
		return nil, err
	}
	fingerprint, err := sshkeys.Fingerprint(pem)
	if err != nil {
		return nil, sshconn.Errorf(sshconn.KindInvalidKeyFormat, "import", "", "key %s cannot be parsed (passphrase-protected keys are not supported)", name)
	}
	pub, err := sshkeys.AuthorizedKey(pem)
	if err != nil {
		return nil, err
	}
	ciphertext, err := crypto.Encrypt(s.db, string(pem))
	if err != nil {
		return nil, fmt.Errorf("encrypt key %s: %w", name, err)
	}

	key := &database.StoredKey{
		Name:        name,
		Fingerprint: fingerprint,
		PublicKey:   strings.TrimSpace(pub),
		Ciphertext:  ciphertext,
	}
	if err := s.db.Save(key).Error; err != nil {
		return nil, fmt.Errorf("save key %s: %w", name, err)
	}
	s.logger.Info().Str("name", name).Str("fingerprint", fingerprint).Msg("stored key saved")
	return key, nil
}

// Generate creates a new ED25519 key and stores it under name.
func (s *Store) Generate(name string) (*database.StoredKey, error) {
	_, pem, err := sshkeys.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return s.Save(name, pem)
}

// Get returns the decrypted PEM stored under name.
func (s *Store) Get(name string) (string, error) {
	var key database.StoredKey
	if err := s.db.Where("name = ?", name).First(&key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load key %s: %w", name, err)
	}
	pem, err := crypto.Decrypt(s.db, key.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt key %s: %w", name, err)
	}
	return pem, nil
}

func (s *Store) Delete(name string) error {
	res := s.db.Where("name = ?", name).Delete(&database.StoredKey{})
	if res.Error != nil {
		return fmt.Errorf("delete key %s: %w", name, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Info().Str("name", name).Msg("stored key deleted")
	return nil
}

// List returns stored key metadata ordered by name. Ciphertext is never
// serialised.
func (s *Store) List() ([]database.StoredKey, error) {
	var keys []database.StoredKey
	if err := s.db.Order("name").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	return keys, nil
}

// Resolve returns the PEM for sshKey. Literal keys and values that are not
// references pass through unchanged; the caller's format check rejects the
// latter.
func (s *Store) Resolve(sshKey string) (string, error) {
	name, ok := ParseReference(sshKey)
	if !ok {
		return sshKey, nil
	}
	pem, err := s.Get(name)
	if errors.Is(err, ErrNotFound) {
		return "", sshconn.Errorf(sshconn.KindKeyUnresolved, "resolve", "", "stored key %q not found", name)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("name", name).Msg("failed to load stored key")
		return "", sshconn.Errorf(sshconn.KindKeyUnresolved, "resolve", "", "stored key %q could not be loaded", name)
	}
	return pem, nil
}
