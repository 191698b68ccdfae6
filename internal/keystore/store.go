package keystore

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// ProviderKey is an encrypted credential row. Raw key material never leaves
// the store unencrypted except through Get.
type ProviderKey struct {
	ID           uint      `json:"id" gorm:"primaryKey"`
	Provider     string    `json:"provider" gorm:"uniqueIndex;not null"`
	EncryptedKey string    `json:"-" gorm:"not null"`
	Salt         string    `json:"-" gorm:"not null"`
	Fingerprint  string    `json:"-" gorm:"not null"`
	Label        string    `json:"label,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// KeyInfo is the safe-to-expose view of a stored key.
type KeyInfo struct {
	Provider  string    `json:"provider"`
	MaskedKey string    `json:"masked_key"`
	Label     string    `json:"label,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store manages encrypted provider keys in the database.
type Store struct {
	db     *gorm.DB
	cipher *Cipher
}

// NewStore migrates the provider_keys table and returns a store.
func NewStore(db *gorm.DB, cipher *Cipher) (*Store, error) {
	if err := db.AutoMigrate(&ProviderKey{}); err != nil {
		return nil, fmt.Errorf("failed to migrate provider keys: %w", err)
	}
	return &Store{db: db, cipher: cipher}, nil
}

// Save encrypts and upserts the key for a provider.
func (s *Store) Save(provider, apiKey, label string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	apiKey = NormalizeKey(apiKey)
	if provider == "" || apiKey == "" {
		return fmt.Errorf("provider and key are required")
	}

	encrypted, salt, fingerprint, err := s.cipher.Encrypt(provider, apiKey)
	if err != nil {
		return fmt.Errorf("failed to encrypt API key: %w", err)
	}

	var existing ProviderKey
	result := s.db.Where("provider = ?", provider).First(&existing)
	if result.Error == nil {
		return s.db.Model(&existing).Updates(ProviderKey{
			EncryptedKey: encrypted,
			Salt:         salt,
			Fingerprint:  fingerprint,
			Label:        label,
		}).Error
	}

	return s.db.Create(&ProviderKey{
		Provider:     provider,
		EncryptedKey: encrypted,
		Salt:         salt,
		Fingerprint:  fingerprint,
		Label:        label,
	}).Error
}

// Get decrypts and returns the stored key for a provider.
func (s *Store) Get(provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))

	var row ProviderKey
	if err := s.db.Where("provider = ?", provider).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", ErrKeyNotFound
		}
		return "", fmt.Errorf("failed to load key for provider %s: %w", provider, err)
	}

	return s.cipher.Decrypt(provider, row.EncryptedKey, row.Salt)
}

// Delete removes the stored key for a provider.
func (s *Store) Delete(provider string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))

	result := s.db.Where("provider = ?", provider).Delete(&ProviderKey{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// List returns masked metadata for every stored key.
func (s *Store) List() ([]KeyInfo, error) {
	var rows []ProviderKey
	if err := s.db.Order("provider").Find(&rows).Error; err != nil {
		return nil, err
	}

	infos := make([]KeyInfo, 0, len(rows))
	for _, row := range rows {
		masked := "••••"
		if plain, err := s.cipher.Decrypt(row.Provider, row.EncryptedKey, row.Salt); err == nil {
			masked = MaskKey(plain)
		}
		infos = append(infos, KeyInfo{
			Provider:  row.Provider,
			MaskedKey: masked,
			Label:     row.Label,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return infos, nil
}

// NormalizeKey strips formatting noise that commonly appears in env-var and
// pasted values.
func NormalizeKey(raw string) string {
	key := strings.TrimSpace(raw)
	if key == "" {
		return ""
	}

	key = strings.Trim(key, `"'`)
	key = strings.TrimSpace(key)
	if len(key) >= len("bearer ") && strings.EqualFold(key[:len("bearer ")], "bearer ") {
		key = strings.TrimSpace(key[len("bearer "):])
	}

	// Strip both literal escapes and actual control characters.
	key = strings.ReplaceAll(key, `\r`, "")
	key = strings.ReplaceAll(key, `\n`, "")
	key = strings.ReplaceAll(key, "\r", "")
	key = strings.ReplaceAll(key, "\n", "")
	key = strings.ReplaceAll(key, "\t", "")

	// Keep only visible ASCII bytes to avoid malformed Authorization headers.
	filtered := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		b := key[i]
		if b >= 33 && b <= 126 {
			filtered = append(filtered, b)
		}
	}

	return strings.TrimSpace(string(filtered))
}

// MaskKey keeps just enough of a key to recognize it.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return "••••"
	}
	return key[:4] + "…" + key[len(key)-4:]
}
