package database

import "time"

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// StoredKey is a named private key that handshakes and transfer requests can
// reference instead of sending PEM text.
type StoredKey struct {
	Name        string    `gorm:"primaryKey;size:128" json:"name"`
	Fingerprint string    `gorm:"not null" json:"fingerprint"`
	PublicKey   string    `json:"public_key"`
	Ciphertext  string    `gorm:"not null" json:"-"` // Fernet-encrypted PEM
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type GatewayAuditLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string    `gorm:"not null;index" json:"event_type"`
	Host      string    `gorm:"index" json:"host"`
	Username  string    `json:"username"`
	Operator  string    `gorm:"index" json:"operator"`
	SourceIP  string    `json:"source_ip"`
	Details   string    `json:"details"`
	Duration  int64     `json:"duration_ms"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
