package database

import "time"

type Target struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Name        string    `gorm:"uniqueIndex;not null" json:"name"`
	Host        string    `gorm:"not null" json:"host"`
	Port        int       `gorm:"not null;default:22" json:"port"`
	Username    string    `gorm:"not null" json:"username"`
	ServicePort int       `gorm:"not null;default:7654" json:"service_port"`
	Enabled     bool      `gorm:"not null" json:"enabled"`
	SortOrder   int       `gorm:"not null;default:0" json:"sort_order"`
	HostKey     string    `json:"host_key"` // SHA256 fingerprint seen on first connect
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Credentials []Credential `gorm:"foreignKey:TargetID;constraint:OnDelete:CASCADE" json:"-"`
}

// Credential kinds.
const (
	CredentialPassword = "password"
	CredentialKey      = "key"
)

type Credential struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	TargetID  uint      `gorm:"not null;uniqueIndex:idx_target_kind"`
	Kind      string    `gorm:"not null;uniqueIndex:idx_target_kind"` // "password" or "key"
	Secret    string    `json:"-"`                                     // Fernet-encrypted password or PEM
	PublicKey string    `json:"public_key"`                            // authorized_keys line, key credentials only
	CreatedAt time.Time `gorm:"autoCreateTime"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
