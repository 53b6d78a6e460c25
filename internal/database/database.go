package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/neur0map/deskmon/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = gorm.ErrRecordNotFound

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}

	return Use(db)
}

// Use installs db as the package database and migrates the schema.
// Tests call it with an in-memory database.
func Use(db *gorm.DB) error {
	if err := db.AutoMigrate(&Target{}, &Credential{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	DB = db
	return migrateSortOrder()
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// migrateSortOrder sets sort_order = id for existing rows that still have the default 0.
func migrateSortOrder() error {
	return DB.Model(&Target{}).Where("sort_order = 0").Update("sort_order", gorm.Expr("id")).Error
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Target helpers

func CreateTarget(t *Target) error {
	if err := DB.Create(t).Error; err != nil {
		return fmt.Errorf("create target %s: %w", t.Name, err)
	}
	if t.SortOrder == 0 {
		t.SortOrder = int(t.ID)
		return DB.Model(t).Update("sort_order", t.SortOrder).Error
	}
	return nil
}

func GetTarget(id uint) (*Target, error) {
	var t Target
	if err := DB.First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func GetTargetByName(name string) (*Target, error) {
	var t Target
	if err := DB.Where("name = ?", name).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTargets returns all targets ordered for display.
func ListTargets() ([]Target, error) {
	var targets []Target
	if err := DB.Order("sort_order, id").Find(&targets).Error; err != nil {
		return nil, err
	}
	return targets, nil
}

// ListEnabledTargets returns targets that should be monitored.
func ListEnabledTargets() ([]Target, error) {
	var targets []Target
	if err := DB.Where("enabled = ?", true).Order("sort_order, id").Find(&targets).Error; err != nil {
		return nil, err
	}
	return targets, nil
}

func SetTargetEnabled(id uint, enabled bool) error {
	return DB.Model(&Target{}).Where("id = ?", id).Update("enabled", enabled).Error
}

// SetTargetHostKey records the host key fingerprint trusted for a target.
func SetTargetHostKey(id uint, fingerprint string) error {
	return DB.Model(&Target{}).Where("id = ?", id).Update("host_key", fingerprint).Error
}

// DeleteTarget removes a target and its stored credentials.
func DeleteTarget(id uint) error {
	return DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("target_id = ?", id).Delete(&Credential{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Target{}, id).Error
	})
}

// Credential helpers

func GetCredential(targetID uint, kind string) (*Credential, error) {
	var c Credential
	if err := DB.Where("target_id = ? AND kind = ?", targetID, kind).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func ListCredentials(targetID uint) ([]Credential, error) {
	var creds []Credential
	if err := DB.Where("target_id = ?", targetID).Find(&creds).Error; err != nil {
		return nil, err
	}
	return creds, nil
}

// UpsertCredential stores the credential of the given kind for a target,
// replacing any previous one.
func UpsertCredential(c *Credential) error {
	var existing Credential
	err := DB.Where("target_id = ? AND kind = ?", c.TargetID, c.Kind).First(&existing).Error
	switch {
	case err == nil:
		c.ID = existing.ID
		return DB.Model(&existing).Updates(map[string]interface{}{
			"secret":     c.Secret,
			"public_key": c.PublicKey,
		}).Error
	case errors.Is(err, gorm.ErrRecordNotFound):
		return DB.Create(c).Error
	default:
		return err
	}
}

func DeleteCredential(targetID uint, kind string) error {
	return DB.Where("target_id = ? AND kind = ?", targetID, kind).Delete(&Credential{}).Error
}
