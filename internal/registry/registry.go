// Package registry is the durable record of messaging accounts: identity,
// transport kind, credential blob, and lifecycle status. Nothing but the
// connection supervisor transitions an account's status.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/averden/switchboard/internal/models"
	"github.com/averden/switchboard/internal/transport"
)

// ErrNotFound is returned when no account matches the given id.
var ErrNotFound = errors.New("registry: account not found")

// Create validates and stores a new account. The credential blob format
// must match the transport kind.
func Create(db *gorm.DB, name, transportKind, credential string) (*models.Account, error) {
	if db == nil {
		return nil, fmt.Errorf("registry: db is required")
	}
	if name == "" {
		return nil, fmt.Errorf("registry: name is required")
	}
	if err := ValidateCredential(transportKind, credential); err != nil {
		return nil, err
	}

	acct := models.Account{
		Name:       name,
		Transport:  transportKind,
		Ingest:     models.IngestWebhook,
		Status:     models.AccountStatusInactive,
		Credential: credential,
		Active:     true,
	}
	if err := db.Create(&acct).Error; err != nil {
		return nil, fmt.Errorf("registry: create account %q: %w", name, err)
	}
	return &acct, nil
}

// SetIngestMode selects how a callback account receives inbound events:
// pushed webhooks or a getUpdates polling loop. Takes effect on the next
// account start.
func SetIngestMode(db *gorm.DB, id uint, mode string) error {
	if db == nil {
		return fmt.Errorf("registry: db is required")
	}
	if mode != models.IngestWebhook && mode != models.IngestPolling {
		return fmt.Errorf("registry: unknown ingest mode %q", mode)
	}
	res := db.Model(&models.Account{}).Where("id = ?", id).Update("ingest", mode)
	if res.Error != nil {
		return fmt.Errorf("registry: set ingest mode: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ValidateCredential checks a credential blob against its transport kind.
func ValidateCredential(transportKind, credential string) error {
	switch transportKind {
	case models.TransportSession:
		if strings.TrimSpace(credential) == "" {
			return fmt.Errorf("registry: %w: session accounts need a session token", transport.ErrInvalidCredential)
		}
	case models.TransportCallback:
		token, secret, ok := strings.Cut(credential, ":")
		if !ok || token == "" || secret == "" {
			return fmt.Errorf("registry: %w: callback accounts need <apiToken>:<webhookSecret>", transport.ErrInvalidCredential)
		}
	default:
		return fmt.Errorf("registry: %w: unknown transport kind %q", transport.ErrInvalidCredential, transportKind)
	}
	return nil
}

// Get returns one account by id.
func Get(db *gorm.DB, id uint) (*models.Account, error) {
	if db == nil {
		return nil, fmt.Errorf("registry: db is required")
	}
	var acct models.Account
	if err := db.First(&acct, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("registry: get account %d: %w", id, err)
	}
	return &acct, nil
}

// List returns all accounts ordered by creation.
func List(db *gorm.DB) ([]models.Account, error) {
	if db == nil {
		return nil, fmt.Errorf("registry: db is required")
	}
	var accts []models.Account
	if err := db.Order("id ASC").Find(&accts).Error; err != nil {
		return nil, fmt.Errorf("registry: list accounts: %w", err)
	}
	return accts, nil
}

// ListStartable returns every account eligible for supervision:
// soft-active and not in a terminal error state forced by an operator.
func ListStartable(db *gorm.DB) ([]models.Account, error) {
	if db == nil {
		return nil, fmt.Errorf("registry: db is required")
	}
	var accts []models.Account
	if err := db.Where("active = ?", true).Order("id ASC").Find(&accts).Error; err != nil {
		return nil, fmt.Errorf("registry: list startable accounts: %w", err)
	}
	return accts, nil
}

// SetStatus records a lifecycle transition. Supervisor use only.
func SetStatus(db *gorm.DB, id uint, status string) error {
	return updateAccount(db, id, map[string]interface{}{"status": status})
}

// RecordError stores a failure against the account, bumping its error
// counter, and moves it to the error status.
func RecordError(db *gorm.DB, id uint, cause string) error {
	if db == nil {
		return fmt.Errorf("registry: db is required")
	}
	result := db.Model(&models.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      models.AccountStatusError,
		"last_error":  cause,
		"error_count": gorm.Expr("error_count + 1"),
	})
	if result.Error != nil {
		return fmt.Errorf("registry: record error for account %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkLive moves an account to active, clears its error bookkeeping, and
// snapshots the confirmed remote identity.
func MarkLive(db *gorm.DB, id uint, remoteUserID, remoteName string) error {
	now := time.Now()
	return updateAccount(db, id, map[string]interface{}{
		"status":         models.AccountStatusActive,
		"last_error":     "",
		"error_count":    0,
		"remote_user_id": remoteUserID,
		"remote_name":    remoteName,
		"last_activity":  &now,
	})
}

// TouchActivity bumps the account's last-activity timestamp.
func TouchActivity(db *gorm.DB, id uint) error {
	now := time.Now()
	return updateAccount(db, id, map[string]interface{}{"last_activity": &now})
}

// UpdateCredential replaces the credential blob after an authentication
// flow. The new blob is validated against the account's transport kind.
func UpdateCredential(db *gorm.DB, id uint, credential string) error {
	acct, err := Get(db, id)
	if err != nil {
		return err
	}
	if err := ValidateCredential(acct.Transport, credential); err != nil {
		return err
	}
	return updateAccount(db, id, map[string]interface{}{"credential": credential})
}

// Deactivate soft-disables an account. Accounts are never hard-deleted
// while conversations reference them.
func Deactivate(db *gorm.DB, id uint) error {
	return updateAccount(db, id, map[string]interface{}{
		"active": false,
		"status": models.AccountStatusInactive,
	})
}

func updateAccount(db *gorm.DB, id uint, fields map[string]interface{}) error {
	if db == nil {
		return fmt.Errorf("registry: db is required")
	}
	result := db.Model(&models.Account{}).Where("id = ?", id).Updates(fields)
	if result.Error != nil {
		return fmt.Errorf("registry: update account %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
