package models

import "time"

// Transport kinds for an Account.
const (
	TransportSession  = "session"  // long-lived authenticated connection
	TransportCallback = "callback" // webhook inbound + stateless API sends
)

// Ingestion modes for callback accounts. Session accounts always receive
// events over their own connection and ignore this field.
const (
	IngestWebhook = "webhook" // provider pushes callbacks to our endpoint
	IngestPolling = "polling" // we long-poll the provider's getUpdates
)

// Account lifecycle statuses. Only the connection supervisor transitions
// these (except for credential updates during authentication flows).
const (
	AccountStatusActive         = "active"
	AccountStatusInactive       = "inactive"
	AccountStatusAuthenticating = "authenticating"
	AccountStatusError          = "error"
)

// Account is one external messaging identity the system controls.
type Account struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	Name      string `gorm:"size:255;not null"`
	Transport string `gorm:"size:16;not null;index:idx_status_transport,priority:2"`
	Ingest    string `gorm:"size:16;default:webhook"`
	Status    string `gorm:"size:20;default:inactive;index:idx_status_transport,priority:1"`

	// Credential is an opaque blob whose format depends on Transport:
	// a session token for session accounts, "<apiToken>:<webhookSecret>"
	// for callback accounts.
	Credential string `gorm:"type:text"`

	// Remote identity snapshot, filled in once the transport confirms
	// the credential.
	RemoteUserID string `gorm:"size:64;index"`
	RemoteName   string `gorm:"size:255"`

	LastError    string `gorm:"type:text"`
	ErrorCount   int    `gorm:"default:0"`
	LastActivity *time.Time

	Active    bool `gorm:"default:true"` // soft-deactivate; never hard-delete
	CreatedAt time.Time
	UpdatedAt time.Time
}
