package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Job source types.
const (
	JobTypePostgres = "postgres"
	JobTypeMySQL    = "mysql"
	JobTypeMongoDB  = "mongodb"
	JobTypeRedis    = "redis"
	JobTypeS3       = "s3"
)

// Destination types.
const (
	DestinationTypeLocal = "local"
	DestinationTypeS3    = "s3"
)

// Outcome row statuses. Partial never appears on a row; it only exists on
// aggregated run views when a run's outcomes disagree.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusPartial   = "partial"
)

// Base carries the shared identity and bookkeeping columns. IDs are
// time-ordered UUIDv7 stored as text so the same schema works on both
// drivers. It must be exported: GORM's schema reflection skips fields of
// unexported embedded structs.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (b *Base) BeforeCreate(_ *gorm.DB) error {
	if b.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// BackupJob is a configured backup: what to dump, when, and where to put
// it. Config is a JSON object whose sensitive fields are stored as secret
// envelope tokens.
type BackupJob struct {
	Base
	Name          string `json:"name"`
	Type          string `json:"type"`
	Config        string `gorm:"type:text" json:"config"`
	Schedule      string `json:"schedule,omitempty"`
	Enabled       bool   `json:"enabled"`
	RetentionDays int    `json:"retention_days"`
	RetryCount    int    `json:"retry_count"`

	// SourceCredentialProviderID, when set on an s3 job, names the provider
	// whose bundle is merged into the job config at execution time.
	SourceCredentialProviderID *uuid.UUID `gorm:"type:text" json:"source_credential_provider_id,omitempty"`

	// Loaded by explicit repository queries. GORM cannot resolve these
	// text-typed UUID associations on its own.
	Destinations []Destination `gorm:"-" json:"destinations,omitempty"`
}

// Destination is a copy target shared between jobs.
type Destination struct {
	Base
	Name   string `json:"name"`
	Type   string `json:"type"`
	Config string `gorm:"type:text" json:"config"`

	// CredentialProviderID supplies the credentials for s3 destinations.
	CredentialProviderID *uuid.UUID `gorm:"type:text" json:"credential_provider_id,omitempty"`
}

// JobDestination links a job to one of its destinations. Creation order
// is the copy order during a run.
type JobDestination struct {
	Base
	JobID         uuid.UUID `gorm:"type:text" json:"job_id"`
	DestinationID uuid.UUID `gorm:"type:text" json:"destination_id"`
}

// NotificationChannel is a configured delivery target for run events.
type NotificationChannel struct {
	Base
	Name    string `json:"name"`
	Kind    string `json:"kind"`
	Enabled bool   `json:"enabled"`
}

// JobNotification holds the per-job, per-channel delivery preferences.
type JobNotification struct {
	Base
	JobID           uuid.UUID `gorm:"type:text" json:"job_id"`
	ChannelID       uuid.UUID `gorm:"type:text" json:"channel_id"`
	NotifyOnSuccess bool      `json:"notify_on_success"`
	NotifyOnFailure bool      `json:"notify_on_failure"`
}

// CredentialProvider stores a reusable credential bundle. Config is a JSON
// object; access_key_id and secret_access_key are envelope tokens.
type CredentialProvider struct {
	Base
	Name   string `json:"name"`
	Type   string `json:"type"`
	Preset string `json:"preset,omitempty"`
	Config string `gorm:"type:text" json:"config"`
}

// BackupRun is one outcome row: the result of one run against one
// destination. A run with N destinations produces N rows sharing a RunID;
// a zero-destination database run produces one row with a nil
// DestinationID. All history reads aggregate over these rows.
type BackupRun struct {
	Base
	JobID         uuid.UUID  `gorm:"type:text" json:"job_id"`
	DestinationID *uuid.UUID `gorm:"type:text" json:"destination_id,omitempty"`
	RunID         string     `json:"run_id"`
	Status        string     `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`

	FileSize     *int64 `json:"file_size,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
	Metadata     string `gorm:"type:text" json:"metadata,omitempty"`
	ExecutionLog string `gorm:"type:text" json:"execution_log,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`

	// LastHeartbeatAt is refreshed while the outcome is running; the reaper
	// fails rows whose heartbeat has gone quiet.
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
}

// -----------------------------------------------------------------------------
// JSON config helpers
// -----------------------------------------------------------------------------

func decodeConfig(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("db: invalid config JSON: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func encodeConfig(m map[string]any) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("db: encode config JSON: %w", err)
	}
	return string(raw), nil
}

// ConfigMap decodes the job's JSON config.
func (j *BackupJob) ConfigMap() (map[string]any, error) { return decodeConfig(j.Config) }

// SetConfigMap encodes m into the job's JSON config.
func (j *BackupJob) SetConfigMap(m map[string]any) error {
	raw, err := encodeConfig(m)
	if err != nil {
		return err
	}
	j.Config = raw
	return nil
}

// ConfigMap decodes the destination's JSON config.
func (d *Destination) ConfigMap() (map[string]any, error) { return decodeConfig(d.Config) }

// SetConfigMap encodes m into the destination's JSON config.
func (d *Destination) SetConfigMap(m map[string]any) error {
	raw, err := encodeConfig(m)
	if err != nil {
		return err
	}
	d.Config = raw
	return nil
}

// ConfigMap decodes the provider's JSON config.
func (p *CredentialProvider) ConfigMap() (map[string]any, error) { return decodeConfig(p.Config) }

// SetConfigMap encodes m into the provider's JSON config.
func (p *CredentialProvider) SetConfigMap(m map[string]any) error {
	raw, err := encodeConfig(m)
	if err != nil {
		return err
	}
	p.Config = raw
	return nil
}
