package sshaudit

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/gluk-w/opsgate/internal/database"
	"github.com/gluk-w/opsgate/internal/logutil"
)

// Event types for gateway audit logging.
const (
	EventConnectionEstablished = "connection_established"
	EventConnectionFailed      = "connection_failed"
	EventTerminalSessionStart  = "terminal_session_start"
	EventTerminalSessionEnd    = "terminal_session_end"
	EventFileUpload            = "file_upload"
	EventFileDownload          = "file_download"
	EventDirectoryList         = "directory_list"
	EventKeyImported           = "key_imported"
	EventKeyDeleted            = "key_deleted"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// AuditEntry contains the fields needed to create an audit log entry.
type AuditEntry struct {
	EventType  string
	Host       string
	Username   string
	Operator   string
	SourceIP   string
	Details    string
	DurationMs int64
}

// Auditor records and queries gateway audit logs.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
	logger        zerolog.Logger
}

// NewAuditor creates an Auditor that writes to db. If retentionDays is 0,
// DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		logger:        log.With().Str("component", "audit").Logger(),
	}
}

// Log records an audit event to the database and the logger.
func (a *Auditor) Log(entry AuditEntry) error {
	record := database.GatewayAuditLog{
		EventType: entry.EventType,
		Host:      entry.Host,
		Username:  entry.Username,
		Operator:  entry.Operator,
		SourceIP:  entry.SourceIP,
		Details:   logutil.SanitizeForLog(entry.Details),
		Duration:  entry.DurationMs,
	}

	if err := a.db.Create(&record).Error; err != nil {
		a.logger.Error().Err(err).Str("event", entry.EventType).Msg("failed to write audit log")
		return err
	}

	a.logger.Info().
		Str("event", entry.EventType).
		Str("host", entry.Host).
		Str("username", logutil.SanitizeForLog(entry.Username)).
		Str("operator", logutil.SanitizeForLog(entry.Operator)).
		Str("ip", entry.SourceIP).
		Str("details", record.Details).
		Msg("audit")
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	EventType string
	Host      string
	Operator  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.GatewayAuditLog `json:"entries"`
	Total   int64                      `json:"total"`
	Limit   int                        `json:"limit"`
	Offset  int                        `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.GatewayAuditLog{})

	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Host != "" {
		tx = tx.Where("host = ?", opts.Host)
	}
	if opts.Operator != "" {
		tx = tx.Where("operator = ?", opts.Operator)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	entries := []database.GatewayAuditLog{}
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or the configured
// retention period when days <= 0. It returns the number deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.GatewayAuditLog{})
	if result.Error != nil {
		a.logger.Error().Err(result.Error).Msg("audit purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.logger.Info().Int64("deleted", result.RowsAffected).Int("days", days).Msg("purged audit log entries")
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
