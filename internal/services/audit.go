package services

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/pandeptwidyaop/formexport/internal/database"
	"github.com/pandeptwidyaop/formexport/internal/models"
)

// AuditService handles audit logging for configuration changes and export requests.
type AuditService struct {
	db *database.DB
}

// NewAuditService creates a new AuditService instance.
func NewAuditService(db *database.DB) *AuditService {
	return &AuditService{db: db}
}

// AuditLog represents an audit log entry to be recorded.
type AuditLog struct {
	Details      map[string]interface{}
	Actor        string
	Action       string
	ResourceType string
	ResourceID   string
	IPAddress    string
	UserAgent    string
}

// Log records an audit log entry to the database.
func (s *AuditService) Log(ctx context.Context, entry AuditLog) error {
	var detailsJSON string
	if entry.Details != nil {
		bytes, err := json.Marshal(entry.Details)
		if err == nil {
			detailsJSON = string(bytes)
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (actor, action, resource_type, resource_id, ip_address, user_agent, details)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.Actor, entry.Action, entry.ResourceType, entry.ResourceID, entry.IPAddress, entry.UserAgent, detailsJSON)

	if err != nil {
		logrus.WithError(err).WithField("action", entry.Action).Warn("Failed to write audit log")
	}
	return err
}

// LogConfigurationChange logs an update or removal of a default or per-form configuration.
// formID is empty for the default configuration.
func (s *AuditService) LogConfigurationChange(ctx context.Context, actor, action, formID, ip, userAgent string) {
	resourceType := "default_configuration"
	if formID != "" {
		resourceType = "form_configuration"
	}
	_ = s.Log(ctx, AuditLog{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   formID,
		IPAddress:    ip,
		UserAgent:    userAgent,
	})
}

// LogExportRequest logs the start of an export run.
func (s *AuditService) LogExportRequest(ctx context.Context, actor, runID string, forms []models.Form, ip, userAgent string) {
	ids := make([]string, 0, len(forms))
	for _, f := range forms {
		ids = append(ids, f.ID)
	}
	_ = s.Log(ctx, AuditLog{
		Actor:        actor,
		Action:       "export",
		ResourceType: "export_run",
		ResourceID:   runID,
		IPAddress:    ip,
		UserAgent:    userAgent,
		Details: map[string]interface{}{
			"forms": ids,
		},
	})
}

// LogExportCancel logs a cancellation request.
func (s *AuditService) LogExportCancel(ctx context.Context, actor, runID, ip, userAgent string) {
	_ = s.Log(ctx, AuditLog{
		Actor:        actor,
		Action:       "cancel",
		ResourceType: "export_run",
		ResourceID:   runID,
		IPAddress:    ip,
		UserAgent:    userAgent,
	})
}

// AuditLogEntry represents an audit log record from the database.
type AuditLogEntry struct {
	Actor        string `json:"actor"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	IPAddress    string `json:"ip_address"`
	UserAgent    string `json:"user_agent"`
	Details      string `json:"details"`
	CreatedAt    string `json:"created_at"`
	ID           int64  `json:"id"`
}

// GetLogs retrieves audit logs with pagination.
func (s *AuditService) GetLogs(ctx context.Context, limit, offset int) ([]AuditLogEntry, error) {
	if limit == 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor, action, resource_type, resource_id, ip_address, user_agent, details, created_at
		FROM audit_logs
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	// Initialize empty slice instead of nil to return [] instead of null in JSON
	logs := make([]AuditLogEntry, 0)
	for rows.Next() {
		var entry AuditLogEntry
		var actor, resourceID, ipAddress, userAgent, details *string

		if err := rows.Scan(
			&entry.ID,
			&actor,
			&entry.Action,
			&entry.ResourceType,
			&resourceID,
			&ipAddress,
			&userAgent,
			&details,
			&entry.CreatedAt,
		); err != nil {
			return nil, err
		}

		if actor != nil {
			entry.Actor = *actor
		}
		if resourceID != nil {
			entry.ResourceID = *resourceID
		}
		if ipAddress != nil {
			entry.IPAddress = *ipAddress
		}
		if userAgent != nil {
			entry.UserAgent = *userAgent
		}
		if details != nil {
			entry.Details = *details
		}

		logs = append(logs, entry)
	}

	return logs, rows.Err()
}
