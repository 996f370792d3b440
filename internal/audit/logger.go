package audit

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"beamline-control-plane/backend/internal/audit/domain"
	auditrepo "beamline-control-plane/backend/internal/audit/repository"
)

// IPExtractor returns the client IP from the request context (e.g. gRPC metadata or peer).
type IPExtractor func(context.Context) string

// Entry is one event to record. IP may be left empty to take it from the context.
type Entry struct {
	SessionID string
	Action    string
	Resource  string
	IP        string
	Metadata  string
}

// AuditLogger writes audit events for the control service.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, e Entry)
}

// Logger implements AuditLogger using the audit repository and an optional IP extractor.
type Logger struct {
	beamline    string
	repo        auditrepo.Repository
	ipExtractor IPExtractor
	now         func() time.Time
}

// NewLogger returns an AuditLogger for beamline that persists to repo. With a nil repo
// events are only written to the process log. ipExtractor may be nil; then a missing IP is
// recorded as "unknown".
func NewLogger(beamline string, repo auditrepo.Repository, ipExtractor IPExtractor) *Logger {
	return &Logger{beamline: beamline, repo: repo, ipExtractor: ipExtractor, now: time.Now}
}

// LogEvent writes one audit log entry. Best-effort: errors are logged and not returned.
func (l *Logger) LogEvent(ctx context.Context, e Entry) {
	ip := e.IP
	if ip == "" && l.ipExtractor != nil {
		ip = l.ipExtractor(ctx)
	}
	if ip == "" {
		ip = "unknown"
	}
	if l.repo == nil {
		log.Printf("audit: %s %s session=%s ip=%s %s", e.Action, e.Resource, e.SessionID, ip, e.Metadata)
		return
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		Beamline:  l.beamline,
		SessionID: e.SessionID,
		Action:    e.Action,
		Resource:  e.Resource,
		IP:        ip,
		Metadata:  e.Metadata,
		CreatedAt: l.now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		log.Printf("audit: failed to log event %s/%s: %v", e.Action, e.Resource, err)
	}
}
