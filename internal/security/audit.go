package security

import "log/slog"

// AuditEvent records one query or mutation's security-relevant outcome.
// Masking is logged at the query level (how many fields were touched),
// not per field, since a per-field audit trail would dwarf the data it
// describes without adding anything a query-level count doesn't already
// convey.
type AuditEvent struct {
	ConnectionID     string
	ClientID         string
	Entity           string
	Operation        RlsOperation
	Allowed          bool
	RlsApplied       bool
	MaskedFieldCount int
}

// AuditSink records AuditEvents. Implementations must not block the
// caller meaningfully — this is called inline with query execution.
type AuditSink interface {
	Record(AuditEvent) error
}

// SlogAuditSink writes each event as a structured log line.
type SlogAuditSink struct {
	log *slog.Logger
}

func NewSlogAuditSink(log *slog.Logger) *SlogAuditSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogAuditSink{log: log}
}

func (s *SlogAuditSink) Record(e AuditEvent) error {
	s.log.Info("security.audit",
		"connection_id", e.ConnectionID,
		"client_id", e.ClientID,
		"entity", e.Entity,
		"operation", e.Operation,
		"allowed", e.Allowed,
		"rls_applied", e.RlsApplied,
		"masked_field_count", e.MaskedFieldCount,
	)
	return nil
}
