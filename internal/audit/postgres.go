package audit

import (
	"context"
	"database/sql"
	"encoding/json"

	"aulagate.org/internal/ids"
)

var _ Store = (*PGStore)(nil)

// PGStore appends audit events to PostgreSQL.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Append(ctx context.Context, ev *Event) error {
	if ev.ID == "" {
		ev.ID = ids.New()
	}
	detail, _ := json.Marshal(ev.Detail)
	_, err := s.db.ExecContext(ctx,
		`insert into audit_events(id, kind, actor_id, target_id, source_addr, detail, occurred_at)
		 values($1,$2,$3,$4,$5,$6,$7)`,
		ev.ID, ev.Kind, ev.ActorID, ev.TargetID, ev.SourceAddr, detail, ev.OccurredAt,
	)
	return err
}
