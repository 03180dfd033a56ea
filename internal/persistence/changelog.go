package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/storyforge/internal/shared"
)

func actorFrom(ctx context.Context) string {
	return shared.Actor(ctx)
}

// appendChangeLogTx is the only writer of change_logs; rows are never updated.
func appendChangeLogTx(ctx context.Context, tx *sql.Tx, c ChangeLog, now time.Time) error {
	if c.Actor == "" {
		c.Actor = actorFrom(ctx)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO change_logs (requirement_id, entity_type, entity_id, change_type, summary,
			old_value, new_value, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
	`, c.RequirementID, c.EntityType, c.EntityID, c.ChangeType, c.Summary, c.OldValue, c.NewValue,
		c.Actor, formatTime(now)); err != nil {
		return fmt.Errorf("append change log: %w", err)
	}
	return nil
}

// ListChangeLogs returns a requirement's audit trail, oldest first.
func (s *Store) ListChangeLogs(ctx context.Context, requirementID string) ([]ChangeLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, requirement_id, entity_type, entity_id, change_type, summary, old_value, new_value,
			actor, created_at
		FROM change_logs WHERE requirement_id = ? ORDER BY id;
	`, requirementID)
	if err != nil {
		return nil, fmt.Errorf("list change logs: %w", err)
	}
	defer rows.Close()
	var out []ChangeLog
	for rows.Next() {
		var c ChangeLog
		if err := rows.Scan(&c.ID, &c.RequirementID, &c.EntityType, &c.EntityID, &c.ChangeType, &c.Summary,
			&c.OldValue, &c.NewValue, &c.Actor, dbTime{&c.CreatedAt}); err != nil {
			return nil, fmt.Errorf("scan change log: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list change logs: iterate: %w", err)
	}
	return out, nil
}
