package persistence

import (
	"context"
	"fmt"
	"time"
)

// PurgeFinishedTasks deletes completed and failed tasks that finished before
// cutoff. Queued and in-flight tasks are never touched. It is idempotent.
func (t *Tx) PurgeFinishedTasks(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM tasks
		WHERE (completed IS NOT NULL AND completed < ?)
		   OR (failed IS NOT NULL AND failed < ?);
	`, cutoff, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge finished tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge finished tasks: rows affected: %w", err)
	}
	return n, nil
}
