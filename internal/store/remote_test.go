package store

import (
	"context"
	"testing"
	"time"

	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingQuerier counts statements so tests can verify which querier a
// repository method runs on.
type recordingQuerier struct {
	execs []string
}

func (q *recordingQuerier) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.execs = append(q.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (q *recordingQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, pgx.ErrNoRows
}

func (q *recordingQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return nil
}

func TestCreateSessionRunsOnCallerQuerier(t *testing.T) {
	// Session and connect command are inserted atomically, so the insert
	// must execute on the querier the caller passes, not the repo's pool.
	repo := &RemoteRepo{db: &recordingQuerier{}}
	tx := &recordingQuerier{}

	session := &models.RemoteSession{
		ID: "rs_1", DeviceID: "dev_1", UserID: "u_1", OrgID: "org_1",
		Type: models.SessionTypeTerminal, Status: models.SessionStatusPending,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, repo.CreateSession(context.Background(), tx, session))

	assert.Len(t, tx.execs, 1)
	assert.Contains(t, tx.execs[0], "INSERT INTO remote_sessions")
	assert.Empty(t, repo.db.(*recordingQuerier).execs)
}
