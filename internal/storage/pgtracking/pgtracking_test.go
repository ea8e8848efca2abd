package pgtracking

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/teletrack/internal/errs"
	"github.com/BearBump/teletrack/internal/migrate"
	"github.com/BearBump/teletrack/internal/models"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPGTracking_RepoFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "admin",
			"POSTGRES_PASSWORD": "admin",
			"POSTGRES_DB":       "teletrack_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := "postgres://admin:admin@" + host + ":" + port.Port() + "/teletrack_test?sslmode=disable"
	require.Eventually(t, func() bool { return migrate.Up(ctx, dsn) == nil }, 30*time.Second, time.Second)

	st, err := New(dsn)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	// пользователь + квота
	u := &models.User{UserID: 42, UserIDHash: models.HashUserID(42), UserName: "alice", Quota: 1}
	require.NoError(t, st.CreateUser(ctx, u))
	require.ErrorIs(t, st.CreateUser(ctx, u), errs.ErrAlreadyExists)

	carrier := 3011
	require.NoError(t, st.CreateRelation(ctx, models.Relation{TrackingNumber: "RR1", UserIDHash: u.UserIDHash, Carrier: &carrier}))
	require.ErrorIs(t, st.CreateRelation(ctx, models.Relation{TrackingNumber: "RR2", UserIDHash: u.UserIDHash}), errs.ErrQuotaExhausted)

	got, err := st.GetUserByHash(ctx, u.UserIDHash)
	require.NoError(t, err)
	require.Equal(t, 0, got.Quota)

	hashes, err := st.ListSubscribedHashes(ctx, "RR1")
	require.NoError(t, err)
	require.Equal(t, []string{u.UserIDHash}, hashes)

	ids, err := st.ResolveUserIDs(ctx, append(hashes, "orphan"))
	require.NoError(t, err)
	require.Equal(t, map[string]int64{u.UserIDHash: 42}, ids)

	// снапшот заменяется целиком
	first := models.Snapshot{TrackingNumber: "RR1", Carrier: carrier, Status: models.StatusInTransit, TrackInfo: json.RawMessage(`{"a":1}`)}
	require.NoError(t, st.UpsertSnapshot(ctx, first))
	second := first
	second.Status = models.StatusOutForDelivery
	second.TrackInfo = json.RawMessage(`{"a":2}`)
	require.NoError(t, st.UpsertSnapshot(ctx, second))

	snap, err := st.GetSnapshot(ctx, "RR1")
	require.NoError(t, err)
	require.Equal(t, models.StatusOutForDelivery, snap.Status)
	require.JSONEq(t, `{"a":2}`, string(snap.TrackInfo))

	// расписание опроса + lease
	now := time.Now().UTC()
	require.NoError(t, st.SchedulePoll(ctx, "RR1", &carrier, now.Add(-time.Minute)))
	lease := 10 * time.Second
	due, err := st.ClaimDuePolls(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.WithinDuration(t, now.Add(lease), due[0].NextCheckAt, 2*time.Second)

	due, err = st.ClaimDuePolls(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Empty(t, due)

	msg := "timeout"
	require.NoError(t, st.RecordPollResult(ctx, PollResult{TrackingNumber: "RR1", CheckedAt: now, NextCheckAt: now.Add(-time.Second), Error: &msg}))

	// отписка убирает номер из опроса
	require.NoError(t, st.SetSubscribed(ctx, "RR1", u.UserIDHash, false))
	due, err = st.ClaimDuePolls(ctx, now, 10, lease)
	require.NoError(t, err)
	require.Empty(t, due)

	require.NoError(t, st.DeleteRelation(ctx, "RR1", u.UserIDHash))
	require.ErrorIs(t, st.DeleteRelation(ctx, "RR1", u.UserIDHash), errs.ErrNotFound)

	n, err := st.DeleteSnapshots(ctx, "RR1")
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	require.NoError(t, st.DeletePoll(ctx, "RR1"))
}
