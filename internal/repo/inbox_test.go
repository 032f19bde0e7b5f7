package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/richardliu001/incident-command-service/internal/model"
	"github.com/richardliu001/incident-command-service/internal/payload"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func register(key string, typ model.CommandType, scope string, p any) RegisterInput {
	return RegisterInput{
		IdempotencyKey: key,
		Source:         model.SourceExternal,
		Type:           typ,
		ScopeKey:       scope,
		Payload:        p,
	}
}

func countCommands(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&model.Command{}).Count(&n).Error)
	return n
}

// seedCommand inserts a row as if an earlier request had registered p.
func seedCommand(t *testing.T, db *gorm.DB, key, scope string, p any, status model.CommandStatus, expiresAt time.Time) string {
	t.Helper()
	encoded, err := payload.Encode(p)
	require.NoError(t, err)
	canonical, err := payload.Canonicalize(p)
	require.NoError(t, err)
	cmd := &model.Command{
		IdempotencyKey: key,
		Source:         model.SourceExternal,
		Type:           model.CreateOccurrence,
		ScopeKey:       scope,
		PayloadHash:    payload.Hash(encoded),
		Payload:        datatypes.JSON(canonical),
		Status:         status,
		ExpiresAt:      expiresAt,
	}
	require.NoError(t, db.Create(cmd).Error)
	return cmd.ID
}

func TestRegisterOrGet_NewThenReplay(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	in := register("idem-001", model.CreateOccurrence, "ext-1", map[string]any{"a": 1})

	first, err := r.RegisterOrGet(ctx, in)
	require.NoError(t, err)
	assert.True(t, first.IsNew)
	assert.True(t, first.ShouldDispatch)
	assert.True(t, first.HasKey)
	assert.Equal(t, model.CommandReceived, first.Status)
	assert.NotEmpty(t, first.CommandID)

	second, err := r.RegisterOrGet(ctx, in)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.Equal(t, first.CommandID, second.CommandID)
	assert.Equal(t, model.CommandReceived, second.Status)
	assert.True(t, second.ShouldDispatch)
	assert.Equal(t, int64(1), countCommands(t, db))

	var stored model.Command
	require.NoError(t, db.Where("id = ?", first.CommandID).Take(&stored).Error)
	assert.Equal(t, "idem-001", stored.IdempotencyKey)
	assert.Equal(t, model.SourceExternal, stored.Source)
	assert.JSONEq(t, `{"a":1}`, string(stored.Payload))
	assert.WithinDuration(t, testNow.Add(time.Hour), stored.ExpiresAt, time.Second)
}

func TestRegisterOrGet_TrimsKey(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	first, err := r.RegisterOrGet(ctx, register("  idem-trim ", model.StartOccurrence, "occ-1", map[string]any{"occurrenceId": "occ-1"}))
	require.NoError(t, err)
	second, err := r.RegisterOrGet(ctx, register("idem-trim", model.StartOccurrence, "occ-1", map[string]any{"occurrenceId": "occ-1"}))
	require.NoError(t, err)

	assert.Equal(t, first.CommandID, second.CommandID)
	assert.Equal(t, int64(1), countCommands(t, db))
}

func TestRegisterOrGet_PayloadConflict(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	_, err := r.RegisterOrGet(ctx, register("idem-002", model.CreateOccurrence, "ext-2", map[string]any{"a": 1}))
	require.NoError(t, err)

	_, err = r.RegisterOrGet(ctx, register("idem-002", model.CreateOccurrence, "ext-2", map[string]any{"a": 2}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrIdempotencyConflict)

	var conflict *IdempotencyConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "idem-002", conflict.IdempotencyKey)
	assert.Equal(t, "ext-2", conflict.ScopeKey)
	assert.Equal(t, int64(1), countCommands(t, db))
}

func TestRegisterOrGet_KeyIsScopedByTypeAndScope(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	p := map[string]any{"dispatchId": "d-1"}

	a, err := r.RegisterOrGet(ctx, register("idem-003", model.CloseDispatch, "d-1", p))
	require.NoError(t, err)
	b, err := r.RegisterOrGet(ctx, register("idem-003", model.UpdateDispatchStatus, "d-1", p))
	require.NoError(t, err)
	c, err := r.RegisterOrGet(ctx, register("idem-003", model.CloseDispatch, "d-2", p))
	require.NoError(t, err)

	assert.True(t, a.IsNew)
	assert.True(t, b.IsNew)
	assert.True(t, c.IsNew)
	assert.Equal(t, int64(3), countCommands(t, db))
}

func TestRegisterOrGet_EmptyKeyNeverDeduplicates(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	in := register("   ", model.ResolveOccurrence, "occ-9", map[string]any{"occurrenceId": "occ-9"})

	first, err := r.RegisterOrGet(ctx, in)
	require.NoError(t, err)
	second, err := r.RegisterOrGet(ctx, in)
	require.NoError(t, err)

	assert.False(t, first.HasKey)
	assert.False(t, second.HasKey)
	assert.True(t, first.IsNew)
	assert.True(t, second.IsNew)
	assert.NotEqual(t, first.CommandID, second.CommandID)
	assert.Equal(t, int64(2), countCommands(t, db))
}

func TestRegisterOrGet_ExistingStatusDecidesDispatch(t *testing.T) {
	cases := []struct {
		status       model.CommandStatus
		wantDispatch bool
	}{
		{model.CommandReceived, true},
		{model.CommandFailed, true},
		{model.CommandEnqueued, false},
		{model.CommandSucceeded, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			r, db := newTestRepo(t)
			p := map[string]any{"externalId": "ext-s", "type": "incendio_urbano"}
			id := seedCommand(t, db, "idem-status-001", "ext-s", p, tc.status, testNow.Add(time.Hour))

			got, err := r.RegisterOrGet(context.Background(), register("idem-status-001", model.CreateOccurrence, "ext-s", p))
			require.NoError(t, err)
			assert.Equal(t, id, got.CommandID)
			assert.False(t, got.IsNew)
			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, tc.wantDispatch, got.ShouldDispatch)
		})
	}
}

func TestRegisterOrGet_ExpiredRowStaysAuthoritative(t *testing.T) {
	r, db := newTestRepo(t)
	p := map[string]any{"externalId": "ext-expired-1", "type": "incendio_urbano"}
	id := seedCommand(t, db, "idem-expired-001", "ext-expired-1", p, model.CommandReceived, testNow.Add(-time.Hour))

	got, err := r.RegisterOrGet(context.Background(), register("idem-expired-001", model.CreateOccurrence, "ext-expired-1", p))
	require.NoError(t, err)
	assert.Equal(t, id, got.CommandID)
	assert.True(t, got.ShouldDispatch)
	assert.Equal(t, int64(1), countCommands(t, db))
}

func TestRegisterOrGet_RawHashSeesKeyOrder(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()

	_, err := r.RegisterOrGet(ctx, register("idem-order", model.CreateOccurrence, "ext-o", json.RawMessage(`{"a":1,"b":2}`)))
	require.NoError(t, err)
	_, err = r.RegisterOrGet(ctx, register("idem-order", model.CreateOccurrence, "ext-o", json.RawMessage(`{"b":2,"a":1}`)))
	assert.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestRegisterOrGet_CanonicalHashIgnoresKeyOrder(t *testing.T) {
	r, _ := newTestRepo(t, WithCanonicalHash(true))
	ctx := context.Background()

	first, err := r.RegisterOrGet(ctx, register("idem-order", model.CreateOccurrence, "ext-o", json.RawMessage(`{"a":1,"b":{"d":4,"c":3}}`)))
	require.NoError(t, err)
	second, err := r.RegisterOrGet(ctx, register("idem-order", model.CreateOccurrence, "ext-o", json.RawMessage(`{"b":{"c":3,"d":4},"a":1}`)))
	require.NoError(t, err)
	assert.Equal(t, first.CommandID, second.CommandID)
	assert.False(t, second.IsNew)
}

func TestRegisterOrGet_ParallelDuplicatesConverge(t *testing.T) {
	r, db := newTestRepo(t)
	in := register("idem-parallel", model.CreateOccurrence, "ext-p", map[string]any{"externalId": "ext-p"})

	const n = 16
	var created int32
	ids := make([]string, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			reg, err := r.RegisterOrGet(context.Background(), in)
			if err != nil {
				return err
			}
			if reg.IsNew {
				atomic.AddInt32(&created, 1)
			}
			ids[i] = reg.CommandID
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int32(1), created)
	assert.Equal(t, int64(1), countCommands(t, db))
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

// A competing row is inserted right after our lookup misses, so our insert hits
// the unique index and must resolve to the competitor.
func TestRegisterOrGet_RecoversFromLostInsertRace(t *testing.T) {
	r, db := newTestRepo(t)
	p := map[string]any{"externalId": "ext-race"}
	encoded, err := payload.Encode(p)
	require.NoError(t, err)

	injected := false
	var winnerID string
	err = db.Callback().Query().After("gorm:query").Register("test:competing_insert", func(d *gorm.DB) {
		if injected || d.Statement.Table != "command_inbox" {
			return
		}
		injected = true
		winner := &model.Command{
			IdempotencyKey: "idem-race",
			Source:         model.SourceInternal,
			Type:           model.CreateOccurrence,
			ScopeKey:       "ext-race",
			PayloadHash:    payload.Hash(encoded),
			Payload:        datatypes.JSON(encoded),
			ExpiresAt:      testNow.Add(time.Hour),
		}
		if err := d.Session(&gorm.Session{NewDB: true}).Create(winner).Error; err != nil {
			panic(fmt.Sprintf("insert competitor: %v", err))
		}
		winnerID = winner.ID
	})
	require.NoError(t, err)

	got, err := r.RegisterOrGet(context.Background(), register("idem-race", model.CreateOccurrence, "ext-race", p))
	require.NoError(t, err)

	require.True(t, injected)
	assert.False(t, got.IsNew)
	assert.Equal(t, winnerID, got.CommandID)
	assert.True(t, got.ShouldDispatch)
	assert.Equal(t, int64(1), countCommands(t, db))
}

func TestMarkAsEnqueued(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	p := map[string]any{"externalId": "ext-q"}

	received := seedCommand(t, db, "idem-q1", "ext-q1", p, model.CommandReceived, testNow.Add(time.Hour))
	failed := seedCommand(t, db, "idem-q2", "ext-q2", p, model.CommandFailed, testNow.Add(time.Hour))
	succeeded := seedCommand(t, db, "idem-q3", "ext-q3", p, model.CommandSucceeded, testNow.Add(time.Hour))

	tests := []struct {
		id   string
		want model.CommandStatus
	}{
		{received, model.CommandEnqueued},
		{failed, model.CommandEnqueued},
		{succeeded, model.CommandSucceeded},
	}
	for _, tt := range tests {
		got, err := r.MarkAsEnqueued(ctx, db, tt.id, 0)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.want, statusOf(t, db, tt.id))
	}

	_, err := r.MarkAsEnqueued(ctx, db, "018f0e2b-f278-7be1-88f9-cf0d43edc999", 0)
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func statusOf(t *testing.T, db *gorm.DB, id string) model.CommandStatus {
	t.Helper()
	var c model.Command
	require.NoError(t, db.Where("id = ?", id).Take(&c).Error)
	return c.Status
}

func TestMarkAsEnqueued_KeepsWorkerOutcome(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	p := map[string]any{"dispatchId": "dsp-1"}

	reg, err := r.RegisterOrGet(ctx, register("idem-fast-1", model.CloseDispatch, "dsp-1", p))
	require.NoError(t, err)
	require.Equal(t, uint64(0), reg.Version)

	// the worker fails the job before the submitter records the enqueue
	_, err = r.MarkFailed(ctx, reg.CommandID, "dispatch locked")
	require.NoError(t, err)

	status, err := r.MarkAsEnqueued(ctx, db, reg.CommandID, reg.Version)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, status)
	assert.Equal(t, model.CommandFailed, statusOf(t, db, reg.CommandID))

	retry, err := r.RegisterOrGet(ctx, register("idem-fast-1", model.CloseDispatch, "dsp-1", p))
	require.NoError(t, err)
	assert.True(t, retry.ShouldDispatch)
	assert.Equal(t, uint64(1), retry.Version)

	// and once more on the retry, FAILED -> FAILED
	_, err = r.MarkFailed(ctx, reg.CommandID, "dispatch locked again")
	require.NoError(t, err)
	status, err = r.MarkAsEnqueued(ctx, db, reg.CommandID, retry.Version)
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, status)

	view, err := r.FindByCommandID(ctx, reg.CommandID)
	require.NoError(t, err)
	require.NotNil(t, view.ErrorMessage)
	assert.Equal(t, "dispatch locked again", *view.ErrorMessage)
}

func TestRegisterOrGet_ExclusiveScope(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	p := map[string]any{"externalId": "ext-x"}

	in := register("idem-x1", model.CreateOccurrence, "ext-x", p)
	in.ExclusiveScope = true
	first, err := r.RegisterOrGet(ctx, in)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	// same key replays without touching the claim
	replay, err := r.RegisterOrGet(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, first.CommandID, replay.CommandID)

	other := in
	other.IdempotencyKey = "idem-x2"
	_, err = r.RegisterOrGet(ctx, other)
	assert.ErrorIs(t, err, ErrScopeClaimed)

	var claims []model.CommandScopeClaim
	require.NoError(t, r.DB(ctx).Find(&claims).Error)
	require.Len(t, claims, 1)
	assert.Equal(t, first.CommandID, claims[0].CommandID)

	var n int64
	require.NoError(t, r.DB(ctx).Model(&model.Command{}).Where("scope_key = ?", "ext-x").Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestRegisterOrGet_ExclusiveScopeUnderContention(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	const n = 8

	var mu sync.Mutex
	won, claimed := 0, 0
	var g errgroup.Group
	for i := 0; i < n; i++ {
		in := register(fmt.Sprintf("idem-cx-%d", i), model.CreateOccurrence, "ext-cx", map[string]any{"externalId": "ext-cx"})
		in.ExclusiveScope = true
		g.Go(func() error {
			_, err := r.RegisterOrGet(ctx, in)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrScopeClaimed):
				claimed++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, won)
	assert.Equal(t, n-1, claimed)
}

func TestWorkerWriteBack(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()

	reg, err := r.RegisterOrGet(ctx, register("idem-w1", model.CreateOccurrence, "ext-w1", map[string]any{"externalId": "ext-w1"}))
	require.NoError(t, err)
	_, err = r.MarkAsEnqueued(ctx, db, reg.CommandID, reg.Version)
	require.NoError(t, err)

	cmd, err := r.MarkFailed(ctx, reg.CommandID, "occurrence type unknown")
	require.NoError(t, err)
	assert.Equal(t, model.CommandFailed, cmd.Status)
	assert.Equal(t, uint64(2), cmd.Version)

	retry, err := r.RegisterOrGet(ctx, register("idem-w1", model.CreateOccurrence, "ext-w1", map[string]any{"externalId": "ext-w1"}))
	require.NoError(t, err)
	assert.True(t, retry.ShouldDispatch)
	status, err := r.MarkAsEnqueued(ctx, db, reg.CommandID, retry.Version)
	require.NoError(t, err)
	assert.Equal(t, model.CommandEnqueued, status)

	cmd, err = r.MarkSucceeded(ctx, reg.CommandID, map[string]any{"occurrenceId": "occ-1"})
	require.NoError(t, err)
	assert.Equal(t, model.CommandSucceeded, cmd.Status)
	assert.Equal(t, model.CreateOccurrence, cmd.Type)

	_, err = r.MarkFailed(ctx, reg.CommandID, "late failure")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = r.MarkSucceeded(ctx, "018f0e2b-f278-7be1-88f9-cf0d43edc998", nil)
	assert.ErrorIs(t, err, ErrCommandNotFound)

	view, err := r.FindByCommandID(ctx, reg.CommandID)
	require.NoError(t, err)
	assert.Equal(t, reg.CommandID, view.CommandID)
	assert.Equal(t, model.CommandSucceeded, view.Status)
	assert.JSONEq(t, `{"occurrenceId":"occ-1"}`, string(view.Result))
	assert.Nil(t, view.ErrorMessage)
	require.NotNil(t, view.ProcessedAt)
	assert.WithinDuration(t, testNow, *view.ProcessedAt, time.Second)
}

func TestFindByCommandID_Missing(t *testing.T) {
	r, _ := newTestRepo(t)

	view, err := r.FindByCommandID(context.Background(), "018f0e2b-f278-7be1-88f9-cf0d43edc997")
	assert.Nil(t, view)
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestRegisterOrGet_StoresCanonicalBytes(t *testing.T) {
	r, db := newTestRepo(t)
	ctx := context.Background()
	p := map[string]any{"zeta": 1, "a": map[string]any{"yy": 2, "b": "x<y"}}

	reg, err := r.RegisterOrGet(ctx, register("idem-bytes-1", model.CreateDispatch, "occ-bytes", p))
	require.NoError(t, err)

	var stored model.Command
	require.NoError(t, db.Where("id = ?", reg.CommandID).Take(&stored).Error)
	assert.Equal(t, `{"a":{"b":"x<y","yy":2},"zeta":1}`, string(stored.Payload))

	// jsonb would rewrite the bytes on postgres
	stmt := &gorm.Statement{DB: db}
	require.NoError(t, stmt.Parse(&model.Command{}))
	assert.Equal(t, "json", stmt.Schema.LookUpField("Payload").TagSettings["TYPE"])
}
