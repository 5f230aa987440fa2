//go:build integration

package usage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/chatgate/internal/profile"
	"github.com/mbd888/chatgate/internal/testutil"
)

func TestPostgresStore_AppendAndList(t *testing.T) {
	db := testutil.Postgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, profile.NewPostgresStore(db).Create(ctx, profile.New("prf_u1", "auth_u1", "", now)))

	store := NewPostgresStore(db)
	rec := NewRecorder(store, nil, nil)
	tick := now
	rec.now = func() time.Time { tick = tick.Add(time.Second); return tick }
	require.NoError(t, rec.Record(ctx, "prf_u1", ActionDirectResponse, "1:1"))
	require.NoError(t, rec.Record(ctx, "prf_u1", WorkflowAction("weather", false), ""))

	page, err := rec.List(ctx, "prf_u1", "", 1)
	require.NoError(t, err)
	require.Equal(t, 1, page.Count)
	require.NotEmpty(t, page.NextCursor)
	assert.Equal(t, "workflow_failed:weather", page.Records[0].Action)
	assert.Empty(t, page.Records[0].MessageRef)

	page, err = rec.List(ctx, "prf_u1", page.NextCursor, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Count)
	assert.Empty(t, page.NextCursor)
	assert.Equal(t, "1:1", page.Records[0].MessageRef)
}

func TestPostgresStore_ListNewestFirst(t *testing.T) {
	db := testutil.Postgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, profile.NewPostgresStore(db).Create(ctx, profile.New("prf_u1", "auth_u1", "", now)))

	rec := NewRecorder(NewPostgresStore(db), nil, nil)
	tick := now
	rec.now = func() time.Time { tick = tick.Add(time.Second); return tick }
	require.NoError(t, rec.Record(ctx, "prf_u1", ActionDirectResponse, "1:1"))
	require.NoError(t, rec.Record(ctx, "prf_u1", WorkflowAction("weather", false), ""))

	page, err := rec.List(ctx, "prf_u1", "", 10)
	require.NoError(t, err)
	list := page.Records
	require.Len(t, list, 2)
	assert.Equal(t, "workflow_failed:weather", list[0].Action)
	assert.Empty(t, list[0].MessageRef)
	assert.Equal(t, "1:1", list[1].MessageRef)
}
