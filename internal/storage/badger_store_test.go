package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

func newStore(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	m := newStore(t).Mappings(models.KindNetwork)

	rec, err := m.Create(ctx, "net|physnet|100", models.Upstream, "u1", StateCreating)
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UpstreamID)
	assert.Empty(t, rec.LocalID)

	got, err := m.GetByUpstreamID(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "net|physnet|100", got.SyncKey)

	got, err = m.GetByLocalID(ctx, "l1")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = m.Create(ctx, "net|physnet|100", models.Local, "l9", StateCreating)
	assert.True(t, errors.Is(err, syncerr.ErrAlreadyMapped))
}

func TestSetIDsMoveIndex(t *testing.T) {
	ctx := context.Background()
	m := newStore(t).Mappings(models.KindPort)

	_, err := m.Create(ctx, "k", models.Local, "l1", StateCreating)
	require.NoError(t, err)
	rec, err := m.SetUpstreamID(ctx, "k", "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UpstreamID)

	rec, err = m.SetLocalID(ctx, "k", "l2")
	require.NoError(t, err)
	assert.Equal(t, "l2", rec.LocalID)

	old, err := m.GetByLocalID(ctx, "l1")
	require.NoError(t, err)
	assert.Nil(t, old)
	cur, err := m.GetByLocalID(ctx, "l2")
	require.NoError(t, err)
	require.NotNil(t, cur)

	rec, err = m.SetUpstreamID(ctx, "k", "")
	require.NoError(t, err)
	assert.Empty(t, rec.UpstreamID)
	gone, err := m.GetByUpstreamID(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSideIDIsUnique(t *testing.T) {
	ctx := context.Background()
	m := newStore(t).Mappings(models.KindImage)

	_, err := m.Create(ctx, "a", models.Upstream, "u1", StateActive)
	require.NoError(t, err)
	_, err = m.Create(ctx, "b", models.Local, "l1", StateCreating)
	require.NoError(t, err)

	_, err = m.SetUpstreamID(ctx, "b", "u1")
	assert.True(t, errors.Is(err, syncerr.ErrAlreadyMapped))

	_, err = m.Create(ctx, "c", models.Upstream, "u1", StateCreating)
	assert.True(t, errors.Is(err, syncerr.ErrAlreadyMapped))
	missing, err := m.GetBySyncKey(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSettersOnDeletedRecordAreGone(t *testing.T) {
	ctx := context.Background()
	m := newStore(t).Mappings(models.KindVolume)

	_, err := m.Create(ctx, "k", models.Upstream, "u1", StateActive)
	require.NoError(t, err)
	require.NoError(t, m.Delete(ctx, "k"))

	_, err = m.SetLocalID(ctx, "k", "l1")
	assert.True(t, errors.Is(err, syncerr.ErrGone))
	_, err = m.SetUpdateData(ctx, "k", "d")
	assert.True(t, errors.Is(err, syncerr.ErrGone))

	idx, err := m.GetByUpstreamID(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, idx)
}

func TestListByStateAndFix(t *testing.T) {
	ctx := context.Background()
	m := newStore(t).Mappings(models.KindInstance)

	_, err := m.Create(ctx, "a", models.Upstream, "u1", StateActive)
	require.NoError(t, err)
	_, err = m.SetLocalID(ctx, "a", "l1")
	require.NoError(t, err)
	_, err = m.SetState(ctx, "a", StateDeleting)
	require.NoError(t, err)

	_, err = m.Create(ctx, "b", models.Upstream, "u2", StateDeleting)
	require.NoError(t, err)

	deleting, err := m.ListByState(ctx, StateDeleting)
	require.NoError(t, err)
	assert.Len(t, deleting, 2)

	n, err := m.FixIncorrectState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := m.GetBySyncKey(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StateActive, rec.State)
	rec, err = m.GetBySyncKey(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, StateDeleting, rec.State)
}

func TestKindsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	_, err := s.Mappings(models.KindVolume).Create(ctx, "k", models.Upstream, "u1", StateActive)
	require.NoError(t, err)

	other, err := s.Mappings(models.KindVolumeType).List(ctx)
	require.NoError(t, err)
	assert.Empty(t, other)
	rec, err := s.Mappings(models.KindVolumeType).GetByUpstreamID(ctx, "u1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestUpdateDigest(t *testing.T) {
	ctx := context.Background()
	m := newStore(t).Mappings(models.KindSubnet)
	created, err := m.Create(ctx, "k", models.Upstream, "u1", StateActive)
	require.NoError(t, err)

	rec, err := m.SetUpdateData(ctx, "k", "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", rec.UpdateDigest)
	assert.False(t, rec.UpdatedAt.Before(created.UpdatedAt))
}
