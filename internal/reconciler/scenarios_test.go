package reconciler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/translate"
)

func TestAdoptUpstreamInstance(t *testing.T) {
	f := newFixture(t)
	f.upstream.Seed(&models.Instance{
		Meta:     models.Meta{ID: "u1", Name: "vm-a", Status: "ACTIVE"},
		FlavorID: "f-small",
		ImageID:  "i-1",
		Host:     "h1",
	})

	counts := f.sync(models.KindInstance, Startup)
	assert.Equal(t, 1, counts.Created)

	rec := f.record(models.KindInstance, models.Upstream, "u1")
	require.NotNil(t, rec)
	assert.Equal(t, storage.StateActive, rec.State)
	require.NotEmpty(t, rec.LocalID)

	inst := f.get(models.Local, models.KindInstance, rec.LocalID).(*models.Instance)
	assert.Equal(t, "ppc64", inst.Architecture)
	assert.Equal(t, "pvc-f-small", inst.FlavorID)
	assert.Equal(t, "staging-user", inst.UserID)
	assert.Equal(t, "staging-project", inst.ProjectID)
	assert.Equal(t, "default-image", inst.ImageID)
	assert.Equal(t, "h1", inst.Host)
	assert.Equal(t, "u1", inst.Property(translate.UpstreamIDProperty))

	// the local create comes back as an echo
	drained := f.drain()
	assert.True(t, drained.Zero())
	assert.Equal(t, 1, f.obs.Suppressions())

	again := f.sync(models.KindInstance, Full)
	assert.True(t, again.Zero(), "second tick wrote %+v", again)
}

func TestLostUpdateRecoveredByFullSync(t *testing.T) {
	f := newFixture(t)
	f.upstream.Seed(&models.Volume{Meta: models.Meta{ID: "u2", Name: "data"}, Size: 10})
	f.local.Seed(&models.Volume{
		Meta: models.Meta{ID: "l2", Name: "data", Properties: map[string]string{translate.UpstreamIDProperty: "u2"}},
		Size: 10,
	})
	f.twin(models.KindVolume, "u:u2", "l2", "u2")

	first := f.sync(models.KindVolume, Full)
	assert.True(t, first.Zero())
	d0 := f.record(models.KindVolume, models.Upstream, "u2").UpdateDigest
	require.NotEmpty(t, d0)

	_, err := f.upstream.Resources(models.KindVolume).Update(f.ctx, "u2", repository.Delta{Attrs: models.Fields{"description": "backups"}})
	require.NoError(t, err)
	f.dropEvents()

	counts := f.sync(models.KindVolume, Full)
	assert.Equal(t, 1, counts.Updated)

	local := f.get(models.Local, models.KindVolume, "l2").(*models.Volume)
	upstream := f.get(models.Upstream, models.KindVolume, "u2")
	assert.Equal(t, "backups", local.Description)

	d1 := f.record(models.KindVolume, models.Upstream, "u2").UpdateDigest
	assert.NotEqual(t, d0, d1)
	want, err := translate.Digest(f.ctx, f.rec(models.KindVolume).tr, models.Upstream, upstream)
	require.NoError(t, err)
	assert.Equal(t, want, d1)

	stamp, ok := f.rec(models.KindVolume).Timestamps().Get("u2")
	require.True(t, ok)
	assert.True(t, stamp.Upstream.Equal(upstream.Base().UpdatedAt))
	assert.True(t, stamp.Local.Equal(local.UpdatedAt))
}

func TestLostUpdateRecoveredByPeriodicTick(t *testing.T) {
	f := newFixture(t)
	f.upstream.Seed(&models.Volume{Meta: models.Meta{ID: "u2", Name: "data"}, Size: 10})
	f.local.Seed(&models.Volume{
		Meta: models.Meta{ID: "l2", Name: "data", Properties: map[string]string{translate.UpstreamIDProperty: "u2"}},
		Size: 10,
	})
	f.twin(models.KindVolume, "u:u2", "l2", "u2")
	require.True(t, f.sync(models.KindVolume, Startup).Zero())

	_, err := f.upstream.Resources(models.KindVolume).Update(f.ctx, "u2", repository.Delta{Attrs: models.Fields{"description": "backups"}})
	require.NoError(t, err)
	f.upstream.Seed(&models.Volume{Meta: models.Meta{ID: "u9", Name: "logs"}, Size: 5})
	f.dropEvents()

	counts := f.sync(models.KindVolume, Partial)
	assert.Equal(t, 1, counts.Updated)
	assert.Equal(t, 1, counts.Created)
	assert.Equal(t, "backups", f.get(models.Local, models.KindVolume, "l2").(*models.Volume).Description)
	rec := f.record(models.KindVolume, models.Upstream, "u9")
	require.NotNil(t, rec)
	assert.Equal(t, storage.StateActive, rec.State)

	f.drain()
	assert.True(t, f.sync(models.KindVolume, Partial).Zero())
}

func TestConcurrentImageEditsAreMerged(t *testing.T) {
	f := newFixture(t)
	f.upstream.SetSCGImages("scg-1", "u3")
	f.upstream.Seed(&models.Image{
		Meta:       models.Meta{ID: "u3", Name: "n", Status: models.ImageActive, Properties: map[string]string{"k": "v1"}},
		Owner:      "o",
		DiskFormat: "raw",
	})

	require.Equal(t, 1, f.sync(models.KindImage, Startup).Created)
	f.drain()
	rec := f.record(models.KindImage, models.Upstream, "u3")
	require.NotNil(t, rec)

	_, err := f.local.Resources(models.KindImage).Update(f.ctx, rec.LocalID, repository.Delta{Props: map[string]string{"k": "v2"}})
	require.NoError(t, err)
	_, err = f.upstream.Resources(models.KindImage).Update(f.ctx, "u3", repository.Delta{Attrs: models.Fields{"owner": "o'"}})
	require.NoError(t, err)
	f.dropEvents()

	counts := f.sync(models.KindImage, Full)
	assert.Equal(t, 1, counts.Merged)
	assert.Equal(t, 2, counts.Updated)

	for _, side := range []models.Side{models.Local, models.Upstream} {
		img := f.get(side, models.KindImage, rec.ID(side)).(*models.Image)
		assert.Equal(t, "n", img.Name, side.String())
		assert.Equal(t, "o'", img.Owner, side.String())
		assert.Equal(t, "v2", img.Property("k"), side.String())
	}
	master, ok := f.rec(models.KindImage).Masters().Get("u3")
	require.True(t, ok)
	assert.Equal(t, "o'", master["owner"])
	assert.Equal(t, "v2", master[models.PropPrefix+"k"])

	before := f.obs.Suppressions()
	assert.True(t, f.drain().Zero())
	assert.Equal(t, 2, f.obs.Suppressions()-before)
}

func TestDeletedUpstreamPortIsRecreatedLocally(t *testing.T) {
	f := newFixture(t)
	f.local.Seed(&models.Network{Meta: models.Meta{ID: "ln1", Name: "net"}, PhysicalNetwork: "default", SegmentationID: 100})
	f.upstream.Seed(&models.Network{Meta: models.Meta{ID: "un1", Name: "net"}, PhysicalNetwork: "default", SegmentationID: 100, Subnets: []string{"us1"}})
	f.twin(models.KindNetwork, "net|default|100", "ln1", "un1")
	f.local.Seed(&models.Subnet{Meta: models.Meta{ID: "ls1"}, NetworkID: "ln1", CIDR: "10.0.0.0/24"})
	f.upstream.Seed(&models.Subnet{Meta: models.Meta{ID: "us1"}, NetworkID: "un1", CIDR: "10.0.0.0/24"})
	f.twin(models.KindSubnet, "net|default|100|10.0.0.0/24|", "ls1", "us1")
	f.local.Seed(&models.Instance{Meta: models.Meta{ID: "l-123", Status: "ACTIVE"}})
	f.upstream.Seed(&models.Instance{Meta: models.Meta{ID: "i-123", Status: "ACTIVE"}})
	f.twin(models.KindInstance, "u:i-123", "l-123", "i-123")

	f.local.Seed(&models.Port{
		Meta: models.Meta{ID: "lp1", Name: "eth0"}, NetworkID: "ln1", MACAddress: "fa:16:3e:00:00:01",
		FixedIPs: []models.FixedIP{{SubnetID: "ls1", IPAddress: "10.0.0.5"}}, DeviceID: "l-123", DeviceOwner: "compute:nova",
	})
	f.upstream.Seed(&models.Port{
		Meta: models.Meta{ID: "up1", Name: "eth0"}, NetworkID: "un1", MACAddress: "fa:16:3e:00:00:01",
		FixedIPs: []models.FixedIP{{SubnetID: "us1", IPAddress: "10.0.0.5"}}, DeviceID: "i-123", DeviceOwner: "compute:nova",
	})
	f.twin(models.KindPort, "net|default|100|10.0.0.5", "lp1", "up1")

	require.NoError(t, f.upstream.Resources(models.KindPort).Delete(f.ctx, "up1"))
	f.drain()

	rec, err := f.store.Mappings(models.KindPort).GetBySyncKey(f.ctx, "net|default|100|10.0.0.5")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.NotEqual(t, "lp1", rec.LocalID)
	assert.Empty(t, rec.UpstreamID)
	assert.Equal(t, storage.StateCreating, rec.State)

	ports := f.list(models.Local, models.KindPort)
	require.Len(t, ports, 1)
	kept := ports[0].(*models.Port)
	assert.Equal(t, rec.LocalID, kept.ID)
	assert.Equal(t, []string{"10.0.0.5"}, kept.IPs())
	assert.Equal(t, "fa:16:3e:00:00:01", kept.MACAddress)

	counts := f.sync(models.KindPort, Partial)
	assert.Equal(t, 1, counts.Created)
	assert.Contains(t, f.slept, f.rec(models.KindPort).cfg.PortCreateDelay)

	rec = f.record(models.KindPort, models.Local, kept.ID)
	require.NotNil(t, rec)
	assert.Equal(t, storage.StateActive, rec.State)
	up := f.get(models.Upstream, models.KindPort, rec.UpstreamID).(*models.Port)
	assert.Equal(t, "un1", up.NetworkID)
	assert.Equal(t, "i-123", up.DeviceID)
	assert.Equal(t, []models.FixedIP{{SubnetID: "us1", IPAddress: "10.0.0.5"}}, up.FixedIPs)
}

func TestSnapshotActivatedFromUpstream(t *testing.T) {
	f := newFixture(t)
	f.upstream.SetSCGImages("scg-1", "u-img")
	f.upstream.Seed(&models.Image{Meta: models.Meta{ID: "u-img", Name: "snap", Status: models.ImageQueued}})
	_, err := f.filter.Refresh(f.ctx)
	require.NoError(t, err)

	local, err := f.local.Resources(models.KindImage).Create(f.ctx, &models.Image{
		Meta: models.Meta{Name: "snap", Status: models.ImageQueued, Properties: map[string]string{translate.UpstreamIDProperty: "u-img"}},
	})
	require.NoError(t, err)
	f.drain()

	rec := f.record(models.KindImage, models.Local, local.Base().ID)
	require.NotNil(t, rec)
	assert.Equal(t, storage.StateCreating, rec.State)

	_, err = f.upstream.Resources(models.KindImage).Update(f.ctx, "u-img", repository.Delta{Attrs: models.Fields{"status": models.ImageActive}})
	require.NoError(t, err)
	counts := f.drain()
	assert.Equal(t, 1, counts.Adopted)
	assert.Equal(t, 0, counts.Created)

	img := f.get(models.Local, models.KindImage, local.Base().ID).(*models.Image)
	assert.Equal(t, models.ImageActive, img.Status)
	assert.Equal(t, "powervc://images/u-img", img.Location)
	assert.Len(t, f.list(models.Local, models.KindImage), 1)

	rec = f.record(models.KindImage, models.Local, local.Base().ID)
	require.NotNil(t, rec)
	assert.Equal(t, storage.StateActive, rec.State)
	assert.Equal(t, "u-img", rec.UpstreamID)
	assert.NotEmpty(t, rec.UpdateDigest)
	assert.Zero(t, f.rec(models.KindImage).Echo().Len(models.Local), "activation echo was consumed")
}

func TestImageDroppedFromSCGIsEvicted(t *testing.T) {
	f := newFixture(t)
	f.upstream.SetSCGImages("scg-1", "i-x")
	f.upstream.Seed(&models.Image{Meta: models.Meta{ID: "i-x", Name: "aix", Status: models.ImageActive}})
	require.Equal(t, 1, f.sync(models.KindImage, Startup).Created)
	f.drain()
	require.Len(t, f.list(models.Local, models.KindImage), 1)

	f.upstream.SetSCGImages("scg-1")
	counts := f.sync(models.KindImage, Full)
	assert.Equal(t, 1, counts.Deleted)
	assert.Empty(t, f.list(models.Local, models.KindImage))
	assert.Nil(t, f.record(models.KindImage, models.Upstream, "i-x"))

	warned := f.logs.FilterMessageSnippet("no longer accessible on Storage Connectivity Group")
	require.Equal(t, 1, warned.Len())
	assert.Equal(t, "warn", warned.All()[0].Level.String())

	assert.True(t, f.drain().Zero())
}
