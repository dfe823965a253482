package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/reconciler"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/synchronizer"
)

type fakeSync struct {
	kind      models.Kind
	triggered int
	err       error
}

func (f *fakeSync) Kind() models.Kind { return f.kind }
func (f *fakeSync) TriggerSync()      { f.triggered++ }
func (f *fakeSync) Status(context.Context) (synchronizer.Status, error) {
	return synchronizer.Status{Kind: f.kind, Running: true, QueueDepth: 3}, f.err
}

type fakeHosts struct {
	stats repository.HostStats
	err   error
}

func (f fakeHosts) HostStats(context.Context) (repository.HostStats, error) { return f.stats, f.err }

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestStatusAndSync(t *testing.T) {
	img := &fakeSync{kind: models.KindImage}
	vol := &fakeSync{kind: models.KindVolume}
	h := NewHTTPHandler([]Synchronizer{vol, img}, Options{})

	rr := do(t, h, http.MethodGet, "/status")
	require.Equal(t, http.StatusOK, rr.Code)
	var all []synchronizer.Status
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&all))
	require.Len(t, all, 2)
	assert.Equal(t, models.KindImage, all[0].Kind)
	assert.Equal(t, 3, all[1].QueueDepth)

	rr = do(t, h, http.MethodPost, "/sync?kind=volume")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 1, vol.triggered)
	assert.Zero(t, img.triggered)

	rr = do(t, h, http.MethodPost, "/sync")
	assert.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 2, vol.triggered)
	assert.Equal(t, 1, img.triggered)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/sync?kind=port").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/status?kind=router").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/sync").Code)
}

func TestStatusFailure(t *testing.T) {
	h := NewHTTPHandler([]Synchronizer{&fakeSync{kind: models.KindPort, err: errors.New("badger closed")}}, Options{})
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodGet, "/status").Code)
}

func TestCapacityIsClamped(t *testing.T) {
	h := NewHTTPHandler(nil, Options{
		Hosts:           fakeHosts{stats: repository.HostStats{VCPUs: 64, MemoryMB: 1 << 20, DiskGB: 900000}},
		MaxHostDiskSize: 10240,
	})
	rr := do(t, h, http.MethodGet, "/capacity")
	require.Equal(t, http.StatusOK, rr.Code)
	var got repository.HostStats
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&got))
	assert.Equal(t, repository.HostStats{VCPUs: 64, MemoryMB: 1 << 20, DiskGB: 10240}, got)

	assert.Equal(t, http.StatusNotImplemented, do(t, NewHTTPHandler(nil, Options{}), http.MethodGet, "/capacity").Code)
	failing := NewHTTPHandler(nil, Options{Hosts: fakeHosts{err: errors.New("down")}})
	assert.Equal(t, http.StatusBadGateway, do(t, failing, http.MethodGet, "/capacity").Code)
}

func TestClampCapacity(t *testing.T) {
	s := repository.HostStats{DiskGB: 50}
	assert.Equal(t, int64(50), ClampCapacity(s, 0).DiskGB)
	assert.Equal(t, int64(50), ClampCapacity(s, 100).DiskGB)
	assert.Equal(t, int64(20), ClampCapacity(s, 20).DiskGB)
}

func TestMetricsEndpoint(t *testing.T) {
	m := NewMetrics(nil)
	m.Outbound(models.KindVolume, models.Upstream, repository.ActionCreate, nil)
	m.Suppressed(models.KindVolume, models.Local)
	m.Tick(models.KindVolume, reconciler.Full, 2*time.Second, reconciler.Counts{Created: 2}, nil)
	m.Event(models.KindImage, models.Upstream, errors.New("boom"))
	m.QueueDepth(models.KindImage, 4)

	h := NewHTTPHandler(nil, Options{Metrics: m})
	rr := do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, `fedsync_outbound_calls_total{action="create",kind="volume",result="ok",side="upstream"} 1`)
	assert.Contains(t, text, `fedsync_echoes_suppressed_total{kind="volume",side="local"} 1`)
	assert.Contains(t, text, `fedsync_sync_ticks_total{kind="volume",mode="full",result="ok"} 1`)
	assert.Contains(t, text, `fedsync_sync_changes_total{change="created",kind="volume"} 2`)
	assert.Contains(t, text, `fedsync_events_handled_total{kind="image",result="error",side="upstream"} 1`)
	assert.Contains(t, text, `fedsync_queue_depth{kind="image"} 4`)
}
