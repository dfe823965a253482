package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstack-archive/powervc-driver-sub000/internal/controller"
	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/reconciler"
	"github.com/openstack-archive/powervc-driver-sub000/internal/storage"
	"github.com/openstack-archive/powervc-driver-sub000/internal/synchronizer"
)

func TestStatusTable(t *testing.T) {
	data := statusTable([]synchronizer.Status{{
		Kind:       models.KindVolume,
		Running:    true,
		QueueDepth: 2,
		Controller: controller.State{StartupDone: true, Ticks: 4, Failures: 1},
		Totals:     reconciler.Counts{Created: 3, Updated: 1},
		Records:    map[storage.State]int{storage.StateActive: 5, storage.StateCreating: 1},
	}})
	require.Len(t, data, 2)
	row := data[1]
	assert.Equal(t, "volume", row[0])
	assert.Contains(t, row[1], "syncing")
	assert.Equal(t, []string{"2", "6", "4", "1", "3", "1", "0", "-"}, row[2:])
}

func TestCallSurfacesServerErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown or disabled resource kind"}`))
	}))
	defer ts.Close()
	baseURL = ts.URL

	var out map[string]any
	err := call(context.Background(), http.MethodPost, "/sync?kind=router", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown or disabled resource kind")
}

func TestKindQuery(t *testing.T) {
	kind = ""
	assert.Empty(t, kindQuery())
	kind = "volume_type"
	assert.Equal(t, "?kind=volume_type", kindQuery())
	kind = ""
}
