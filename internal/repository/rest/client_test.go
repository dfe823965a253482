package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

func newClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cp, err := New(repository.Endpoint{Driver: "rest", URL: srv.URL + "/v2", Token: "tok"})
	require.NoError(t, err)
	return cp.(*Client)
}

func TestListFollowsMarker(t *testing.T) {
	var limits []string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/images", r.URL.Path)
		assert.Equal(t, "tok", r.Header.Get("X-Auth-Token"))
		limits = append(limits, r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("marker") == "" {
			_, _ = w.Write([]byte(`{"items":[{"id":"a","name":"one"}],"next_marker":"a"}`))
			return
		}
		_, _ = w.Write([]byte(`{"items":[{"id":"b","name":"two","owner":"o"}]}`))
	}))

	imgs, err := c.Resources(models.KindImage).List(context.Background(), repository.ListOptions{Limit: 500})
	require.NoError(t, err)
	require.Len(t, imgs, 2)
	assert.Equal(t, []string{"500", "500"}, limits)
	assert.Equal(t, "o", imgs[1].(*models.Image).Owner)
}

func TestUpdateSendsDelta(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v2/servers/s1", r.URL.Path)
		var body deltaBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "vm-b", body.Attrs["name"])
		assert.Equal(t, []string{"gone"}, body.RemoveProperties)
		_, _ = w.Write([]byte(`{"id":"s1","name":"vm-b"}`))
	}))

	res, err := c.Resources(models.KindInstance).Update(context.Background(), "s1", repository.Delta{
		Attrs:       models.Fields{"name": "vm-b"},
		RemoveProps: []string{"gone"},
	})
	require.NoError(t, err)
	assert.Equal(t, "vm-b", res.Base().Name)
}

func TestStatusMapping(t *testing.T) {
	cases := map[int]syncerr.Kind{
		http.StatusNotFound:            syncerr.NotFound,
		http.StatusConflict:            syncerr.Conflict,
		http.StatusUnauthorized:        syncerr.Configuration,
		http.StatusServiceUnavailable:  syncerr.Transient,
		http.StatusUnprocessableEntity: syncerr.InvalidState,
	}
	for code, want := range cases {
		code, want := code, want
		t.Run(http.StatusText(code), func(t *testing.T) {
			c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", code)
			}))
			_, err := c.Resources(models.KindVolume).Get(context.Background(), "v1")
			assert.Equal(t, want, syncerr.KindOf(err))
		})
	}
}

func TestSCGImagesNotFound(t *testing.T) {
	c := newClient(t, http.NotFoundHandler())
	_, err := c.ListImageIDsForSCG(context.Background(), "scg-1")
	assert.Equal(t, syncerr.SCGNotFound, syncerr.KindOf(err))
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(repository.Endpoint{Driver: "rest"})
	assert.True(t, syncerr.IsFatal(err))
}
