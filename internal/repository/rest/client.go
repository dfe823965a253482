// Package rest adapts a JSON REST control plane to the repository
// interfaces.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

var collections = map[models.Kind]string{
	models.KindInstance:   "servers",
	models.KindImage:      "images",
	models.KindVolumeType: "types",
	models.KindVolume:     "volumes",
	models.KindNetwork:    "networks",
	models.KindSubnet:     "subnets",
	models.KindPort:       "ports",
}

// Client talks to one control plane. It is safe for concurrent use.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New is a repository.Factory.
func New(ep repository.Endpoint) (repository.ControlPlane, error) {
	if ep.URL == "" {
		return nil, syncerr.New(syncerr.Configuration, "rest", "endpoint url is empty")
	}
	u, err := url.Parse(strings.TrimSuffix(ep.URL, "/"))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Configuration, "rest", err)
	}
	timeout := ep.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{base: u, token: ep.Token, http: &http.Client{Timeout: timeout}}, nil
}

func (c *Client) Resources(kind models.Kind) repository.Repository {
	return &kindClient{c: c, kind: kind, collection: collections[kind]}
}

func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

type listPage struct {
	Items      []json.RawMessage `json:"items"`
	NextMarker string            `json:"next_marker,omitempty"`
}

type deltaBody struct {
	Attrs            models.Fields     `json:"attrs,omitempty"`
	Properties       map[string]string `json:"properties,omitempty"`
	RemoveProperties []string          `json:"remove_properties,omitempty"`
}

type kindClient struct {
	c          *Client
	kind       models.Kind
	collection string
}

func (k *kindClient) Kind() models.Kind { return k.kind }

func (k *kindClient) List(ctx context.Context, opts repository.ListOptions) ([]models.Resource, error) {
	q := url.Values{}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.IsPublic != nil {
		q.Set("is_public", strconv.FormatBool(*opts.IsPublic))
	}
	if opts.AllTenants {
		q.Set("all_tenants", "true")
	}
	if opts.DeviceID != "" {
		q.Set("device_id", opts.DeviceID)
	}
	if opts.TenantID != "" {
		q.Set("tenant_id", opts.TenantID)
	}
	if opts.NetworkID != "" {
		q.Set("network_id", opts.NetworkID)
	}

	var out []models.Resource
	for {
		var page listPage
		if err := k.c.do(ctx, http.MethodGet, k.collection, q, nil, &page); err != nil {
			return nil, err
		}
		for _, raw := range page.Items {
			r, err := k.decode(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		if page.NextMarker == "" || len(page.Items) == 0 {
			return out, nil
		}
		q.Set("marker", page.NextMarker)
	}
}

func (k *kindClient) Get(ctx context.Context, id string) (models.Resource, error) {
	var raw json.RawMessage
	if err := k.c.do(ctx, http.MethodGet, k.collection+"/"+url.PathEscape(id), nil, nil, &raw); err != nil {
		return nil, err
	}
	return k.decode(raw)
}

func (k *kindClient) Create(ctx context.Context, r models.Resource) (models.Resource, error) {
	var raw json.RawMessage
	if err := k.c.do(ctx, http.MethodPost, k.collection, nil, r, &raw); err != nil {
		return nil, err
	}
	return k.decode(raw)
}

func (k *kindClient) Update(ctx context.Context, id string, d repository.Delta) (models.Resource, error) {
	body := deltaBody{Attrs: d.Attrs, Properties: d.Props, RemoveProperties: d.RemoveProps}
	var raw json.RawMessage
	if err := k.c.do(ctx, http.MethodPatch, k.collection+"/"+url.PathEscape(id), nil, body, &raw); err != nil {
		return nil, err
	}
	return k.decode(raw)
}

func (k *kindClient) Delete(ctx context.Context, id string) error {
	return k.c.do(ctx, http.MethodDelete, k.collection+"/"+url.PathEscape(id), nil, nil, nil)
}

func (k *kindClient) decode(raw json.RawMessage) (models.Resource, error) {
	r, err := models.New(k.kind)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, r); err != nil {
		return nil, syncerr.Wrap(syncerr.Configuration, "decode "+string(k.kind), err)
	}
	return r, nil
}

func (c *Client) ListSCGs(ctx context.Context) ([]repository.SCG, error) {
	var out struct {
		Items []repository.SCG `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "storage-connectivity-groups", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) ListImageIDsForSCG(ctx context.Context, scgID string) ([]string, error) {
	var out struct {
		ImageIDs []string `json:"image_ids"`
	}
	err := c.do(ctx, http.MethodGet, "storage-connectivity-groups/"+url.PathEscape(scgID)+"/images", nil, nil, &out)
	if syncerr.IsNotFound(err) {
		return nil, syncerr.Wrap(syncerr.SCGNotFound, "list scg images", err)
	}
	if err != nil {
		return nil, err
	}
	return out.ImageIDs, nil
}

// ActivateImage uses the v1 image API, which accepts a location and status
// on an already queued image.
func (c *Client) ActivateImage(ctx context.Context, id, location string) (models.Resource, error) {
	body := map[string]string{"status": models.ImageActive, "location": location}
	var img models.Image
	if err := c.do(ctx, http.MethodPut, "v1/images/"+url.PathEscape(id), nil, body, &img); err != nil {
		return nil, err
	}
	return &img, nil
}

func (c *Client) ProjectID(ctx context.Context, name string) (string, error) {
	return c.lookupIdentity(ctx, "identity/projects", name)
}

func (c *Client) UserID(ctx context.Context, name string) (string, error) {
	return c.lookupIdentity(ctx, "identity/users", name)
}

func (c *Client) lookupIdentity(ctx context.Context, path, name string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodGet, path, url.Values{"name": {name}}, nil, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) HostStats(ctx context.Context) (repository.HostStats, error) {
	var out repository.HostStats
	err := c.do(ctx, http.MethodGet, "os-hypervisors/statistics", nil, nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	op := method + " " + path
	u := *c.base
	u.Path = u.Path + "/" + path
	if q != nil {
		u.RawQuery = q.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode: %w", op, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return syncerr.Wrap(syncerr.Configuration, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Auth-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return syncerr.Wrap(syncerr.Cancelled, op, ctx.Err())
		}
		return syncerr.Wrap(syncerr.Transient, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return statusError(op, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return syncerr.Wrap(syncerr.Transient, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func statusError(op string, code int, msg string) error {
	err := fmt.Errorf("http %d: %s", code, msg)
	switch {
	case code == http.StatusNotFound:
		return syncerr.Wrap(syncerr.NotFound, op, err)
	case code == http.StatusConflict:
		return syncerr.Wrap(syncerr.Conflict, op, err)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return syncerr.Wrap(syncerr.Configuration, op, err)
	case code >= 500:
		return syncerr.Wrap(syncerr.Transient, op, err)
	}
	return syncerr.Wrap(syncerr.InvalidState, op, err)
}
