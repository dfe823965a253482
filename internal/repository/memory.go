package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/syncerr"
)

// Memory is an in-process control plane. It keeps every kind in maps, stamps
// a strictly increasing updated_at on each write, and publishes its own
// changes to subscribers the way a real control plane does on its bus.
type Memory struct {
	name string

	mu        sync.RWMutex
	resources map[models.Kind]map[string]models.Resource
	lastStamp time.Time
	failures  map[string]error

	scgs      []SCG
	scgImages map[string][]string
	projects  map[string]string
	users     map[string]string
	stats     HostStats

	subMu  sync.RWMutex
	subs   map[int]*memorySub
	nextID int
}

type memorySub struct {
	topics  []string
	handler Handler
}

// NewMemory creates an empty control plane. The name is used only in errors.
func NewMemory(name string) *Memory {
	return &Memory{
		name:      name,
		resources: make(map[models.Kind]map[string]models.Resource),
		failures:  make(map[string]error),
		scgImages: make(map[string][]string),
		projects:  make(map[string]string),
		users:     make(map[string]string),
		subs:      make(map[int]*memorySub),
	}
}

func (m *Memory) Resources(kind models.Kind) Repository {
	return &memoryRepo{m: m, kind: kind}
}

func (m *Memory) Close() error { return nil }

// Seed stores r as-is without notifying. UpdatedAt is stamped when zero.
func (m *Memory) Seed(r models.Resource) models.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := r.Clone()
	meta := c.Base()
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = m.stampLocked()
	} else if meta.UpdatedAt.After(m.lastStamp) {
		m.lastStamp = meta.UpdatedAt
	}
	m.bucketLocked(c.Kind())[meta.ID] = c
	return c.Clone()
}

// FailNext makes the next call of op ("list", "get", "create", "update",
// "delete") on kind return err.
func (m *Memory) FailNext(kind models.Kind, op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[string(kind)+"/"+op] = err
}

func (m *Memory) AddSCG(scg SCG, imageIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scgs = append(m.scgs, scg)
	m.scgImages[scg.ID] = append([]string(nil), imageIDs...)
}

// RemoveSCG drops an SCG and its image listing.
func (m *Memory) RemoveSCG(scgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.scgs[:0]
	for _, s := range m.scgs {
		if s.ID != scgID {
			kept = append(kept, s)
		}
	}
	m.scgs = kept
	delete(m.scgImages, scgID)
}

// SetSCGImages replaces the image listing of an SCG.
func (m *Memory) SetSCGImages(scgID string, imageIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scgImages[scgID] = append([]string(nil), imageIDs...)
}

func (m *Memory) AddIdentity(projectName, projectID, userName, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.projects[projectName] = projectID
	m.users[userName] = userID
}

func (m *Memory) SetHostStats(s HostStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = s
}

func (m *Memory) Subscribe(_ context.Context, topics []string, h Handler) (Subscription, error) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.nextID++
	id := m.nextID
	m.subs[id] = &memorySub{topics: append([]string(nil), topics...), handler: h}
	return &memorySubscription{m: m, id: id}, nil
}

type memorySubscription struct {
	m  *Memory
	id int
}

func (s *memorySubscription) Unsubscribe() error {
	s.m.subMu.Lock()
	defer s.m.subMu.Unlock()
	delete(s.m.subs, s.id)
	return nil
}

// Emit publishes a notification as if the control plane had produced it.
func (m *Memory) Emit(n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	m.subMu.RLock()
	handlers := make([]Handler, 0, len(m.subs))
	for _, s := range m.subs {
		if MatchTopic(s.topics, n.EventType) {
			handlers = append(handlers, s.handler)
		}
	}
	m.subMu.RUnlock()
	for _, h := range handlers {
		h(n)
	}
}

func (m *Memory) emit(kind models.Kind, action Action, r models.Resource, id string) {
	n := Notification{
		EventType:  EventTypeFor(kind, action),
		Kind:       kind,
		Action:     action,
		ResourceID: id,
	}
	if r != nil {
		n.Resource = r.Clone()
	}
	m.Emit(n)
}

func (m *Memory) ListSCGs(ctx context.Context) ([]SCG, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]SCG(nil), m.scgs...), nil
}

func (m *Memory) ListImageIDsForSCG(ctx context.Context, scgID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, ok := m.scgImages[scgID]
	if !ok {
		return nil, syncerr.New(syncerr.SCGNotFound, "list scg images", "%s: scg %s", m.name, scgID)
	}
	return append([]string(nil), ids...), nil
}

func (m *Memory) ProjectID(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.projects[name]; ok {
		return id, nil
	}
	return "", syncerr.New(syncerr.NotFound, "resolve project", "%s: project %s", m.name, name)
}

func (m *Memory) UserID(ctx context.Context, name string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.users[name]; ok {
		return id, nil
	}
	return "", syncerr.New(syncerr.NotFound, "resolve user", "%s: user %s", m.name, name)
}

func (m *Memory) HostStats(ctx context.Context) (HostStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats, nil
}

// ActivateImage moves a queued image to active and records its location.
// Like a real image service it announces this as image.activate.
func (m *Memory) ActivateImage(ctx context.Context, id, location string) (models.Resource, error) {
	repo := &memoryRepo{m: m, kind: models.KindImage}
	out, err := repo.apply(id, Delta{Attrs: models.Fields{
		"status":   models.ImageActive,
		"location": location,
	}})
	if err != nil {
		return nil, err
	}
	kind, action, _ := Classify(ImageActivateEvent)
	m.Emit(Notification{EventType: ImageActivateEvent, Kind: kind, Action: action, ResourceID: id, Resource: out.Clone()})
	return out, nil
}

func (m *Memory) bucketLocked(kind models.Kind) map[string]models.Resource {
	b, ok := m.resources[kind]
	if !ok {
		b = make(map[string]models.Resource)
		m.resources[kind] = b
	}
	return b
}

// stampLocked returns a timestamp strictly after every earlier one.
func (m *Memory) stampLocked() time.Time {
	now := time.Now().UTC()
	if !now.After(m.lastStamp) {
		now = m.lastStamp.Add(time.Microsecond)
	}
	m.lastStamp = now
	return now
}

func (m *Memory) failureLocked(kind models.Kind, op string) error {
	key := string(kind) + "/" + op
	if err, ok := m.failures[key]; ok {
		delete(m.failures, key)
		return err
	}
	return nil
}

type memoryRepo struct {
	m    *Memory
	kind models.Kind
}

func (r *memoryRepo) Kind() models.Kind { return r.kind }

func (r *memoryRepo) List(ctx context.Context, opts ListOptions) ([]models.Resource, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.failureLocked(r.kind, "list"); err != nil {
		return nil, err
	}
	out := make([]models.Resource, 0, len(r.m.resources[r.kind]))
	for _, res := range r.m.resources[r.kind] {
		if matches(res, opts) {
			out = append(out, res.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Base().ID < out[j].Base().ID })
	return out, nil
}

func matches(res models.Resource, opts ListOptions) bool {
	switch v := res.(type) {
	case *models.Port:
		if opts.DeviceID != "" && v.DeviceID != opts.DeviceID {
			return false
		}
		if opts.TenantID != "" && v.ProjectID != opts.TenantID {
			return false
		}
		if opts.NetworkID != "" && v.NetworkID != opts.NetworkID {
			return false
		}
	case *models.Image:
		if opts.IsPublic != nil && (v.Visibility == "public") != *opts.IsPublic {
			return false
		}
	case *models.Subnet:
		if opts.NetworkID != "" && v.NetworkID != opts.NetworkID {
			return false
		}
	}
	return true
}

func (r *memoryRepo) Get(ctx context.Context, id string) (models.Resource, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.failureLocked(r.kind, "get"); err != nil {
		return nil, err
	}
	res, ok := r.m.resources[r.kind][id]
	if !ok {
		return nil, syncerr.New(syncerr.NotFound, "get", "%s: %s %s", r.m.name, r.kind, id)
	}
	return res.Clone(), nil
}

func (r *memoryRepo) Create(ctx context.Context, res models.Resource) (models.Resource, error) {
	r.m.mu.Lock()
	if err := r.m.failureLocked(r.kind, "create"); err != nil {
		r.m.mu.Unlock()
		return nil, err
	}
	c := res.Clone()
	meta := c.Base()
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	bucket := r.m.bucketLocked(r.kind)
	if _, exists := bucket[meta.ID]; exists {
		r.m.mu.Unlock()
		return nil, syncerr.New(syncerr.Conflict, "create", "%s: %s %s exists", r.m.name, r.kind, meta.ID)
	}
	meta.UpdatedAt = r.m.stampLocked()
	bucket[meta.ID] = c
	out := c.Clone()
	r.m.mu.Unlock()

	r.m.emit(r.kind, ActionCreate, out, meta.ID)
	return out, nil
}

func (r *memoryRepo) Update(ctx context.Context, id string, d Delta) (models.Resource, error) {
	out, err := r.apply(id, d)
	if err != nil {
		return nil, err
	}
	r.m.emit(r.kind, ActionUpdate, out, id)
	return out, nil
}

// apply stores an updated copy without notifying anyone.
func (r *memoryRepo) apply(id string, d Delta) (models.Resource, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.failureLocked(r.kind, "update"); err != nil {
		return nil, err
	}
	res, ok := r.m.resources[r.kind][id]
	if !ok {
		return nil, syncerr.New(syncerr.NotFound, "update", "%s: %s %s", r.m.name, r.kind, id)
	}
	c := res.Clone()
	if err := d.Apply(c); err != nil {
		return nil, syncerr.Wrap(syncerr.Conflict, "update", err)
	}
	c.Base().UpdatedAt = r.m.stampLocked()
	r.m.resources[r.kind][id] = c
	return c.Clone(), nil
}

func (r *memoryRepo) Delete(ctx context.Context, id string) error {
	r.m.mu.Lock()
	if err := r.m.failureLocked(r.kind, "delete"); err != nil {
		r.m.mu.Unlock()
		return err
	}
	res, ok := r.m.resources[r.kind][id]
	if !ok {
		r.m.mu.Unlock()
		return syncerr.New(syncerr.NotFound, "delete", "%s: %s %s", r.m.name, r.kind, id)
	}
	delete(r.m.resources[r.kind], id)
	r.m.mu.Unlock()

	r.m.emit(r.kind, ActionDelete, res, id)
	return nil
}
