package flow

import (
	"context"
	"database/sql"
	"sort"
	"sync"
)

// MemStore is an in-memory Store implementation for tests and for running
// without a filesystem dependency. It is safe for concurrent use.
type MemStore struct {
	mu     sync.Mutex
	flows  map[string]*Flow
	events map[string][]*Event
	raw    map[string]*RawHTTP
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		flows:  make(map[string]*Flow),
		events: make(map[string][]*Event),
		raw:    make(map[string]*RawHTTP),
	}
}

func cloneFlow(f *Flow) *Flow {
	cp := *f
	if f.ReqHead != nil {
		cp.ReqHead = NewHeaders(f.ReqHead)
	}
	if f.RespHead != nil {
		cp.RespHead = NewHeaders(f.RespHead)
	}
	if f.ReqBody != nil {
		b := *f.ReqBody
		cp.ReqBody = &b
	}
	if f.RespBody != nil {
		b := *f.RespBody
		cp.RespBody = &b
	}
	return &cp
}

// SaveFlow upserts f by ID.
func (m *MemStore) SaveFlow(ctx context.Context, f *Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[f.ID] = cloneFlow(f)
	return nil
}

// InitFlowEvents ensures flowID has an (initially empty) event log.
func (m *MemStore) InitFlowEvents(ctx context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[flowID]; !ok {
		m.events[flowID] = nil
	}
	return nil
}

// AddEvent appends e to its flow's event log in call order.
func (m *MemStore) AddEvent(ctx context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.events[e.FlowID] = append(m.events[e.FlowID], &cp)
	return nil
}

// GetEvents returns the events recorded for flowID, in arrival order.
func (m *MemStore) GetEvents(ctx context.Context, flowID string) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Event(nil), m.events[flowID]...), nil
}

// InitRawHTTP records the request half of a raw HTTP snapshot.
func (m *MemStore) InitRawHTTP(ctx context.Context, flowID, request string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.raw[flowID]
	if !ok {
		r = &RawHTTP{FlowID: flowID}
		m.raw[flowID] = r
	}
	r.Request = request
	return nil
}

// SetRawHTTPResponse records the response half of a raw HTTP snapshot.
func (m *MemStore) SetRawHTTPResponse(ctx context.Context, flowID, response string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.raw[flowID]
	if !ok {
		return sql.ErrNoRows
	}
	r.Response = response
	return nil
}

// DeleteRawHTTP removes the raw HTTP snapshot for flowID, if any.
func (m *MemStore) DeleteRawHTTP(ctx context.Context, flowID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.raw, flowID)
	return nil
}

// GetFlow retrieves a flow by ID.
func (m *MemStore) GetFlow(ctx context.Context, id string) (*Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return cloneFlow(f), nil
}

// ListFlows returns all flows, most recently created first.
func (m *MemStore) ListFlows(ctx context.Context) ([]*Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	flows := make([]*Flow, 0, len(m.flows))
	for _, f := range m.flows {
		flows = append(flows, cloneFlow(f))
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].CreatedAt.After(flows[j].CreatedAt) })
	return flows, nil
}

// Close is a no-op for MemStore.
func (m *MemStore) Close() error {
	return nil
}

// RawHTTPFor returns the raw HTTP snapshot recorded for flowID, if any.
// It exists only for tests; the Store interface itself has no general
// raw-HTTP getter since nothing in the pipeline needs to read one back.
func (m *MemStore) RawHTTPFor(flowID string) (*RawHTTP, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.raw[flowID]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}
