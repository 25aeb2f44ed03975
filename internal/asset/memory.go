package asset

import (
	"context"
	"sync"

	"github.com/seawatch/subscriptions/internal/model"
)

// MemorySource is an in-memory Source for development and tests.
type MemorySource struct {
	mu         sync.RWMutex
	assets     map[string]model.Asset
	groups     map[string][]string
	groupCalls int
}

// NewMemorySource creates an empty MemorySource.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		assets: make(map[string]model.Asset),
		groups: make(map[string][]string),
	}
}

// Put stores assets keyed by GUID.
func (m *MemorySource) Put(assets ...model.Asset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range assets {
		m.assets[a.GUID] = a
	}
}

// PutGroup sets the members of a group.
func (m *MemorySource) PutGroup(groupGUID string, memberGUIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[groupGUID] = memberGUIDs
}

// GroupCalls returns how many times AssetsByGroup was called.
func (m *MemorySource) GroupCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groupCalls
}

// Asset implements Source.
func (m *MemorySource) Asset(ctx context.Context, guid string) (*model.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[guid]
	if !ok {
		return nil, ErrAssetNotFound
	}
	return &a, nil
}

// AssetsByGroup implements Source. Unknown members are skipped.
func (m *MemorySource) AssetsByGroup(ctx context.Context, groupGUID string) ([]model.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groupCalls++

	members := m.groups[groupGUID]
	out := make([]model.Asset, 0, len(members))
	for _, guid := range members {
		if a, ok := m.assets[guid]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}
