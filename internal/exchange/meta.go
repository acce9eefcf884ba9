// meta.go maintains the asset index <-> coin symbol mapping.
//
// Order actions address assets by universe index while fills and positions
// carry coin symbols, so both directions are needed. A baked-in default map
// covers the majors so the sidecar is useful before the first successful
// meta query; Refresh replaces it with the live universe.
package exchange

import (
	"context"
	"sync"

	"hyperliquid-sidecar/pkg/types"
)

// defaultUniverse seeds the map until a live meta response arrives.
var defaultUniverse = []types.AssetInfo{
	{Name: "SOL", SzDecimals: 2},
	{Name: "APT", SzDecimals: 2},
	{Name: "ATOM", SzDecimals: 2},
	{Name: "BTC", SzDecimals: 5},
	{Name: "ETH", SzDecimals: 4},
}

// AssetMap resolves asset indices to coin symbols and back. Safe for
// concurrent use.
type AssetMap struct {
	mu       sync.RWMutex
	universe []types.AssetInfo
	byName   map[string]int
}

// NewAssetMap creates a map seeded with the default universe.
func NewAssetMap() *AssetMap {
	m := &AssetMap{}
	m.set(defaultUniverse)
	return m
}

func (m *AssetMap) set(universe []types.AssetInfo) {
	byName := make(map[string]int, len(universe))
	for i, a := range universe {
		byName[a.Name] = i
	}
	m.mu.Lock()
	m.universe = universe
	m.byName = byName
	m.mu.Unlock()
}

// Refresh replaces the universe from a live meta query.
func (m *AssetMap) Refresh(ctx context.Context, client *Client) error {
	meta, err := client.Meta(ctx)
	if err != nil {
		return err
	}
	if len(meta.Universe) > 0 {
		m.set(meta.Universe)
	}
	return nil
}

// Coin resolves an asset index to its symbol. Returns "" when unknown.
func (m *AssetMap) Coin(index int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index < 0 || index >= len(m.universe) {
		return ""
	}
	return m.universe[index].Name
}

// Index resolves a coin symbol to its asset index. Returns -1 when unknown.
func (m *AssetMap) Index(coin string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i, ok := m.byName[coin]; ok {
		return i
	}
	return -1
}

// SzDecimals returns the size precision for a coin, or -1 when unknown.
func (m *AssetMap) SzDecimals(coin string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i, ok := m.byName[coin]; ok {
		return m.universe[i].SzDecimals
	}
	return -1
}
