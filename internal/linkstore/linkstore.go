// Package linkstore provides crash-safe persistence for Telegram account
// links using JSON files.
//
// Each linked wallet is stored as a separate file: link_<address>.json,
// holding the chat id, the user's notification settings, and accumulated
// trading statistics. Writes use atomic file replacement (write to .tmp,
// then rename) to prevent corruption from partial writes or crashes
// mid-save. Records are loaded into memory on Open; reads never touch disk.
package linkstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"hyperliquid-sidecar/pkg/types"
)

// NotificationSettings controls which event classes reach a linked chat.
// The zero value is NOT the default; use DefaultSettings.
type NotificationSettings struct {
	FillNotifications   bool            `json:"fill_notifications"`
	PnlAlerts           bool            `json:"pnl_alerts"`
	LiquidationWarnings bool            `json:"liquidation_warnings"`
	DailyDigest         bool            `json:"daily_digest"`
	MinNotionalValue    decimal.Decimal `json:"min_notional_value"`
}

// DefaultSettings is what a freshly linked account gets: everything on,
// no notional floor.
func DefaultSettings() NotificationSettings {
	return NotificationSettings{
		FillNotifications:   true,
		PnlAlerts:           true,
		LiquidationWarnings: true,
		DailyDigest:         true,
	}
}

// TradingStats accumulates per-user activity counters for the daily digest.
type TradingStats struct {
	OrdersFilled  int             `json:"orders_filled"`
	TotalVolume   decimal.Decimal `json:"total_volume"`
	RealizedPnl   decimal.Decimal `json:"realized_pnl"`
	Notifications int             `json:"notifications"`
	LastActivity  time.Time       `json:"last_activity"`
}

// Record is one wallet's persisted link state.
type Record struct {
	User     types.Address        `json:"user"`
	ChatID   int64                `json:"chat_id"`
	LinkedAt time.Time            `json:"linked_at"`
	Settings NotificationSettings `json:"settings"`
	Stats    TradingStats         `json:"stats"`
}

// Store persists link records to JSON files in a designated directory.
// All operations are mutex-protected to prevent concurrent file corruption.
type Store struct {
	dir     string
	mu      sync.Mutex
	records map[types.Address]*Record
}

// Open creates a store backed by the given directory and loads every
// existing link record into memory. Unreadable files are skipped.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create link store dir: %w", err)
	}

	s := &Store{dir: dir, records: make(map[types.Address]*Record)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read link store dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "link_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil || rec.User == "" {
			continue
		}
		s.records[rec.User] = &rec
	}
	return s, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

func (s *Store) path(user types.Address) string {
	return filepath.Join(s.dir, "link_"+string(user)+".json")
}

// saveLocked atomically persists one record. Caller holds s.mu.
func (s *Store) saveLocked(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal link record: %w", err)
	}

	path := s.path(rec.User)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write link record: %w", err)
	}
	return os.Rename(tmp, path)
}

// Link associates a wallet with a Telegram chat. Relinking an already
// linked wallet updates the chat id but keeps settings and stats.
func (s *Store) Link(user types.Address, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[user]
	if !ok {
		rec = &Record{
			User:     user,
			LinkedAt: time.Now().UTC(),
			Settings: DefaultSettings(),
		}
		s.records[user] = rec
	}
	rec.ChatID = chatID
	return s.saveLocked(rec)
}

// Unlink removes a wallet's link and its file. Returns false if the wallet
// was not linked.
func (s *Store) Unlink(user types.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[user]; !ok {
		return false, nil
	}
	delete(s.records, user)
	if err := os.Remove(s.path(user)); err != nil && !os.IsNotExist(err) {
		return true, fmt.Errorf("remove link record: %w", err)
	}
	return true, nil
}

// ChatID returns the chat linked to a wallet.
func (s *Store) ChatID(user types.Address) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[user]
	if !ok {
		return 0, false
	}
	return rec.ChatID, true
}

// Settings returns a wallet's notification settings, or the defaults if
// the wallet is not linked.
func (s *Store) Settings(user types.Address) NotificationSettings {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[user]; ok {
		return rec.Settings
	}
	return DefaultSettings()
}

// UpdateSettings replaces a wallet's notification settings.
func (s *Store) UpdateSettings(user types.Address, settings NotificationSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[user]
	if !ok {
		return fmt.Errorf("wallet %s is not linked", user.Short())
	}
	rec.Settings = settings
	return s.saveLocked(rec)
}

// RecordFill adds one filled order to a wallet's trading stats. Unlinked
// wallets are ignored.
func (s *Store) RecordFill(user types.Address, notional, realizedPnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[user]
	if !ok {
		return
	}
	rec.Stats.OrdersFilled++
	rec.Stats.TotalVolume = rec.Stats.TotalVolume.Add(notional)
	rec.Stats.RealizedPnl = rec.Stats.RealizedPnl.Add(realizedPnl)
	rec.Stats.LastActivity = time.Now().UTC()
	if err := s.saveLocked(rec); err != nil {
		// Stats are best-effort; the next save will catch up.
		_ = err
	}
}

// RecordNotification counts one delivered notification.
func (s *Store) RecordNotification(user types.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[user]
	if !ok {
		return
	}
	rec.Stats.Notifications++
	_ = s.saveLocked(rec)
}

// Stats returns a wallet's accumulated trading stats.
func (s *Store) Stats(user types.Address) (TradingStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[user]
	if !ok {
		return TradingStats{}, false
	}
	return rec.Stats, true
}

// Linked returns all linked wallet addresses.
func (s *Store) Linked() []types.Address {
	s.mu.Lock()
	defer s.mu.Unlock()

	users := make([]types.Address, 0, len(s.records))
	for user := range s.records {
		users = append(users, user)
	}
	return users
}
