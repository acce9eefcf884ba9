package linkstore

import (
	"testing"

	"github.com/shopspring/decimal"

	"hyperliquid-sidecar/pkg/types"
)

const testUser = types.Address("0xabcdef1234567890abcdef1234567890abcdef12")

func TestLinkAndChatID(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, ok := s.ChatID(testUser); ok {
		t.Fatal("unlinked wallet reported a chat id")
	}

	if err := s.Link(testUser, 12345); err != nil {
		t.Fatalf("Link: %v", err)
	}
	chat, ok := s.ChatID(testUser)
	if !ok || chat != 12345 {
		t.Errorf("ChatID = %d, %v", chat, ok)
	}

	settings := s.Settings(testUser)
	if !settings.FillNotifications || !settings.PnlAlerts || !settings.DailyDigest {
		t.Errorf("fresh link settings = %+v, want defaults on", settings)
	}
}

func TestLinkSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Link(testUser, 777); err != nil {
		t.Fatalf("Link: %v", err)
	}
	custom := DefaultSettings()
	custom.FillNotifications = false
	custom.MinNotionalValue = decimal.RequireFromString("50")
	if err := s.UpdateSettings(testUser, custom); err != nil {
		t.Fatalf("UpdateSettings: %v", err)
	}
	s.RecordFill(testUser, decimal.RequireFromString("1000"), decimal.RequireFromString("12.5"))
	s.Close()

	reopened, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	chat, ok := reopened.ChatID(testUser)
	if !ok || chat != 777 {
		t.Fatalf("ChatID after reopen = %d, %v", chat, ok)
	}
	settings := reopened.Settings(testUser)
	if settings.FillNotifications {
		t.Error("settings change lost across reopen")
	}
	if !settings.MinNotionalValue.Equal(decimal.RequireFromString("50")) {
		t.Errorf("min notional = %s, want 50", settings.MinNotionalValue)
	}
	stats, ok := reopened.Stats(testUser)
	if !ok || stats.OrdersFilled != 1 || !stats.TotalVolume.Equal(decimal.RequireFromString("1000")) {
		t.Errorf("stats after reopen = %+v", stats)
	}
}

func TestRelinkKeepsSettings(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.Link(testUser, 1); err != nil {
		t.Fatal(err)
	}
	custom := DefaultSettings()
	custom.PnlAlerts = false
	if err := s.UpdateSettings(testUser, custom); err != nil {
		t.Fatal(err)
	}

	if err := s.Link(testUser, 2); err != nil {
		t.Fatal(err)
	}
	chat, _ := s.ChatID(testUser)
	if chat != 2 {
		t.Errorf("chat = %d, want 2", chat)
	}
	if s.Settings(testUser).PnlAlerts {
		t.Error("relink reset settings")
	}
}

func TestUnlink(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if removed, _ := s.Unlink(testUser); removed {
		t.Error("Unlink of unknown wallet reported removal")
	}

	if err := s.Link(testUser, 9); err != nil {
		t.Fatal(err)
	}
	removed, err := s.Unlink(testUser)
	if err != nil || !removed {
		t.Fatalf("Unlink = %v, %v", removed, err)
	}
	if _, ok := s.ChatID(testUser); ok {
		t.Error("wallet still linked after Unlink")
	}
	if len(s.Linked()) != 0 {
		t.Errorf("Linked = %v", s.Linked())
	}
}

func TestUpdateSettingsRequiresLink(t *testing.T) {
	t.Parallel()

	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if err := s.UpdateSettings(testUser, DefaultSettings()); err == nil {
		t.Error("UpdateSettings on unlinked wallet succeeded")
	}
}
