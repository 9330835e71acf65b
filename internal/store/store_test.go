package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fleetmon/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndFindServer(t *testing.T) {
	s := newTestStore(t)

	created, err := s.CreateServer(&models.ServerRecord{Code: "S1", Name: "Alpha", IP: "10.0.0.5", Port: 9000})
	if err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected assigned id")
	}

	found, err := s.FindServerByCode("S1")
	if err != nil {
		t.Fatalf("FindServerByCode: %v", err)
	}
	if found.Name != "Alpha" || found.IP != "10.0.0.5" || found.Port != 9000 {
		t.Fatalf("unexpected record: %+v", found)
	}
	if found.UpTime != 0 || len(found.Processes) != 0 {
		t.Fatalf("new record should start empty: %+v", found)
	}

	if _, err := s.FindServerByCode("missing"); !errors.Is(err, ErrServerNotFound) {
		t.Fatalf("expected ErrServerNotFound, got %v", err)
	}
}

func TestCreateServerDuplicateCode(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.CreateServer(&models.ServerRecord{Code: "S1", Name: "Alpha"}); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	if _, err := s.CreateServer(&models.ServerRecord{Code: "S1", Name: "Other"}); !errors.Is(err, ErrServerExists) {
		t.Fatalf("expected ErrServerExists, got %v", err)
	}
}

func TestListAndCountServers(t *testing.T) {
	s := newTestStore(t)

	for _, code := range []string{"B", "A", "C"} {
		if _, err := s.CreateServer(&models.ServerRecord{Code: code, Name: "srv-" + code}); err != nil {
			t.Fatalf("CreateServer(%s): %v", code, err)
		}
	}

	records, err := s.ListServers()
	if err != nil {
		t.Fatalf("ListServers: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("records = %d, want 3", len(records))
	}
	if records[0].Code != "A" || records[2].Code != "C" {
		t.Fatalf("not ordered by code: %s, %s, %s", records[0].Code, records[1].Code, records[2].Code)
	}

	count, err := s.CountServers()
	if err != nil {
		t.Fatalf("CountServers: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}

func TestUpdateServerMetricsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateServer(&models.ServerRecord{Code: "S1", Name: "Alpha"}); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}

	status := &models.ServerStatus{Code: "S1", UpTime: 120, DownTime: 30, Availability: 80}
	status.CPUHistory.Set(10, 42.5)
	status.RAMHistory.Set(23, 61.27)

	if err := s.UpdateServerMetrics("S1", status); err != nil {
		t.Fatalf("UpdateServerMetrics: %v", err)
	}

	found, err := s.FindServerByCode("S1")
	if err != nil {
		t.Fatalf("FindServerByCode: %v", err)
	}
	if found.UpTime != 120 || found.DownTime != 30 || found.Availability != 80 {
		t.Fatalf("counters lost: %+v", found)
	}
	if got, ok := found.CPUHistory.At(10); !ok || got != 42.5 {
		t.Fatalf("cpu slot 10 = %v (set=%v), want 42.5", got, ok)
	}
	if got, ok := found.RAMHistory.At(23); !ok || got != 61.27 {
		t.Fatalf("ram slot 23 = %v (set=%v), want 61.27", got, ok)
	}
	if _, ok := found.CPUHistory.At(0); ok {
		t.Fatal("slot 0 should be unset")
	}
}

func TestUpdateServerProcessesRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateServer(&models.ServerRecord{Code: "S1", Name: "Alpha"}); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}

	processes := []*models.ProcessStatus{
		{Name: "WEB", Version: "2.0", Status: models.ProcessRunning, RunningTime: 42},
		{Name: "AI-SERVER", Version: "1.1", Status: models.ProcessStopped},
	}
	if err := s.UpdateServerProcesses("S1", processes); err != nil {
		t.Fatalf("UpdateServerProcesses: %v", err)
	}

	found, err := s.FindServerByCode("S1")
	if err != nil {
		t.Fatalf("FindServerByCode: %v", err)
	}
	if len(found.Processes) != 2 {
		t.Fatalf("processes = %d, want 2", len(found.Processes))
	}
	if found.Processes[0].Name != "WEB" || found.Processes[0].RunningTime != 42 {
		t.Fatalf("unexpected process: %+v", found.Processes[0])
	}
}

func TestAppendLogBatchAndQuery(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	var batch []*models.LogEntry
	for i := 0; i < 5; i++ {
		batch = append(batch, &models.LogEntry{
			ServerCode: "S1", Type: "info", Message: "line", Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	batch = append(batch,
		&models.LogEntry{ServerCode: "S1", Type: "error", Message: "boom", Timestamp: base.Add(10 * time.Minute)},
		&models.LogEntry{ServerCode: "S2", Type: "info", Message: "other", Timestamp: base},
	)
	if err := s.AppendLogBatch(batch); err != nil {
		t.Fatalf("AppendLogBatch: %v", err)
	}

	entries, total, err := s.QueryLogs(LogFilter{ServerCode: "S1"})
	if err != nil {
		t.Fatalf("QueryLogs: %v", err)
	}
	if total != 6 {
		t.Fatalf("total = %d, want 6", total)
	}
	if entries[0].Message != "boom" {
		t.Fatalf("newest first violated, got %q", entries[0].Message)
	}

	entries, total, err = s.QueryLogs(LogFilter{ServerCode: "S1", Type: "error"})
	if err != nil {
		t.Fatalf("QueryLogs by type: %v", err)
	}
	if total != 1 || entries[0].Type != "error" {
		t.Fatalf("type filter failed: total=%d entries=%+v", total, entries)
	}

	entries, total, err = s.QueryLogs(LogFilter{ServerCode: "S1", Limit: 2, Page: 2})
	if err != nil {
		t.Fatalf("QueryLogs paged: %v", err)
	}
	if total != 6 || len(entries) != 2 {
		t.Fatalf("page 2 with limit 2: total=%d len=%d", total, len(entries))
	}

	_, total, err = s.QueryLogs(LogFilter{Start: base.Add(5 * time.Minute)})
	if err != nil {
		t.Fatalf("QueryLogs by start: %v", err)
	}
	if total != 1 {
		t.Fatalf("start filter total = %d, want 1", total)
	}
}

func TestAppendLogBatchEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendLogBatch(nil); err != nil {
		t.Fatalf("empty batch must be a no-op, got %v", err)
	}
}

func TestNotificationLifecycle(t *testing.T) {
	s := newTestStore(t)
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	first, err := s.InsertNotification(&models.Notification{
		ServerCode: "S1", ServerName: "Alpha", Type: models.NotificationDisconnected, Timestamp: now,
	})
	if err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}
	if _, err := s.InsertNotification(&models.Notification{
		ServerCode: "S1", ServerName: "Alpha", Type: models.NotificationConnected, Timestamp: now.Add(time.Minute),
	}); err != nil {
		t.Fatalf("InsertNotification: %v", err)
	}

	recent, err := s.HasRecentNotification("S1", models.NotificationDisconnected, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("HasRecentNotification: %v", err)
	}
	if !recent {
		t.Fatal("expected a recent disconnected notification")
	}
	recent, err = s.HasRecentNotification("S1", models.NotificationDisconnected, now.Add(time.Second))
	if err != nil {
		t.Fatalf("HasRecentNotification: %v", err)
	}
	if recent {
		t.Fatal("notification before the threshold should not count")
	}
	recent, err = s.HasRecentNotification("S2", models.NotificationDisconnected, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("HasRecentNotification: %v", err)
	}
	if recent {
		t.Fatal("other server's notifications should not match")
	}

	list, err := s.ListNotifications()
	if err != nil {
		t.Fatalf("ListNotifications: %v", err)
	}
	if len(list) != 2 || list[0].Type != models.NotificationConnected {
		t.Fatalf("unexpected list: %+v", list)
	}

	if err := s.MarkNotificationRead(first.ID); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}
	list, _ = s.ListNotifications()
	for _, n := range list {
		if n.ID == first.ID && !n.Read {
			t.Fatal("notification not marked read")
		}
	}

	if err := s.MarkAllNotificationsRead(); err != nil {
		t.Fatalf("MarkAllNotificationsRead: %v", err)
	}
	list, _ = s.ListNotifications()
	for _, n := range list {
		if !n.Read {
			t.Fatalf("notification %d still unread", n.ID)
		}
	}

	if err := s.DeleteOldNotifications(now.Add(30 * time.Second)); err != nil {
		t.Fatalf("DeleteOldNotifications: %v", err)
	}
	list, _ = s.ListNotifications()
	if len(list) != 1 {
		t.Fatalf("expected one notification after cleanup, got %d", len(list))
	}
}

func TestRecipients(t *testing.T) {
	s := newTestStore(t)

	added, err := s.AddRecipient("ops@example.com")
	if err != nil {
		t.Fatalf("AddRecipient: %v", err)
	}
	if _, err := s.AddRecipient("ops@example.com"); !errors.Is(err, ErrRecipientExists) {
		t.Fatalf("expected ErrRecipientExists, got %v", err)
	}
	if _, err := s.AddRecipient("oncall@example.com"); err != nil {
		t.Fatalf("AddRecipient: %v", err)
	}

	recipients, err := s.ListRecipients()
	if err != nil {
		t.Fatalf("ListRecipients: %v", err)
	}
	if len(recipients) != 2 {
		t.Fatalf("recipients = %d, want 2", len(recipients))
	}

	if err := s.DeleteRecipient(added.ID); err != nil {
		t.Fatalf("DeleteRecipient: %v", err)
	}
	recipients, _ = s.ListRecipients()
	if len(recipients) != 1 || recipients[0].Email != "oncall@example.com" {
		t.Fatalf("unexpected recipients after delete: %+v", recipients)
	}
}

func TestHistoryToleratesShortLegacyArrays(t *testing.T) {
	var h models.History
	unmarshalHistory(`[1.5, null, 3.25]`, &h)
	if got, ok := h.At(0); !ok || got != 1.5 {
		t.Fatalf("slot 0 = %v (set=%v), want 1.5", got, ok)
	}
	if _, ok := h.At(1); ok {
		t.Fatal("null slot should stay unset")
	}
	if got, ok := h.At(2); !ok || got != 3.25 {
		t.Fatalf("slot 2 = %v (set=%v), want 3.25", got, ok)
	}
}
