package storage

import (
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening must tolerate existing tables and migrations.
	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	if db2.Path() != db.Path() {
		t.Errorf("path changed across opens: %q vs %q", db2.Path(), db.Path())
	}
}

func TestPushSubscriptions(t *testing.T) {
	db := openTestDB(t)

	subs := []PushSubscription{
		{Endpoint: "https://push.example/a", P256dh: "k1", Auth: "a1", PeerID: "alice"},
		{Endpoint: "https://push.example/b", P256dh: "k2", Auth: "a2", PeerID: "alice"},
		{Endpoint: "https://push.example/c", P256dh: "k3", Auth: "a3", PeerID: "bob"},
	}
	for _, s := range subs {
		if err := db.SavePushSubscription(s); err != nil {
			t.Fatalf("SavePushSubscription(%s): %v", s.Endpoint, err)
		}
	}

	got, err := db.PushSubscriptionsFor("alice")
	if err != nil {
		t.Fatalf("PushSubscriptionsFor: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("alice subscriptions = %d, want 2", len(got))
	}

	// Re-registering an endpoint replaces its keys instead of duplicating.
	if err := db.SavePushSubscription(PushSubscription{
		Endpoint: "https://push.example/a", P256dh: "k1-new", Auth: "a1-new", PeerID: "alice",
	}); err != nil {
		t.Fatalf("re-save: %v", err)
	}
	got, err = db.PushSubscriptionsFor("alice")
	if err != nil {
		t.Fatalf("PushSubscriptionsFor after re-save: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("alice subscriptions after re-save = %d, want 2", len(got))
	}
	for _, s := range got {
		if s.Endpoint == "https://push.example/a" && s.P256dh != "k1-new" {
			t.Errorf("re-save did not replace keys: p256dh = %q", s.P256dh)
		}
	}

	if err := db.DeletePushSubscription("https://push.example/a"); err != nil {
		t.Fatalf("DeletePushSubscription: %v", err)
	}
	if err := db.DeletePushSubscription("https://push.example/unknown"); err != nil {
		t.Fatalf("deleting unknown endpoint: %v", err)
	}

	n, err := db.PushSubscriptionCount()
	if err != nil {
		t.Fatalf("PushSubscriptionCount: %v", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestSavePushSubscriptionValidation(t *testing.T) {
	db := openTestDB(t)

	if err := db.SavePushSubscription(PushSubscription{PeerID: "alice"}); err == nil {
		t.Error("expected error for empty endpoint")
	}
	if err := db.SavePushSubscription(PushSubscription{Endpoint: "https://push.example/x"}); err == nil {
		t.Error("expected error for empty peer id")
	}
}

func TestMeetingLifecycle(t *testing.T) {
	db := openTestDB(t)

	id, err := db.StartMeeting("standup")
	if err != nil {
		t.Fatalf("StartMeeting: %v", err)
	}

	// Peak only ever goes up.
	for _, n := range []int{3, 5, 2} {
		if err := db.RecordOccupancy(id, n); err != nil {
			t.Fatalf("RecordOccupancy(%d): %v", n, err)
		}
	}

	if err := db.EndMeeting(id); err != nil {
		t.Fatalf("EndMeeting: %v", err)
	}
	if err := db.EndMeeting(id); err == nil {
		t.Error("ending a meeting twice should fail")
	}

	meetings, err := db.RecentMeetings(10)
	if err != nil {
		t.Fatalf("RecentMeetings: %v", err)
	}
	if len(meetings) != 1 {
		t.Fatalf("meetings = %d, want 1", len(meetings))
	}
	m := meetings[0]
	if m.Room != "standup" {
		t.Errorf("room = %q, want standup", m.Room)
	}
	if m.PeakOccupancy != 5 {
		t.Errorf("peak occupancy = %d, want 5", m.PeakOccupancy)
	}
	if m.LeftAt == "" {
		t.Error("left_at not stamped")
	}
}

func TestRecentMeetingsNewestFirst(t *testing.T) {
	db := openTestDB(t)

	if _, err := db.StartMeeting("first"); err != nil {
		t.Fatalf("StartMeeting: %v", err)
	}
	if _, err := db.StartMeeting("second"); err != nil {
		t.Fatalf("StartMeeting: %v", err)
	}

	meetings, err := db.RecentMeetings(1)
	if err != nil {
		t.Fatalf("RecentMeetings: %v", err)
	}
	if len(meetings) != 1 || meetings[0].Room != "second" {
		t.Fatalf("RecentMeetings(1) = %+v, want newest (second)", meetings)
	}
}

func TestChatArchive(t *testing.T) {
	db := openTestDB(t)

	meetingID, err := db.StartMeeting("retro")
	if err != nil {
		t.Fatalf("StartMeeting: %v", err)
	}

	msgs := []ArchivedMessage{
		{ID: "m3", MeetingID: meetingID, SenderID: "bob", SenderName: "Bob", Body: "three", SentAt: 3000},
		{ID: "m1", MeetingID: meetingID, SenderID: "alice", SenderName: "Alice", Body: "one", SentAt: 1000},
		{ID: "m2", MeetingID: meetingID, SenderID: "alice", SenderName: "Alice", Body: "two", SentAt: 2000},
	}
	for _, m := range msgs {
		if err := db.ArchiveChat(m); err != nil {
			t.Fatalf("ArchiveChat(%s): %v", m.ID, err)
		}
	}

	// Archiving the same id again (own message echoed back) is a no-op.
	if err := db.ArchiveChat(ArchivedMessage{
		ID: "m1", MeetingID: meetingID, SenderID: "alice", Body: "duplicate", SentAt: 9000,
	}); err != nil {
		t.Fatalf("duplicate ArchiveChat: %v", err)
	}

	got, err := db.MeetingChat(meetingID, 0)
	if err != nil {
		t.Fatalf("MeetingChat: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("archived messages = %d, want 3", len(got))
	}
	for i, want := range []string{"one", "two", "three"} {
		if got[i].Body != want {
			t.Errorf("message %d body = %q, want %q", i, got[i].Body, want)
		}
	}
}

func TestArchiveChatRequiresID(t *testing.T) {
	db := openTestDB(t)

	if err := db.ArchiveChat(ArchivedMessage{Body: "no id"}); err == nil {
		t.Error("expected error for empty message id")
	}
}
