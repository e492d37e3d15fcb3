package chat

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func openTestArchive(t *testing.T, clock func() time.Time) *Archive {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Message{}); err != nil {
		t.Fatalf("failed to migrate chat schema: %v", err)
	}
	archive, err := NewArchive(ArchiveConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build archive: %v", err)
	}
	return archive
}

func TestSaveChatMessageDefaultsCreatedAt(t *testing.T) {
	now := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	archive := openTestArchive(t, func() time.Time { return now })

	saved, err := archive.SaveChatMessage(context.Background(), Message{
		ID:        "message-1",
		ProjectID: "project-1",
		AuthorID:  "user-1",
		Content:   "hello",
	})
	if err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if !saved.CreatedAt.Equal(now) {
		t.Fatalf("expected created at %v, got %v", now, saved.CreatedAt)
	}

	messages, err := archive.ListRecent(context.Background(), "project-1", 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 1 || messages[0].ID != "message-1" || messages[0].Content != "hello" {
		t.Fatalf("unexpected stored messages %#v", messages)
	}
}

func TestSaveChatMessageValidatesInput(t *testing.T) {
	archive := openTestArchive(t, nil)
	invalid := []Message{
		{ProjectID: "project-1", AuthorID: "user-1", Content: "hi"},
		{ID: "m", AuthorID: "user-1", Content: "hi"},
		{ID: "m", ProjectID: "project-1", Content: "hi"},
		{ID: "m", ProjectID: "project-1", AuthorID: "user-1", Content: "   "},
	}
	for index, message := range invalid {
		if _, err := archive.SaveChatMessage(context.Background(), message); err == nil {
			t.Fatalf("case %d: expected validation error", index)
		}
	}
}

func TestSaveChatMessageRejectsDuplicateID(t *testing.T) {
	archive := openTestArchive(t, nil)
	message := Message{ID: "message-1", ProjectID: "project-1", AuthorID: "user-1", Content: "hi"}
	if _, err := archive.SaveChatMessage(context.Background(), message); err != nil {
		t.Fatalf("first save failed: %v", err)
	}
	if _, err := archive.SaveChatMessage(context.Background(), message); err == nil {
		t.Fatalf("expected duplicate id to fail")
	}
}

func TestListRecentOrdersNewestFirstAndScopesProject(t *testing.T) {
	archive := openTestArchive(t, nil)
	base := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	for index, id := range []string{"m-1", "m-2", "m-3"} {
		if _, err := archive.SaveChatMessage(context.Background(), Message{
			ID:        id,
			ProjectID: "project-1",
			AuthorID:  "user-1",
			Content:   id,
			CreatedAt: base.Add(time.Duration(index) * time.Minute),
		}); err != nil {
			t.Fatalf("save failed: %v", err)
		}
	}
	if _, err := archive.SaveChatMessage(context.Background(), Message{
		ID: "other", ProjectID: "project-2", AuthorID: "user-1", Content: "elsewhere",
	}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	messages, err := archive.ListRecent(context.Background(), "project-1", 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 2 || messages[0].ID != "m-3" || messages[1].ID != "m-2" {
		t.Fatalf("unexpected ordering %#v", messages)
	}
}
