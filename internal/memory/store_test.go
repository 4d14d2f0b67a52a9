package memory

import (
	"testing"
	"time"
)

func newTestEntity(id string, entityType EntityType, displayName string) *Entity {
	now := time.Now().UTC()
	return &Entity{
		ID:             id,
		Type:           entityType,
		DisplayName:    displayName,
		Payload:        map[string]any{"title": displayName},
		CreatedAt:      now,
		LastAccessedAt: now,
	}
}

func TestEntityStorePutMergesByID(t *testing.T) {
	store := NewEntityStore(10)

	if err := store.Put(newTestEntity("e1", TypeCalendarEvent, "Team sync")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	update := newTestEntity("e1", TypeCalendarEvent, "Team sync (moved)")
	update.Payload["location"] = "Room 4"
	if err := store.Put(update); err != nil {
		t.Fatalf("Put update: %v", err)
	}

	if store.Len() != 1 {
		t.Fatalf("expected 1 entity after merge, got %d", store.Len())
	}
	got, ok := store.Get("e1")
	if !ok {
		t.Fatalf("entity e1 not found")
	}
	if got.DisplayName != "Team sync (moved)" {
		t.Fatalf("display name not merged: %q", got.DisplayName)
	}
	if got.Payload["location"] != "Room 4" {
		t.Fatalf("payload not merged: %v", got.Payload)
	}
	if got.AccessCount < 2 {
		t.Fatalf("merge should bump access count, got %d", got.AccessCount)
	}
}

func TestEntityStoreRejectsInvalidInput(t *testing.T) {
	store := NewEntityStore(10)
	if err := store.Put(nil); err == nil {
		t.Fatalf("expected error for nil entity")
	}
	if err := store.Put(newTestEntity("", TypeContact, "x")); err == nil {
		t.Fatalf("expected error for empty ID")
	}
	if err := store.Put(newTestEntity("e1", EntityType("bogus"), "x")); err == nil {
		t.Fatalf("expected error for invalid type")
	}
}

func TestEntityStoreEvictsExactlyOneLowestRanked(t *testing.T) {
	store := NewEntityStore(3)
	for _, id := range []string{"a", "b", "c"} {
		if err := store.Put(newTestEntity(id, TypeTask, "task "+id)); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	// 反复读取 b 和 c，把 a 留在排名最低的位置。
	for i := 0; i < 3; i++ {
		store.Get("b")
		store.Get("c")
	}

	if err := store.Put(newTestEntity("d", TypeTask, "task d")); err != nil {
		t.Fatalf("Put d: %v", err)
	}
	if store.Len() != 3 {
		t.Fatalf("expected store to stay at capacity 3, got %d", store.Len())
	}
	if _, ok := store.Get("a"); ok {
		t.Fatalf("expected lowest-ranked entity a to be evicted")
	}
	for _, id := range []string{"b", "c", "d"} {
		if _, ok := store.Get(id); !ok {
			t.Fatalf("entity %s should survive eviction", id)
		}
	}
}

func TestFindByReferenceRanksByAccessThenRecency(t *testing.T) {
	store := NewEntityStore(10)
	store.Put(newTestEntity("e1", TypeCalendarEvent, "dentist appointment"))
	store.Put(newTestEntity("e2", TypeCalendarEvent, "dentist follow-up"))

	// e2 被访问更多次，应排在前面。
	store.Get("e2")
	store.Get("e2")

	matches := store.FindByReference("dentist", TypeCalendarEvent)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].ID != "e2" {
		t.Fatalf("expected e2 ranked first, got %s", matches[0].ID)
	}
}

func TestFindByReferenceMatchesUserReferences(t *testing.T) {
	store := NewEntityStore(10)
	entity := newTestEntity("e1", TypeContact, "Alice Zhang")
	entity.AddUserReference("my dentist")
	store.Put(entity)

	matches := store.FindByReference("My Dentist", "")
	if len(matches) != 1 || matches[0].ID != "e1" {
		t.Fatalf("expected match via user reference, got %v", matches)
	}
	if matches[0].AccessCount == 0 {
		t.Fatalf("read should bump access metadata")
	}
}

func TestExpireRemovesIdleEntities(t *testing.T) {
	store := NewEntityStore(10)
	stale := newTestEntity("old", TypeDocument, "quarterly report")
	stale.LastAccessedAt = time.Now().UTC().Add(-2 * time.Hour)
	store.restore(stale)
	store.Put(newTestEntity("fresh", TypeDocument, "draft"))

	removed := store.Expire(time.Now().UTC(), time.Hour)
	if removed != 1 {
		t.Fatalf("expected 1 expired entity, got %d", removed)
	}
	if _, ok := store.Get("old"); ok {
		t.Fatalf("stale entity should be gone")
	}
	if _, ok := store.Get("fresh"); !ok {
		t.Fatalf("fresh entity should remain")
	}
}

func TestExecutionHistoryCapDropsOldest(t *testing.T) {
	history := NewExecutionHistory(3)
	for i := 0; i < 5; i++ {
		history.Append(&ToolExecutionRecord{
			ID:       string(rune('a' + i)),
			ToolName: "calendar",
			Success:  true,
		})
	}
	if history.Len() != 3 {
		t.Fatalf("expected capped length 3, got %d", history.Len())
	}
	recent := history.Recent(10, "", false)
	if recent[0].ID != "e" || recent[len(recent)-1].ID != "c" {
		t.Fatalf("unexpected retained window: %v, %v", recent[0].ID, recent[len(recent)-1].ID)
	}
}

func TestExecutionHistoryRecentFilters(t *testing.T) {
	history := NewExecutionHistory(10)
	history.Append(&ToolExecutionRecord{ID: "1", ToolName: "calendar", Success: true})
	history.Append(&ToolExecutionRecord{ID: "2", ToolName: "email", Success: false})
	history.Append(&ToolExecutionRecord{ID: "3", ToolName: "calendar", Success: false})

	byTool := history.Recent(10, "calendar", false)
	if len(byTool) != 2 {
		t.Fatalf("expected 2 calendar records, got %d", len(byTool))
	}
	successOnly := history.Recent(10, "", true)
	if len(successOnly) != 1 || successOnly[0].ID != "1" {
		t.Fatalf("expected only the successful record, got %v", successOnly)
	}
}

func TestCountSimilarIgnoresProvenanceKeys(t *testing.T) {
	history := NewExecutionHistory(10)
	history.Append(&ToolExecutionRecord{
		ID:         "1",
		ToolName:   "calendar",
		Parameters: map[string]any{"query": "dentist", "_resolved_entity": "e1"},
	})
	history.Append(&ToolExecutionRecord{
		ID:         "2",
		ToolName:   "calendar",
		Parameters: map[string]any{"query": "dentist"},
	})
	history.Append(&ToolExecutionRecord{
		ID:         "3",
		ToolName:   "calendar",
		Parameters: map[string]any{"query": "plumber"},
	})

	if got := history.CountSimilar("calendar", map[string]any{"query": "dentist"}); got != 2 {
		t.Fatalf("expected 2 similar executions, got %d", got)
	}
	if got := history.CountSimilar("email", map[string]any{"query": "dentist"}); got != 0 {
		t.Fatalf("expected 0 for other tool, got %d", got)
	}
}

func TestCreationRecordFindsProducer(t *testing.T) {
	history := NewExecutionHistory(10)
	history.Append(&ToolExecutionRecord{ID: "1", ToolName: "calendar", ExtractedEntityIDs: []string{"e1", "e2"}})
	history.Append(&ToolExecutionRecord{ID: "2", ToolName: "email"})

	record, ok := history.CreationRecord("e2")
	if !ok || record.ID != "1" {
		t.Fatalf("expected record 1 as creator of e2, got %v ok=%v", record, ok)
	}
	if _, ok := history.CreationRecord("missing"); ok {
		t.Fatalf("expected no creator for unknown entity")
	}
}
