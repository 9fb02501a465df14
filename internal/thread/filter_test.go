package thread

import (
	"testing"

	"github.com/google/uuid"

	"github.com/doebem/chat-service/internal/directory"
)

func sampleSummaries() []Summary {
	return []Summary{
		{
			ThreadID:    uuid.New(),
			Other:       directory.Identity{Name: "Ana Souza", CenterName: "Casa Esperança"},
			UnreadCount: 2,
		},
		{
			ThreadID:    uuid.New(),
			Other:       directory.Identity{Name: "Bruno Lima"},
			UnreadCount: 0,
		},
		{
			ThreadID:    uuid.New(),
			Other:       directory.Identity{Name: "Carla Dias", CenterName: "Lar dos Idosos"},
			UnreadCount: 0,
		},
	}
}

func TestApplyFilter_NoFilter(t *testing.T) {
	in := sampleSummaries()
	out := applyFilter(in, Filter{})
	if len(out) != len(in) {
		t.Fatalf("expected %d summaries, got %d", len(in), len(out))
	}
}

func TestApplyFilter_SearchMatchesName(t *testing.T) {
	out := applyFilter(sampleSummaries(), Filter{Search: "bruno"})
	if len(out) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(out))
	}
	if out[0].Other.Name != "Bruno Lima" {
		t.Errorf("expected Bruno Lima, got %q", out[0].Other.Name)
	}
}

func TestApplyFilter_SearchMatchesCenterName(t *testing.T) {
	out := applyFilter(sampleSummaries(), Filter{Search: "esperança"})
	if len(out) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(out))
	}
	if out[0].Other.CenterName != "Casa Esperança" {
		t.Errorf("expected Casa Esperança, got %q", out[0].Other.CenterName)
	}
}

func TestApplyFilter_UnreadOnly(t *testing.T) {
	out := applyFilter(sampleSummaries(), Filter{UnreadOnly: true})
	if len(out) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(out))
	}
	if out[0].UnreadCount != 2 {
		t.Errorf("expected unread count 2, got %d", out[0].UnreadCount)
	}
}

// Search and unread-only compose with AND semantics.
func TestApplyFilter_Composed(t *testing.T) {
	if out := applyFilter(sampleSummaries(), Filter{Search: "carla", UnreadOnly: true}); len(out) != 0 {
		t.Fatalf("expected 0 summaries, got %d", len(out))
	}
	if out := applyFilter(sampleSummaries(), Filter{Search: "ana", UnreadOnly: true}); len(out) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(out))
	}
}
