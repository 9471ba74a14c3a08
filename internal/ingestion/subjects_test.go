package ingestion_test

import (
	"testing"

	"TroveLedger/internal/event"
	"TroveLedger/internal/ingestion"
)

func TestDefaultSubjectsCoverEveryCommand(t *testing.T) {
	seen := make(map[event.EventType]bool)
	for _, s := range ingestion.DefaultSubjects() {
		et := event.ParseEventType(s.EventType)
		if et == event.EventTypeUnknown {
			t.Errorf("subject %s maps to unknown event type %q", s.Subject, s.EventType)
		}
		seen[et] = true
	}
	for et := event.EventTypePriceUpdate; et <= event.EventTypeLiquidationRequest; et++ {
		if !seen[et] {
			t.Errorf("no subject for %s", et)
		}
	}
}

func TestOutboundSubject(t *testing.T) {
	if got := ingestion.OutboundSubject("TroveOpen"); got != "trove.ledger.events.TroveOpen" {
		t.Errorf("got %s", got)
	}
}
