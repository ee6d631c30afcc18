package eventhub

import (
	"time"

	"rewind/internal/version"
)

// Broadcaster fans an event out to connected clients.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// EventHub is the engine's event dispatch point. The websocket server
// registers itself as the broadcaster; until then emits are dropped.
type EventHub struct {
	broadcaster Broadcaster
}

// New creates an EventHub.
func New() *EventHub {
	return &EventHub{}
}

// SetBroadcaster attaches the websocket broadcaster.
func (h *EventHub) SetBroadcaster(b Broadcaster) {
	h.broadcaster = b
}

func (h *EventHub) emit(eventType string, payload interface{}) {
	if h.broadcaster != nil {
		h.broadcaster.BroadcastEvent(eventType, payload)
	}
}

// TimelineAppendedEvent announces a newly ingested snapshot.
type TimelineAppendedEvent struct {
	Snapshot    version.SnapshotRef `json:"snapshot"`
	ChangeCount int                 `json:"change_count"`
	EndTime     time.Time           `json:"end_time"`
}

func (h *EventHub) EmitTimelineAppended(event TimelineAppendedEvent) {
	h.emit("timeline:appended", event)
}

// PrunedEvent announces a completed retention pass.
type PrunedEvent struct {
	Result version.PruneResult `json:"result"`
}

func (h *EventHub) EmitPruned(event PrunedEvent) {
	h.emit("timeline:pruned", event)
}

// IndexRebuiltEvent announces a full index rebuild, usually at startup.
type IndexRebuiltEvent struct {
	SnapshotCount int `json:"snapshot_count"`
	ChangeCount   int `json:"change_count"`
}

func (h *EventHub) EmitIndexRebuilt(event IndexRebuiltEvent) {
	h.emit("timeline:rebuilt", event)
}
