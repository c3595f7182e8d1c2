package server

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/carelink/consultrec/internal/storage"
)

type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[chan []byte]struct{})}
}

func (h *Hub) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
	close(ch)
}

// Broadcast never blocks: a client whose buffer is full misses the
// message and resyncs from the REST API.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
		}
	}
}

func (h *Hub) BroadcastSessionStarted(sessionID, meetingID string) {
	h.broadcastEvent(SessionStartedEvent{
		Event:     newEvent("session_started", time.Now().UTC()),
		SessionID: sessionID,
		MeetingID: meetingID,
	})
}

func (h *Hub) BroadcastPartyUploaded(sessionID string, party storage.Party, bothReady bool) {
	h.broadcastEvent(PartyUploadedEvent{
		Event:     newEvent("party_uploaded", time.Now().UTC()),
		SessionID: sessionID,
		Party:     string(party),
		BothReady: bothReady,
	})
}

func (h *Hub) BroadcastStopBoth(sessionID string) {
	h.broadcastEvent(StopBothEvent{
		Event:     newEvent("stop_both", time.Now().UTC()),
		SessionID: sessionID,
	})
}

func (h *Hub) BroadcastSessionEnded(sessionID string, duration time.Duration) {
	h.broadcastEvent(SessionEndedEvent{
		Event:     newEvent("session_ended", time.Now().UTC()),
		SessionID: sessionID,
		Duration:  duration.Seconds(),
	})
}

func (h *Hub) BroadcastProcessingStarted(sessionID string) {
	h.broadcastEvent(ProcessingStartedEvent{
		Event:     newEvent("processing_started", time.Now().UTC()),
		SessionID: sessionID,
	})
}

func (h *Hub) BroadcastMergeCompleted(sessionID string, rec storage.MergedRecording) {
	h.broadcastEvent(MergeCompletedEvent{
		Event:           newEvent("merge_completed", time.Now().UTC()),
		SessionID:       sessionID,
		StorageRef:      rec.StorageRef,
		DurationSeconds: rec.DurationSeconds,
		StrategyUsed:    rec.StrategyUsed,
	})
}

func (h *Hub) BroadcastSummaryReady(sessionID string, summary storage.Summary) {
	h.broadcastEvent(SummaryReadyEvent{
		Event:      newEvent("summary_ready", time.Now().UTC()),
		SessionID:  sessionID,
		Summary:    summary,
		SourceKind: summary.SourceKind,
	})
}

func (h *Hub) BroadcastSessionFailed(sessionID, reason string) {
	h.broadcastEvent(SessionFailedEvent{
		Event:     newEvent("session_failed", time.Now().UTC()),
		SessionID: sessionID,
		Reason:    reason,
	})
}

func (h *Hub) broadcastEvent(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("event marshal error: %v", err)
		return
	}
	h.Broadcast(payload)
}
