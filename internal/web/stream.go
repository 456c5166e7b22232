package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vadiminshakov/payledger/internal/domain"
)

const (
	streamPollInterval = 5 * time.Second
	streamHeartbeat    = 20 * time.Second
)

// handleLedgerStream replays journaled ledger events after Last-Event-ID and then
// follows new ones. An optional user_id query parameter filters the feed.
func (s *Server) handleLedgerStream(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		respondError(w, http.StatusServiceUnavailable, "ledger journal not available")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// broadcast events only wake the loop; payloads always come from the journal
	var wake chan domain.LedgerEvent
	if s.notifier != nil {
		wake = s.notifier.Subscribe()
		defer s.notifier.Unsubscribe(wake)
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	pollTicker := time.NewTicker(streamPollInterval)
	defer pollTicker.Stop()

	userFilter := r.URL.Query().Get("user_id")
	lastIndex := s.parseLastEventID(r.Header.Get("Last-Event-ID"), r.URL.Query().Get("last_event_id"))
	sendEvents := func() error {
		records, err := s.events.EventsAfter(lastIndex)
		if err != nil {
			return err
		}
		for _, record := range records {
			lastIndex = record.Index
			if userFilter != "" && record.Event.UserID != userFilter {
				continue
			}
			payload, err := json.Marshal(record.Event)
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "id: %d\n", record.Index)
			fmt.Fprintf(w, "event: ledger\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvents(); err != nil {
		s.logger.Error("ledger stream initial load", zap.Error(err))
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ": ping\n\n")
			flusher.Flush()
		case <-pollTicker.C:
			if err := sendEvents(); err != nil {
				s.logger.Warn("ledger stream poll", zap.Error(err))
			}
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			if err := sendEvents(); err != nil {
				s.logger.Warn("ledger stream wake", zap.Error(err))
			}
		}
	}
}

func (s *Server) parseLastEventID(headerVal, queryVal string) uint64 {
	idStr := strings.TrimSpace(headerVal)
	if idStr == "" {
		idStr = strings.TrimSpace(queryVal)
	}
	if idStr == "" {
		return 0
	}
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil {
		s.logger.Debug("invalid last event id", zap.String("value", idStr))
		return 0
	}
	return id
}
