package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/perchhq/perch/internal/session/models"
)

const (
	eventLogName    = "events.jsonl"
	rotatedLogName  = "events.jsonl.1"
	maxEventLogSize = 5 * 1024 * 1024
)

var subCounter atomic.Int64

// Emit appends an event to the session's log and fans it out to live
// subscribers. Sequence numbers are dense per session, starting at 1.
func (s *Store) Emit(ctx context.Context, sessionID string, typ models.EventType, payload map[string]any) (models.Event, error) {
	rt := s.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return s.emitLocked(rt, sessionID, typ, payload)
}

// emitLocked assigns the next sequence number, writes the log line, and
// delivers to subscribers. Callers must hold rt.mu.
func (s *Store) emitLocked(rt *sessionRuntime, sessionID string, typ models.EventType, payload map[string]any) (models.Event, error) {
	if rt.nextSeq == 0 {
		rt.nextSeq = s.recoverSeq(sessionID) + 1
	}
	ev := models.Event{
		Seq:     rt.nextSeq,
		TS:      models.Now(),
		Type:    typ,
		Payload: payload,
	}
	if err := s.appendEvent(sessionID, ev); err != nil {
		return models.Event{}, err
	}
	rt.nextSeq++

	for id, ch := range rt.subs {
		select {
		case ch <- ev:
		default:
			s.log.Warn("dropping event for slow subscriber",
				zap.String("session_id", sessionID),
				zap.String("subscriber", id),
				zap.Int64("seq", ev.Seq))
		}
	}
	return ev, nil
}

// NextSeq returns the sequence number the next event will carry.
func (s *Store) NextSeq(sessionID string) int64 {
	rt := s.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.nextSeq == 0 {
		rt.nextSeq = s.recoverSeq(sessionID) + 1
	}
	return rt.nextSeq
}

// NewSubscriber registers a live event subscriber for a session. The channel
// is buffered; events are dropped rather than blocking emission when the
// subscriber falls behind. The channel is closed when the subscriber is
// removed or the session is deleted.
func (s *Store) NewSubscriber(sessionID string) (string, <-chan models.Event) {
	rt := s.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	id := "sub_" + strconv.FormatInt(subCounter.Add(1), 10)
	ch := make(chan models.Event, s.opts.SubscriberBuffer)
	rt.subs[id] = ch
	return id, ch
}

// RemoveSubscriber detaches a subscriber and closes its channel.
func (s *Store) RemoveSubscriber(sessionID, subID string) {
	rt := s.runtime(sessionID)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ch, ok := rt.subs[subID]
	if !ok {
		return
	}
	delete(rt.subs, subID)
	close(ch)
}

// ReadEventLog returns persisted events with seq greater than sinceSeq,
// optionally filtered by type. The rotated log segment is read first so
// events come back in sequence order. Malformed lines are skipped.
func (s *Store) ReadEventLog(sessionID string, sinceSeq int64, types []string) ([]models.Event, error) {
	var typeSet map[string]bool
	if len(types) > 0 {
		typeSet = make(map[string]bool, len(types))
		for _, t := range types {
			typeSet[t] = true
		}
	}
	dir := s.sessionDir(sessionID)
	events := make([]models.Event, 0, 64)
	for _, name := range []string{rotatedLogName, eventLogName} {
		if err := readLogFile(filepath.Join(dir, name), func(ev models.Event) {
			if ev.Seq <= sinceSeq {
				return
			}
			if typeSet != nil && !typeSet[string(ev.Type)] {
				return
			}
			events = append(events, ev)
		}); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// appendEvent writes one JSONL line, rotating the log first when it has
// reached the size cap. Rotation replaces any previous rotated segment, so at
// most two segments exist.
func (s *Store) appendEvent(sessionID string, ev models.Event) error {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}
	path := filepath.Join(dir, eventLogName)
	if info, err := os.Stat(path); err == nil && info.Size() >= maxEventLogSize {
		if err := os.Rename(path, filepath.Join(dir, rotatedLogName)); err != nil {
			return fmt.Errorf("failed to rotate event log: %w", err)
		}
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// recoverSeq finds the highest sequence number already persisted for a
// session, so numbering stays dense across restarts. Returns 0 for a fresh
// session.
func (s *Store) recoverSeq(sessionID string) int64 {
	dir := s.sessionDir(sessionID)
	var maxSeq int64
	for _, name := range []string{rotatedLogName, eventLogName} {
		if err := readLogFile(filepath.Join(dir, name), func(ev models.Event) {
			if ev.Seq > maxSeq {
				maxSeq = ev.Seq
			}
		}); err != nil {
			s.log.Warn("failed to scan event log",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
	}
	return maxSeq
}

// readLogFile streams a JSONL segment through fn, skipping lines that do not
// parse. A missing file is not an error.
func readLogFile(path string, fn func(models.Event)) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue
		}
		fn(ev)
	}
	return sc.Err()
}
