package stream

import (
	"encoding/json"
	"strconv"
	"time"

	"pattern-trader/internal/model"
)

// broadcast wraps ev in an envelope and queues it for every matching client.
// Clients whose queue is full miss the envelope and can backfill by seq.
func (h *Hub) broadcast(ev model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	now := h.Now().UTC()
	if !ev.TS.IsZero() {
		if ms := float64(now.Sub(ev.TS).Microseconds()) / 1000.0; ms >= 0 {
			h.Latency.Record(ms)
		}
	}

	h.mu.Lock()
	h.seq++
	seq := h.seq
	h.mu.Unlock()

	buf := envelope(ev.Type, ev.Symbol, data, now, seq)
	h.replay.Push(seq, buf)

	h.mu.Lock()
	if ev.Symbol != "" {
		h.latest[ev.Symbol] = latestEntry{Envelope: buf, TS: now}
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.matches(ev) {
			continue
		}
		select {
		case client.send <- buf:
		default:
		}
	}
	return nil
}

// envelope builds {"type":..,"symbol":..,"data":..,"ts":..,"seq":N} without
// reflection. Event types and symbols never need escaping.
func envelope(typ model.EventType, symbol string, data []byte, now time.Time, seq int64) []byte {
	buf := make([]byte, 0, len(data)+len(symbol)+128)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, typ...)
	buf = append(buf, `","symbol":"`...)
	buf = append(buf, symbol...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, '}')
	return buf
}
