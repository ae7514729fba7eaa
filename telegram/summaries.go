package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Summarizer aggregates recent event rows into summary records on each
// tick. Buckets are per-chat and hourly; re-running over the same
// window never produces duplicates because the durable store dedupes on
// (summary_type, period_start, period_end). Events and summaries older
// than the retention window are pruned in the same pass.
type Summarizer struct {
	db        *DB
	emitter   *Emitter
	retention time.Duration
	log       *slog.Logger

	mu      sync.Mutex
	lastRun time.Time
}

// NewSummarizer wires the scheduler body.
func NewSummarizer(db *DB, emitter *Emitter, retention time.Duration, log *slog.Logger) *Summarizer {
	if log == nil {
		log = slog.Default()
	}
	return &Summarizer{db: db, emitter: emitter, retention: retention, log: log}
}

type bucketKey struct {
	chatID string
	start  time.Time
}

// Run executes one summarization pass at the given time.
func (s *Summarizer) Run(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	since := s.lastRun
	s.mu.Unlock()

	if since.IsZero() {
		lastEnd, err := s.db.LastSummaryEnd()
		if err != nil {
			return fmt.Errorf("resolve summary watermark: %w", err)
		}
		since = lastEnd
	}
	if since.IsZero() {
		since = now.Add(-s.retention)
	}

	events, err := s.db.EventsSince(since)
	if err != nil {
		return fmt.Errorf("read events: %w", err)
	}

	created := 0
	for _, summary := range s.aggregate(events) {
		inserted, err := s.db.InsertSummary(summary)
		if err != nil {
			s.log.Warn("insert summary failed", "chat", summary.Content.ChatID, "error", err)
			continue
		}
		if !inserted {
			continue
		}
		created++
		if err := s.emitter.EmitSummary(&summary); err != nil {
			s.log.Warn("summary entity emit failed", "chat", summary.Content.ChatID, "error", err)
		}
	}

	if err := s.db.PruneBefore(now.Add(-s.retention)); err != nil {
		s.log.Warn("prune failed", "error", err)
	}

	if created > 0 {
		s.log.Info("summaries generated", "count", created)
	}

	s.mu.Lock()
	s.lastRun = now
	s.mu.Unlock()
	return nil
}

// aggregate groups events into per-chat hourly buckets and computes the
// structured content of each.
func (s *Summarizer) aggregate(events []Event) []Summary {
	type bucketAgg struct {
		messages int
		edits    int
		deletes  int
		senders  map[string]int
		firstID  string
		lastID   string
	}
	buckets := make(map[bucketKey]*bucketAgg)

	for _, e := range events {
		if e.ChatID == "" {
			continue
		}
		switch e.Kind {
		case EventNewMessage, EventMessageEdited, EventMessageDeleted:
		default:
			continue
		}
		key := bucketKey{chatID: e.ChatID, start: e.CreatedAt.UTC().Truncate(time.Hour)}
		agg := buckets[key]
		if agg == nil {
			agg = &bucketAgg{senders: make(map[string]int)}
			buckets[key] = agg
		}
		switch e.Kind {
		case EventNewMessage:
			agg.messages++
			if from, _ := e.Payload["from_id"].(string); from != "" {
				agg.senders[from]++
			}
			if id, _ := e.Payload["message_id"].(string); id != "" {
				if agg.firstID == "" {
					agg.firstID = id
				}
				agg.lastID = id
			}
		case EventMessageEdited:
			agg.edits++
		case EventMessageDeleted:
			agg.deletes++
		}
	}

	keys := make([]bucketKey, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].start.Equal(keys[j].start) {
			return keys[i].start.Before(keys[j].start)
		}
		return keys[i].chatID < keys[j].chatID
	})

	out := make([]Summary, 0, len(keys))
	for _, k := range keys {
		agg := buckets[k]
		out = append(out, Summary{
			Kind:        SummaryHourly,
			PeriodStart: k.start,
			PeriodEnd:   k.start.Add(time.Hour),
			Content: SummaryContent{
				ChatID:         k.chatID,
				MessageCount:   agg.messages,
				EditCount:      agg.edits,
				DeleteCount:    agg.deletes,
				TopSenders:     topSenders(agg.senders, 5),
				FirstMessageID: agg.firstID,
				LastMessageID:  agg.lastID,
			},
		})
	}
	return out
}

// topSenders returns up to n sender IDs by message count, busiest first.
func topSenders(counts map[string]int, n int) []string {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if counts[ids[i]] != counts[ids[j]] {
			return counts[ids[i]] > counts[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}
