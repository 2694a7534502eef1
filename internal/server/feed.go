package server

import (
	"log/slog"
	"sync"
	"time"

	"autoalign/internal/align"
)

// Update types published on the feed.
const (
	UpdateStarted  = "started"
	UpdateStep     = "step"
	UpdateFinished = "finished"
)

// Update is one message on the live feed.
type Update struct {
	Type     string           `json:"type"`
	Session  string           `json:"session"`
	Step     *align.StepEvent `json:"step,omitempty"`
	Position *align.Position  `json:"position,omitempty"`
	Failure  string           `json:"failure,omitempty"`
	Error    string           `json:"error,omitempty"`
	Steps    int              `json:"steps,omitempty"`
	Time     time.Time        `json:"time"`
}

// Feed broadcasts session progress to subscribers. Slow subscribers lose updates rather than
// stalling the alignment loop.
type Feed struct {
	log *slog.Logger

	mu        sync.Mutex
	subs      map[int]chan Update
	nextSubID int
}

// NewFeed creates an empty feed.
func NewFeed(log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{log: log, subs: make(map[int]chan Update)}
}

// Subscribe returns a channel of updates and an unsubscribe function.
func (f *Feed) Subscribe() (<-chan Update, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan Update, 32)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
		f.mu.Unlock()
	}
	return ch, unsub
}

func (f *Feed) publish(u Update) {
	if u.Time.IsZero() {
		u.Time = time.Now().UTC()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, ch := range f.subs {
		select {
		case ch <- u:
		default:
			f.log.Warn("update channel full", "subscriber", id, "session", u.Session, "type", u.Type)
		}
	}
}

// Begin announces a session and returns the listener that publishes its progress.
func (f *Feed) Begin(sessionID string) *SessionFeed {
	f.publish(Update{Type: UpdateStarted, Session: sessionID})
	return &SessionFeed{feed: f, id: sessionID}
}

// SessionFeed is an align.StepListener and an align.Observer for one session.
type SessionFeed struct {
	feed *Feed
	id   string
}

// RecordStep publishes the iteration.
func (s *SessionFeed) RecordStep(ev align.StepEvent) error {
	s.feed.publish(Update{Type: UpdateStep, Session: s.id, Step: &ev})
	return nil
}

// SessionFinished publishes the outcome.
func (s *SessionFeed) SessionFinished(cfg align.Config, res align.Result) {
	u := Update{Type: UpdateFinished, Session: s.id, Steps: res.Steps}
	if res.Failure != nil {
		u.Failure = res.Failure.Kind.String()
		u.Error = res.Failure.Message
	} else {
		pos := res.Position
		u.Position = &pos
	}
	s.feed.publish(u)
}
