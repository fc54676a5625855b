package presence

import (
	"time"

	"github.com/Dizro/Collaborative-Code-Editor/internal/session"
)

// EventReaction 是表情反应广播事件的名称
const EventReaction = "reaction"

// DefaultReactionTTL 反应在本地显示的时长
const DefaultReactionTTL = 4 * time.Second

// Reaction 是一个临时的表情反应，不进入共享存储
type Reaction struct {
	ID           string  `json:"id"`
	ConnectionID string  `json:"connectionId,omitempty"`
	Emoji        string  `json:"emoji"`
	LineNumber   int     `json:"lineNumber"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Timestamp    int64   `json:"timestamp"`
}

// React 广播一个反应并在本地显示
func (s *Store) React(emoji string, line int, x, y float64) (Reaction, error) {
	r := Reaction{
		ID:         s.opts.NewID(),
		Emoji:      emoji,
		LineNumber: line,
		X:          x,
		Y:          y,
		Timestamp:  s.opts.Now().UnixMilli(),
	}
	ev, err := session.NewEvent(EventReaction, r)
	if err != nil {
		return Reaction{}, err
	}
	s.mu.Lock()
	s.reactions = append(s.reactions, r)
	s.mu.Unlock()
	s.notify()
	if err := s.conn.Send(session.Envelope{Type: session.TypeEvent, Event: &ev}); err != nil {
		return r, err
	}
	return r, nil
}

// ReceiveReaction 处理远端的反应事件
func (s *Store) ReceiveReaction(connID string, ev session.Event) error {
	var r Reaction
	if err := ev.Decode(&r); err != nil {
		return err
	}
	r.ConnectionID = connID
	// 显示期从本地收到时算起，不依赖对方时钟
	r.Timestamp = s.opts.Now().UnixMilli()
	s.mu.Lock()
	s.reactions = append(s.reactions, r)
	s.mu.Unlock()
	s.notify()
	return nil
}

// Reactions 返回仍在显示期内的反应，并清理过期的
func (s *Store) Reactions() []Reaction {
	cutoff := s.opts.Now().Add(-s.opts.ReactionTTL).UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.reactions[:0]
	for _, r := range s.reactions {
		if r.Timestamp > cutoff {
			kept = append(kept, r)
		}
	}
	s.reactions = kept
	return append([]Reaction(nil), kept...)
}
