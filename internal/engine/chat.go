package engine

import (
	"encoding/json"
	"strings"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
)

// SendMessage 发布一条文本消息。房间关闭文字聊天时返回 ErrChatDisabled。
func (e *Engine) SendMessage(text string) (domain.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.ChatMessage{}, fail("chat", "", ErrEmptyMessage)
	}
	if !e.Settings().EnableTextChat {
		return domain.ChatMessage{}, fail("chat", "", ErrChatDisabled)
	}
	return e.postMessage(text, domain.MessageText)
}

// PostSystemMessage 发布系统消息 (例如某人加入或离开)
func (e *Engine) PostSystemMessage(text string) (domain.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return domain.ChatMessage{}, fail("chat", "", ErrEmptyMessage)
	}
	return e.postMessage(text, domain.MessageSystem)
}

func (e *Engine) postMessage(text string, kind domain.MessageKind) (domain.ChatMessage, error) {
	msg := domain.ChatMessage{
		ID:        e.newMessageID(),
		UserID:    e.author.ID,
		Username:  e.author.Name,
		Content:   text,
		Timestamp: e.nowMillis(),
		Type:      kind,
	}
	op, err := storage.Set(storage.Messages, msg.ID, msg)
	if err != nil {
		return domain.ChatMessage{}, fail("chat", "", err)
	}
	if err := e.apply(op); err != nil {
		return domain.ChatMessage{}, fail("chat", "", err)
	}
	return msg, nil
}

// Messages 返回按时间戳排序的全部消息
func (e *Engine) Messages() []domain.ChatMessage {
	raw, _ := e.doc.Get(storage.Messages)
	msgs := make([]domain.ChatMessage, 0, len(raw))
	for id, v := range raw {
		var m domain.ChatMessage
		if err := json.Unmarshal(v, &m); err != nil {
			e.log.WithError(err).WithField("message_id", id).Warn("Skipping undecodable chat message")
			continue
		}
		msgs = append(msgs, m)
	}
	domain.SortMessages(msgs)
	return msgs
}

// OnMessage 订阅新消息
func (e *Engine) OnMessage(fn func(domain.ChatMessage)) storage.Unsubscribe {
	return e.doc.OnChange(storage.Messages, func(ch storage.Change) {
		if ch.Deleted {
			return
		}
		var m domain.ChatMessage
		if err := json.Unmarshal(ch.Value, &m); err != nil {
			return
		}
		fn(m)
	})
}
