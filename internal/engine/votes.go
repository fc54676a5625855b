package engine

import (
	"encoding/json"

	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
)

// CastVote 以本地用户身份投出赞成票 (每个投票者一个键)
func (e *Engine) CastVote() error {
	op, err := storage.Set(storage.Votes, e.author.ID, true)
	if err != nil {
		return fail("vote", "", err)
	}
	return e.apply(op)
}

// ClearVotes 删除本轮所有投票
func (e *Engine) ClearVotes() error {
	keys := e.doc.Keys(storage.Votes)
	if len(keys) == 0 {
		return nil
	}
	ops := make([]storage.Operation, 0, len(keys))
	for _, k := range keys {
		ops = append(ops, storage.Delete(storage.Votes, k))
	}
	return e.apply(ops...)
}

// Votes 返回 投票者 -> 是否赞成
func (e *Engine) Votes() map[string]bool {
	raw, _ := e.doc.Get(storage.Votes)
	out := make(map[string]bool, len(raw))
	for voter, v := range raw {
		var yes bool
		if err := json.Unmarshal(v, &yes); err != nil {
			continue
		}
		out[voter] = yes
	}
	return out
}

// Tally 返回赞成票数
func (e *Engine) Tally() int {
	n := 0
	for _, yes := range e.Votes() {
		if yes {
			n++
		}
	}
	return n
}

// OnVotesChange 订阅投票变化
func (e *Engine) OnVotesChange(fn func()) storage.Unsubscribe {
	return e.doc.OnChange(storage.Votes, func(storage.Change) { fn() })
}
