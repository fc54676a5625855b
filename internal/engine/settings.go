package engine

import (
	"bytes"
	"sort"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
)

// Settings 以默认值为底读取房间设置
func (e *Engine) Settings() domain.RoomSettings {
	fields, _ := e.doc.Get(storage.Settings)
	settings, err := domain.SettingsFromFields(fields)
	if err != nil {
		e.log.WithError(err).Warn("Room settings undecodable, using defaults")
	}
	return settings
}

// UpdateSettings 在当前设置上执行 fn，只为发生变化的字段生成 set-field 操作，
// 这样并发修改不同字段的两个用户都不会丢失修改。
func (e *Engine) UpdateSettings(fn func(*domain.RoomSettings)) error {
	current := e.Settings()
	before, err := current.Fields()
	if err != nil {
		return fail("settings", "", err)
	}
	next := current
	next.AllowedUsers = append([]string(nil), current.AllowedUsers...)
	fn(&next)
	after, err := next.Fields()
	if err != nil {
		return fail("settings", "", err)
	}

	stored, _ := e.doc.Get(storage.Settings)
	names := make([]string, 0, len(after))
	for field := range after {
		names = append(names, field)
	}
	sort.Strings(names)
	var ops []storage.Operation
	for _, field := range names {
		if bytes.Equal(before[field], after[field]) {
			continue
		}
		ops = append(ops, storage.SetField(storage.Settings, field, after[field]))
	}
	for field := range before {
		if _, ok := after[field]; !ok && stored[field] != nil {
			ops = append(ops, storage.DeleteKey(storage.Settings, field))
		}
	}
	if len(ops) == 0 {
		return nil
	}
	return e.apply(ops...)
}

// OnSettingsChange 订阅设置变化
func (e *Engine) OnSettingsChange(fn func(domain.RoomSettings)) storage.Unsubscribe {
	return e.doc.OnChange(storage.Settings, func(storage.Change) { fn(e.Settings()) })
}
