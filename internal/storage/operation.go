package storage

import (
	"encoding/json"
	"fmt"
)

// OpKind 操作类型
type OpKind string

const (
	OpSet       OpKind = "set"        // map 容器：写入键
	OpDelete    OpKind = "delete"     // map 容器：删除键
	OpSetField  OpKind = "set-field"  // 记录容器：整体替换一个字段
	OpDeleteKey OpKind = "delete-key" // 记录容器：删除一个可选字段
)

// Operation 是存储的最小变更单元，也是传输层转发、操作日志记录的单位。
type Operation struct {
	ID        string          `json:"id"`
	Sender    string          `json:"sender"`
	Container ContainerID     `json:"container"`
	Kind      OpKind          `json:"op"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value,omitempty"`
	Clock     Stamp           `json:"clock"`
}

// Set 构造 map 容器的写入操作，value 会被编码为 JSON。
func Set(c ContainerID, key string, value any) (Operation, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Operation{}, fmt.Errorf("%w: marshal value for %s/%s: %v", ErrInvalidOperation, c, key, err)
	}
	return Operation{Container: c, Kind: OpSet, Key: key, Value: raw}, nil
}

// Delete 构造 map 容器的删除操作
func Delete(c ContainerID, key string) Operation {
	return Operation{Container: c, Kind: OpDelete, Key: key}
}

// SetField 构造记录容器的字段写入操作，raw 必须是合法 JSON。
func SetField(c ContainerID, field string, raw json.RawMessage) Operation {
	return Operation{Container: c, Kind: OpSetField, Key: field, Value: raw}
}

// DeleteKey 构造记录容器的字段删除操作
func DeleteKey(c ContainerID, field string) Operation {
	return Operation{Container: c, Kind: OpDeleteKey, Key: field}
}

// IsWrite 判断操作是否写入值 (而不是删除)
func (op Operation) IsWrite() bool { return op.Kind == OpSet || op.Kind == OpSetField }

// Validate 检查操作本身是否合法，不检查时钟和 ID。
func (op Operation) Validate() error {
	if err := op.Container.check(); err != nil {
		return err
	}
	if op.Key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidOperation)
	}
	record := op.Container.IsRecord()
	switch op.Kind {
	case OpSet, OpDelete:
		if record {
			return fmt.Errorf("%w: %s not allowed on record container %s", ErrInvalidOperation, op.Kind, op.Container)
		}
	case OpSetField, OpDeleteKey:
		if !record {
			return fmt.Errorf("%w: %s not allowed on map container %s", ErrInvalidOperation, op.Kind, op.Container)
		}
	default:
		return fmt.Errorf("%w: unknown op kind %q", ErrInvalidOperation, string(op.Kind))
	}
	if op.IsWrite() && (len(op.Value) == 0 || !json.Valid(op.Value)) {
		return fmt.Errorf("%w: %s on %s/%s requires a JSON value", ErrInvalidOperation, op.Kind, op.Container, op.Key)
	}
	return nil
}

// validateRemote 额外检查远端操作必须携带的 ID 和时钟
func (op Operation) validateRemote() error {
	if err := op.Validate(); err != nil {
		return err
	}
	if op.ID == "" {
		return fmt.Errorf("%w: remote operation without id", ErrInvalidOperation)
	}
	if op.Clock.Lamport == 0 || op.Clock.Actor == "" {
		return fmt.Errorf("%w: remote operation %s without clock", ErrInvalidOperation, op.ID)
	}
	return nil
}
