package service

import (
	"encoding/json"

	"github.com/Dizro/Collaborative-Code-Editor/internal/domain"
	"github.com/Dizro/Collaborative-Code-Editor/internal/storage"
)

// recordFromOperation 把中继转发的操作转换为操作日志记录，seq 由调用方分配
func recordFromOperation(roomID, userID string, seq uint64, op storage.Operation) domain.OperationRecord {
	return domain.OperationRecord{
		OpID:      op.ID,
		RoomID:    roomID,
		SenderID:  op.Sender,
		UserID:    userID,
		Container: string(op.Container),
		Kind:      string(op.Kind),
		Key:       op.Key,
		Value:     string(op.Value),
		Lamport:   op.Clock.Lamport,
		Actor:     op.Clock.Actor,
		Seq:       seq,
	}
}

// operationFromRecord 还原操作日志中的一条操作
func operationFromRecord(rec domain.OperationRecord) storage.Operation {
	op := storage.Operation{
		ID:        rec.OpID,
		Sender:    rec.SenderID,
		Container: storage.ContainerID(rec.Container),
		Kind:      storage.OpKind(rec.Kind),
		Key:       rec.Key,
		Clock:     storage.Stamp{Lamport: rec.Lamport, Actor: rec.Actor},
	}
	if rec.Value != "" {
		op.Value = json.RawMessage(rec.Value)
	}
	return op
}
