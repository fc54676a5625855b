// Package storage 实现房间的共享存储模型：一组可复制的容器
// (files / roomSettings / messages / compilationVotes)，
// 每个键 (或设置字段) 是一个 last-writer-wins 寄存器，用 Lamport 时钟加副本 ID 决定胜者。
//
// 所有写入都以操作 (Operation) 的形式进入文档：本地写入先乐观应用再交给传输层，
// 远端写入按相同规则合并。合并满足交换律、结合律和幂等性，
// 因此只要所有副本最终收到同一组操作，状态就会收敛。
package storage

import "fmt"

// ContainerID 标识一个顶层容器
type ContainerID string

const (
	Files    ContainerID = "files"
	Settings ContainerID = "roomSettings"
	Messages ContainerID = "messages"
	Votes    ContainerID = "compilationVotes"
)

type containerKind int

const (
	kindMap    containerKind = iota + 1 // 按键寻址的 map，支持 set / delete
	kindRecord                          // 单条记录，按字段 set-field / delete-key
)

var containerKinds = map[ContainerID]containerKind{
	Files:    kindMap,
	Settings: kindRecord,
	Messages: kindMap,
	Votes:    kindMap,
}

// Containers 返回所有已知容器，顺序固定
func Containers() []ContainerID {
	return []ContainerID{Files, Settings, Messages, Votes}
}

// IsRecord 判断容器是否是按字段合并的记录 (roomSettings)
func (c ContainerID) IsRecord() bool { return containerKinds[c] == kindRecord }

// Valid 判断容器 ID 是否已知
func (c ContainerID) Valid() bool {
	_, ok := containerKinds[c]
	return ok
}

func (c ContainerID) check() error {
	if !c.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownContainer, string(c))
	}
	return nil
}
