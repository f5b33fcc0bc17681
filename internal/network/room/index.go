// Package room 维护房间名与连接标识之间的双向索引。
package room

import (
	"sync"

	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
	"github.com/lk2023060901/danmu-realtime/pkg/util/typeutil"
)

// ExistsFunc 判断连接标识是否已登记。
type ExistsFunc func(identity string) bool

// Index 是房间成员关系的并发安全索引。
//
// rooms 与 memberships 互为反向索引，两者始终在同一把锁下修改。
// 房间在首次加入时创建，成员清空时删除。
type Index struct {
	mu          sync.RWMutex
	rooms       map[string]typeutil.Set[string]
	memberships map[string]typeutil.Set[string]

	exists ExistsFunc
}

// NewIndex 创建空索引。exists 非空时 Join 会拒绝未登记的连接。
func NewIndex(exists ExistsFunc) *Index {
	return &Index{
		rooms:       make(map[string]typeutil.Set[string]),
		memberships: make(map[string]typeutil.Set[string]),
		exists:      exists,
	}
}

// Join 将连接加入房间，重复加入是无操作。
//
// 存在性检查在持锁时进行，配合 Evict 的顺序保证已删除的连接不会残留在房间中。
// exists 不能反过来获取本索引的锁。
func (idx *Index) Join(room, identity string) error {
	if room == "" {
		return merr.WrapErrParameterMissing("roomName")
	}
	if identity == "" {
		return merr.WrapErrParameterMissing("identity")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.exists != nil && !idx.exists(identity) {
		return merr.WrapErrConnectionNotFound(identity, "join room "+room)
	}

	members, ok := idx.rooms[room]
	if !ok {
		members = typeutil.NewSet[string]()
		idx.rooms[room] = members
	}
	members.Insert(identity)

	joined, ok := idx.memberships[identity]
	if !ok {
		joined = typeutil.NewSet[string]()
		idx.memberships[identity] = joined
	}
	joined.Insert(room)
	return nil
}

// Leave 将连接移出房间，返回是否确实发生了移除。
func (idx *Index) Leave(room, identity string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	return idx.leaveLocked(room, identity)
}

func (idx *Index) leaveLocked(room, identity string) bool {
	members, ok := idx.rooms[room]
	if !ok || !members.Contain(identity) {
		return false
	}
	members.Remove(identity)
	if members.Len() == 0 {
		delete(idx.rooms, room)
	}

	if joined, ok := idx.memberships[identity]; ok {
		joined.Remove(room)
		if joined.Len() == 0 {
			delete(idx.memberships, identity)
		}
	}
	return true
}

// LeaveAll 将连接移出所有房间，返回被移出的房间列表。
func (idx *Index) LeaveAll(identity string) []string {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	joined, ok := idx.memberships[identity]
	if !ok {
		return nil
	}
	left := typeutil.Sorted(joined)
	for _, room := range left {
		idx.leaveLocked(room, identity)
	}
	return left
}

// Evict 先调用 unregister 注销连接，成功后再将其移出所有房间。
//
// 注销之后才清理成员关系：与之并发的 Join 要么在持锁检查时看到连接已不存在，
// 要么在本次 LeaveAll 获取锁之前完成插入并被清理。
func (idx *Index) Evict(identity string, unregister func() bool) bool {
	if !unregister() {
		return false
	}
	idx.LeaveAll(identity)
	return true
}

func (idx *Index) IsMember(room, identity string) bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	members, ok := idx.rooms[room]
	return ok && members.Contain(identity)
}

// MembersOf 返回房间成员集合的副本，房间不存在时返回空集合。
func (idx *Index) MembersOf(room string) typeutil.Set[string] {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	members, ok := idx.rooms[room]
	if !ok {
		return typeutil.NewSet[string]()
	}
	return members.Clone()
}

// RoomsOf 返回连接所在的房间，按名称排序。
func (idx *Index) RoomsOf(identity string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	joined, ok := idx.memberships[identity]
	if !ok {
		return nil
	}
	return typeutil.Sorted(joined)
}

// Rooms 返回所有非空房间名，按名称排序。
func (idx *Index) Rooms() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	names := typeutil.NewSet[string]()
	for name := range idx.rooms {
		names.Insert(name)
	}
	return typeutil.Sorted(names)
}

// Len 返回非空房间数量。
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.rooms)
}

// Reset 清空索引。
func (idx *Index) Reset() {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	idx.rooms = make(map[string]typeutil.Set[string])
	idx.memberships = make(map[string]typeutil.Set[string])
}
