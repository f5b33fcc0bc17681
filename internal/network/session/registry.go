package session

import (
	"maps"
	"sync"
	"time"

	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

// User 是鉴权通过后的用户信息。
type User struct {
	UserID string         `json:"userId"`
	Claims map[string]any `json:"claims,omitempty"`
}

// Record 是一条连接记录。
//
// 接入该连接的 worker 持有 Handle；其它 worker 通过总线事件得到的副本 Handle 为 nil。
type Record struct {
	Identity     string
	WorkerID     string
	Handle       Session
	LastActivity time.Time
	User         *User
	Attributes   map[string]any
}

// IsLocal 判断记录是否由当前 worker 持有连接。
func (r Record) IsLocal() bool {
	return r.Handle != nil
}

func (r *Record) clone() Record {
	c := *r
	c.Attributes = maps.Clone(r.Attributes)
	return c
}

// ChangeKind 描述注册表的变更类型。
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeRemoved
	ChangeUpdated
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeRemoved:
		return "removed"
	case ChangeUpdated:
		return "updated"
	default:
		return "unknown"
	}
}

// Observer 在注册表变更后被调用，调用时不持有锁。
type Observer func(kind ChangeKind, rec Record)

// reservedAttributes 中的键永远不允许通过 SetAttribute 写入。
var reservedAttributes = map[string]struct{}{
	"__proto__":      {},
	"constructor":    {},
	"prototype":      {},
	"toString":       {},
	"valueOf":        {},
	"hasOwnProperty": {},
	"identity":       {},
	"workerId":       {},
	"handle":         {},
	"lastActivity":   {},
	"user":           {},
	"authenticated":  {},
}

// DefaultAllowedAttributes 为默认允许写入的属性键。
var DefaultAllowedAttributes = []string{"userId", "userType", "username", "displayName", "status", "metadata"}

// RegistryOption 配置 Registry。
type RegistryOption func(*Registry)

// WithAllowedAttributes 覆盖允许写入的属性键列表。
func WithAllowedAttributes(keys ...string) RegistryOption {
	return func(r *Registry) {
		r.allowed = make(map[string]struct{}, len(keys))
		for _, k := range keys {
			r.allowed[k] = struct{}{}
		}
	}
}

// WithObserver 注册变更回调。
func WithObserver(fn Observer) RegistryOption {
	return func(r *Registry) {
		r.observer = fn
	}
}

// Registry 是连接标识到连接记录的并发安全映射。
//
// 特性：
//   - 使用读写锁保证并发安全；
//   - Add 在遇到重复标识时返回 ErrDuplicateIdentity，不会覆盖旧记录；
//   - 对外返回的都是记录副本，遍历时先复制快照，不在持锁时执行回调。
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	allowed  map[string]struct{}
	observer Observer
}

// NewRegistry 创建一个空的 Registry。
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		records: make(map[string]*Record),
	}
	WithAllowedAttributes(DefaultAllowedAttributes...)(r)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add 登记一条新记录。未通过 CheckAttribute 的属性键会被丢弃。
func (r *Registry) Add(rec Record) error {
	if rec.Identity == "" {
		return merr.WrapErrParameterMissing("identity")
	}
	if rec.LastActivity.IsZero() {
		rec.LastActivity = time.Now()
	}
	rec.Attributes, _ = r.FilterAttributes(rec.Attributes)

	r.mu.Lock()
	if _, exists := r.records[rec.Identity]; exists {
		r.mu.Unlock()
		return merr.WrapErrDuplicateIdentity(rec.Identity)
	}
	r.records[rec.Identity] = &rec
	snapshot := rec.clone()
	r.mu.Unlock()

	r.notify(ChangeAdded, snapshot)
	return nil
}

// Remove 删除记录并返回被删除的记录，不存在时返回 false。
func (r *Registry) Remove(identity string) (Record, bool) {
	return r.removeIf(identity, nil)
}

// RemoveOwned 只在记录属于 workerID 时删除。
func (r *Registry) RemoveOwned(identity, workerID string) (Record, bool) {
	return r.removeIf(identity, func(rec *Record) bool { return rec.WorkerID == workerID })
}

func (r *Registry) removeIf(identity string, pred func(rec *Record) bool) (Record, bool) {
	r.mu.Lock()
	rec, ok := r.records[identity]
	if !ok || (pred != nil && !pred(rec)) {
		r.mu.Unlock()
		return Record{}, false
	}
	delete(r.records, identity)
	snapshot := rec.clone()
	r.mu.Unlock()

	r.notify(ChangeRemoved, snapshot)
	return snapshot, true
}

func (r *Registry) Get(identity string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[identity]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Has 判断标识是否存在，供房间索引做存在性检查。
func (r *Registry) Has(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.records[identity]
	return ok
}

// CheckAttribute 校验属性键：先检查保留键，再检查允许列表。
func (r *Registry) CheckAttribute(key string) error {
	if _, reserved := reservedAttributes[key]; reserved {
		return merr.WrapErrRejectedMutation(key, "reserved key")
	}
	if _, ok := r.allowed[key]; !ok {
		return merr.WrapErrRejectedMutation(key, "key not allowed")
	}
	return nil
}

// FilterAttributes 返回只包含合法键的新 map，以及每个被拒绝键对应的错误。
func (r *Registry) FilterAttributes(attrs map[string]any) (map[string]any, []error) {
	kept := make(map[string]any, len(attrs))
	var rejected []error
	for k, v := range attrs {
		if err := r.CheckAttribute(k); err != nil {
			rejected = append(rejected, err)
			continue
		}
		kept[k] = v
	}
	return kept, rejected
}

// SetAttribute 写入一个属性，校验失败时不做任何修改。
func (r *Registry) SetAttribute(identity, key string, value any) error {
	if err := r.CheckAttribute(key); err != nil {
		return err
	}

	r.mu.Lock()
	rec, ok := r.records[identity]
	if !ok {
		r.mu.Unlock()
		return merr.WrapErrConnectionNotFound(identity)
	}
	rec.Attributes[key] = value
	snapshot := rec.clone()
	r.mu.Unlock()

	r.notify(ChangeUpdated, snapshot)
	return nil
}

// Touch 刷新最近活跃时间，不触发变更回调。
func (r *Registry) Touch(identity string, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[identity]
	if !ok {
		return false
	}
	if at.After(rec.LastActivity) {
		rec.LastActivity = at
	}
	return true
}

// ListMatching 返回满足 pred 的记录副本，pred 为 nil 时返回全部。
func (r *Registry) ListMatching(pred func(rec Record) bool) []Record {
	snapshot := r.snapshot()
	if pred == nil {
		return snapshot
	}
	result := snapshot[:0]
	for _, rec := range snapshot {
		if pred(rec) {
			result = append(result, rec)
		}
	}
	return result
}

// Local 返回当前 worker 持有连接的记录。
func (r *Registry) Local() []Record {
	return r.ListMatching(func(rec Record) bool { return rec.IsLocal() })
}

// OwnedBy 返回由指定 worker 接入的记录。
func (r *Registry) OwnedBy(workerID string) []Record {
	return r.ListMatching(func(rec Record) bool { return rec.WorkerID == workerID })
}

// Range 在快照上遍历，fn 返回 false 时停止。
func (r *Registry) Range(fn func(rec Record) bool) {
	if fn == nil {
		return
	}
	for _, rec := range r.snapshot() {
		if !fn(rec) {
			return
		}
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Reset 清空所有记录，不触发变更回调。
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = make(map[string]*Record)
}

func (r *Registry) snapshot() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		snapshot = append(snapshot, rec.clone())
	}
	return snapshot
}

func (r *Registry) notify(kind ChangeKind, rec Record) {
	if r.observer != nil {
		r.observer(kind, rec)
	}
}
