package fanout

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-realtime/internal/json"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

// Kind 是总线事件的类型，每种类型对应一个频道。
type Kind string

const (
	KindConnectionOpened Kind = "connection-opened"
	KindConnectionClosed Kind = "connection-closed"
	KindRoomJoined       Kind = "room-joined"
	KindRoomLeft         Kind = "room-left"
	KindAttributeChanged Kind = "attribute-changed"
	KindBroadcast        Kind = "broadcast-request"
	KindTargetedError    Kind = "targeted-error"
	KindForceDisconnect  Kind = "force-disconnect"
	KindCustom           Kind = "custom"
)

// DefaultPrefix 是所有频道名的默认前缀。
const DefaultPrefix = "realtime."

const customSegment = string(KindCustom) + "."

// Filter 是可以跨进程传递的广播过滤条件，所有非空条件需同时满足。
type Filter struct {
	Room       string         `json:"room,omitempty"`
	UserIDs    []string       `json:"userIds,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Matches 判断记录是否满足过滤条件。inRoom 用于检查房间成员关系。
func (f *Filter) Matches(rec session.Record, inRoom func(room, identity string) bool) bool {
	if f == nil {
		return true
	}
	if f.Room != "" && (inRoom == nil || !inRoom(f.Room, rec.Identity)) {
		return false
	}
	if len(f.UserIDs) > 0 {
		userID := ""
		if rec.User != nil {
			userID = rec.User.UserID
		}
		if userID == "" {
			if v, ok := rec.Attributes["userId"]; ok {
				userID = fmt.Sprint(v)
			}
		}
		matched := false
		for _, id := range f.UserIDs {
			if id == userID && id != "" {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for k, want := range f.Attributes {
		got, ok := rec.Attributes[k]
		// 经过 JSON 往返后数值类型会变化，按字面值比较。
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// Event 是在 worker 之间传递的状态变更。
//
// 所有类型共用同一个结构，各类型只填充自己需要的字段。
type Event struct {
	Kind Kind `json:"-"`

	WorkerID          string `json:"workerId"`
	IncludeOriginator bool   `json:"includeOriginator,omitempty"`

	Identity          string         `json:"identity,omitempty"`
	LastActivity      int64          `json:"lastActivity,omitempty"`
	AuthenticatedUser *session.User  `json:"authenticatedUser,omitempty"`
	Attributes        map[string]any `json:"attributes,omitempty"`

	Room string `json:"room,omitempty"`

	Key   string `json:"key,omitempty"`
	Value any    `json:"value,omitempty"`

	Type            string          `json:"type,omitempty"`
	Action          string          `json:"action,omitempty"`
	Data            json.RawMessage `json:"data,omitempty"`
	ExcludeIdentity string          `json:"excludeIdentity,omitempty"`
	Filter          *Filter         `json:"filter,omitempty"`

	Error string `json:"error,omitempty"`

	Channel string          `json:"channel,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Codec 负责事件与总线频道、字节之间的转换。
type Codec struct {
	prefix string
}

// NewCodec 返回使用给定前缀的 Codec，prefix 为空时使用 DefaultPrefix。
// 前缀总以 "." 结尾，频道名因此是以 "." 分隔的层级名，可直接用作 NATS subject。
func NewCodec(prefix string) *Codec {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, ".") {
		prefix += "."
	}
	return &Codec{prefix: prefix}
}

// ValidateChannel 校验自定义频道名：以 "." 分隔的非空片段，不含空白与通配符。
func ValidateChannel(name string) error {
	if name == "" {
		return merr.WrapErrParameterMissing("channel")
	}
	if strings.ContainsAny(name, " \t\r\n*>?[]") {
		return merr.WrapErrParameterInvalidMsg("channel %q contains whitespace or wildcard characters", name)
	}
	for _, token := range strings.Split(name, ".") {
		if token == "" {
			return merr.WrapErrParameterInvalidMsg("channel %q contains an empty segment", name)
		}
	}
	return nil
}

// Prefix 返回频道名前缀，也是订阅时使用的前缀。
func (c *Codec) Prefix() string {
	return c.prefix
}

// ChannelOf 返回事件应发布到的频道名。
func (c *Codec) ChannelOf(ev *Event) string {
	if ev.Kind == KindCustom {
		return c.prefix + customSegment + ev.Channel
	}
	return c.prefix + string(ev.Kind)
}

// Encode 返回事件的频道名与负载。
func (c *Codec) Encode(ev *Event) (string, []byte, error) {
	if ev.Kind == "" {
		return "", nil, errors.New("fanout: event kind is empty")
	}
	if ev.Kind == KindCustom {
		if err := ValidateChannel(ev.Channel); err != nil {
			return "", nil, err
		}
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", nil, errors.Wrapf(err, "fanout: marshal %s", ev.Kind)
	}
	return c.ChannelOf(ev), payload, nil
}

// Decode 根据频道名与负载还原事件。
func (c *Codec) Decode(channel string, payload []byte) (*Event, error) {
	name, ok := strings.CutPrefix(channel, c.prefix)
	if !ok {
		return nil, errors.Newf("fanout: channel %q outside prefix %q", channel, c.prefix)
	}
	ev := &Event{}
	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, errors.Wrapf(err, "fanout: unmarshal %s", channel)
	}
	if custom, ok := strings.CutPrefix(name, customSegment); ok {
		ev.Kind = KindCustom
		ev.Channel = custom
		return ev, nil
	}
	ev.Kind = Kind(name)
	if !ev.Kind.Known() {
		return nil, errors.Newf("fanout: unknown event kind %q", name)
	}
	return ev, nil
}

// Known 判断是否为内置事件类型。
func (k Kind) Known() bool {
	switch k {
	case KindConnectionOpened, KindConnectionClosed, KindRoomJoined, KindRoomLeft,
		KindAttributeChanged, KindBroadcast, KindTargetedError, KindForceDisconnect, KindCustom:
		return true
	default:
		return false
	}
}
