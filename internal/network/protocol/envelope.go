// Package protocol 定义客户端与服务端之间的 JSON 信封格式。
//
// 入站信封：{type, action, data?}
// 响应信封：{type, action, response}
// 错误信封：{type: "error", action: "message", data: {error}}
package protocol

import (
	"github.com/cockroachdb/errors"

	"github.com/lk2023060901/danmu-realtime/internal/json"
	"github.com/lk2023060901/danmu-realtime/internal/network/serializer"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

const (
	TypeSystem = "system"
	TypeError  = "error"

	ActionJoinRoom   = "joinRoom"
	ActionLeaveRoom  = "leaveRoom"
	ActionClientList = "clientList"
	ActionConnected  = "connected"
	ActionMessage    = "message"
)

// Envelope 是所有入站与出站消息共用的外层结构。
type Envelope struct {
	Type     string          `json:"type"`
	Action   string          `json:"action"`
	Data     json.RawMessage `json:"data,omitempty"`
	Response any             `json:"response,omitempty"`
}

// Route 返回 type/action 组合，用于日志与指标。
func (e *Envelope) Route() string {
	return e.Type + "/" + e.Action
}

// Bind 将 data 字段解码到 v。data 缺省时 v 保持零值。
func (e *Envelope) Bind(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return merr.WrapErrMalformedMessage(err.Error(), "bind "+e.Route())
	}
	return nil
}

// New 以任意 data 构造一条出站信封，data 为 nil 时省略该字段。
func New(typ, action string, data any) (*Envelope, error) {
	env := &Envelope{Type: typ, Action: action}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal data of %s/%s", typ, action)
	}
	env.Data = raw
	return env, nil
}

// NewResponse 构造 {type, action, response} 形式的响应信封。
func NewResponse(typ, action string, response any) *Envelope {
	return &Envelope{Type: typ, Action: action, Response: response}
}

// ErrorData 为错误信封的 data 结构。
type ErrorData struct {
	Error string `json:"error"`
}

// NewError 构造错误信封。
func NewError(msg string) *Envelope {
	raw, _ := json.Marshal(ErrorData{Error: msg})
	return &Envelope{Type: TypeError, Action: ActionMessage, Data: raw}
}

// Codec 负责信封与字节之间的转换。
type Codec struct {
	s serializer.Serializer
}

// NewCodec 返回使用给定 Serializer 的 Codec，s 为 nil 时使用 JSON。
func NewCodec(s serializer.Serializer) *Codec {
	if s == nil {
		s = serializer.JSONSerializer{}
	}
	return &Codec{s: s}
}

// DefaultCodec 是基于 JSON 的默认 Codec。
var DefaultCodec = NewCodec(nil)

// Decode 解析一帧入站数据。
// 非对象、type/action 缺失或不是非空字符串时返回 ErrMalformedMessage。
func (c *Codec) Decode(raw []byte) (*Envelope, error) {
	var probe struct {
		Type   *string         `json:"type"`
		Action *string         `json:"action"`
		Data   json.RawMessage `json:"data"`
	}
	if err := c.s.Unmarshal(raw, &probe); err != nil {
		return nil, merr.WrapErrMalformedMessage("invalid json")
	}
	if probe.Type == nil || *probe.Type == "" {
		return nil, merr.WrapErrMalformedMessage("missing type")
	}
	if probe.Action == nil || *probe.Action == "" {
		return nil, merr.WrapErrMalformedMessage("missing action")
	}
	return &Envelope{Type: *probe.Type, Action: *probe.Action, Data: probe.Data}, nil
}

// Encode 将信封编码为一帧出站数据。
func (c *Codec) Encode(env *Envelope) ([]byte, error) {
	return c.s.Marshal(env)
}

func Decode(raw []byte) (*Envelope, error) {
	return DefaultCodec.Decode(raw)
}

func Encode(env *Envelope) ([]byte, error) {
	return DefaultCodec.Encode(env)
}
