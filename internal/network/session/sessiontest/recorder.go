// Package sessiontest 提供记录发送内容的内存 Session，用于单元测试。
package sessiontest

import (
	"context"
	"net"
	"sync"

	"github.com/lk2023060901/danmu-realtime/internal/network"
	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
)

// Recorder 是不依赖网络的 Session 实现。
type Recorder struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	frames [][]byte
	closed int
}

var _ session.Session = (*Recorder)(nil)

func NewRecorder(id string) *Recorder {
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{id: id, ctx: ctx, cancel: cancel}
}

func (r *Recorder) ID() string { return r.id }
func (r *Recorder) Context() context.Context { return r.ctx }
func (r *Recorder) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000} }
func (r *Recorder) LocalAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080} }

func (r *Recorder) Send(env *protocol.Envelope) error {
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	return r.SendRaw(frame)
}

func (r *Recorder) SendRaw(frame []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed > 0 {
		return network.ErrSessionClosed
	}
	r.frames = append(r.frames, frame)
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed++
	r.mu.Unlock()
	r.cancel()
	return nil
}

// Closed 返回 Close 被调用的次数。
func (r *Recorder) Closed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Envelopes 解码并返回目前收到的全部信封。
func (r *Recorder) Envelopes() []*protocol.Envelope {
	r.mu.Lock()
	frames := append([][]byte(nil), r.frames...)
	r.mu.Unlock()

	result := make([]*protocol.Envelope, 0, len(frames))
	for _, frame := range frames {
		env, err := protocol.Decode(frame)
		if err != nil {
			continue
		}
		result = append(result, env)
	}
	return result
}

// Find 返回第一条匹配 type/action 的信封。
func (r *Recorder) Find(typ, action string) (*protocol.Envelope, bool) {
	for _, env := range r.Envelopes() {
		if env.Type == typ && env.Action == action {
			return env, true
		}
	}
	return nil, false
}

// Count 返回匹配 type/action 的信封数量。
func (r *Recorder) Count(typ, action string) int {
	n := 0
	for _, env := range r.Envelopes() {
		if env.Type == typ && env.Action == action {
			n++
		}
	}
	return n
}

// Raw 返回收到的原始帧副本。
func (r *Recorder) Raw() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.frames...)
}

// Reset 清空已记录的帧。
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}
