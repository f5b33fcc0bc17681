package session

import (
	"context"
	"net"

	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
)

type fakeHandle struct {
	id string
}

func (f *fakeHandle) ID() string { return f.id }
func (f *fakeHandle) Context() context.Context { return context.Background() }
func (f *fakeHandle) RemoteAddr() net.Addr { return nil }
func (f *fakeHandle) LocalAddr() net.Addr { return nil }
func (f *fakeHandle) Send(env *protocol.Envelope) error { return nil }
func (f *fakeHandle) SendRaw(frame []byte) error { return nil }
func (f *fakeHandle) Close() error { return nil }
