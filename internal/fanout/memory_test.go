package fanout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"github.com/lk2023060901/danmu-realtime/pkg/metrics"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

type MemoryBusSuite struct {
	suite.Suite

	bus *MemoryBus
}

func (s *MemoryBusSuite) SetupTest() {
	s.bus = NewMemoryBus()
}

func (s *MemoryBusSuite) TearDownTest() {
	s.bus.Close()
}

type collector struct {
	mu   sync.Mutex
	msgs []Message
}

func (c *collector) handle(msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collector) channels() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Channel)
	}
	return out
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (s *MemoryBusSuite) TestPrefixAndOrder() {
	ctx := context.Background()
	all, rooms := &collector{}, &collector{}
	_, err := s.bus.Subscribe(ctx, "realtime.", all.handle)
	s.Require().NoError(err)
	_, err = s.bus.Subscribe(ctx, "realtime.room-", rooms.handle)
	s.Require().NoError(err)

	var want []string
	for i := 0; i < 50; i++ {
		ch := fmt.Sprintf("realtime.room-%d", i)
		want = append(want, ch)
		s.Require().NoError(s.bus.Publish(ctx, ch, []byte("x")))
	}
	s.NoError(s.bus.Publish(ctx, "realtime.connection-opened", nil))
	s.NoError(s.bus.Publish(ctx, "elsewhere.room-1", nil))

	s.Eventually(func() bool { return all.len() == 51 && rooms.len() == 50 }, time.Second, 5*time.Millisecond)
	s.Equal(want, rooms.channels())
	s.Equal(append(want, "realtime.connection-opened"), all.channels())
}

func (s *MemoryBusSuite) TestUnsubscribe() {
	ctx := context.Background()
	c := &collector{}
	sub, err := s.bus.Subscribe(ctx, "a.", c.handle)
	s.Require().NoError(err)
	s.NoError(s.bus.Publish(ctx, "a.1", nil))
	s.Eventually(func() bool { return c.len() == 1 }, time.Second, 5*time.Millisecond)

	s.NoError(sub.Unsubscribe())
	s.NoError(sub.Unsubscribe())
	s.NoError(s.bus.Publish(ctx, "a.2", nil))
	time.Sleep(20 * time.Millisecond)
	s.Equal(1, c.len())
}

func (s *MemoryBusSuite) TestPayloadIsCopied() {
	ctx := context.Background()
	got := make(chan []byte, 1)
	_, err := s.bus.Subscribe(ctx, "", func(msg Message) { got <- msg.Payload })
	s.Require().NoError(err)

	payload := []byte("hello")
	s.NoError(s.bus.Publish(ctx, "x", payload))
	payload[0] = 'j'
	s.Equal("hello", string(<-got))
}

func (s *MemoryBusSuite) TestHandlerPublishingToOwnFullQueue() {
	ctx := context.Background()
	bus := NewMemoryBus(WithQueueSize(1))
	defer bus.Close()

	dropped := testutil.ToFloat64(metrics.BusEventsDropped.WithLabelValues(DriverMemory))
	done := make(chan struct{})
	var once sync.Once
	_, err := bus.Subscribe(ctx, "loop.", func(msg Message) {
		if msg.Channel != "loop.start" {
			return
		}
		for i := 0; i < 3; i++ {
			_ = bus.Publish(ctx, fmt.Sprintf("loop.%d", i), nil)
		}
		once.Do(func() { close(done) })
	})
	s.Require().NoError(err)

	s.NoError(bus.Publish(ctx, "loop.start", nil))
	select {
	case <-done:
	case <-time.After(time.Second):
		s.FailNow("handler blocked on its own queue")
	}
	s.GreaterOrEqual(testutil.ToFloat64(metrics.BusEventsDropped.WithLabelValues(DriverMemory)), dropped+2)
}

func (s *MemoryBusSuite) TestClosed() {
	ctx := context.Background()
	s.NoError(s.bus.Close())
	s.NoError(s.bus.Close())

	err := s.bus.Publish(ctx, "x", nil)
	s.ErrorIs(err, merr.ErrBusUnavailable)
	_, err = s.bus.Subscribe(ctx, "x", func(Message) {})
	s.ErrorIs(err, merr.ErrBusUnavailable)
}

func (s *MemoryBusSuite) TestFactory() {
	bus, err := New(context.Background(), Config{}, nil)
	s.Require().NoError(err)
	s.Equal(DriverMemory, bus.Name())
	s.NoError(bus.Close())

	_, err = New(context.Background(), Config{Driver: "kafka"}, nil)
	s.ErrorIs(err, merr.ErrParameterInvalid)

	_, err = New(context.Background(), Config{Driver: DriverEtcd}, nil)
	s.ErrorIs(err, merr.ErrParameterMissing)
}

func TestMemoryBus(t *testing.T) {
	suite.Run(t, new(MemoryBusSuite))
}
