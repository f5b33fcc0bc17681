package workerutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/blang/semver/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/lk2023060901/danmu-realtime/pkg/util/etcd"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

const embedConfig = `name: workerutil-test
data-dir: %s
listen-client-urls: http://127.0.0.1:23790
advertise-client-urls: http://127.0.0.1:23790
listen-peer-urls: http://127.0.0.1:23800
initial-advertise-peer-urls: http://127.0.0.1:23800
initial-cluster: workerutil-test=http://127.0.0.1:23800
log-level: error
`

type fakePurger struct {
	mu     sync.Mutex
	purged []string
}

func (f *fakePurger) PurgeWorker(workerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, workerID)
	return 1
}

func (f *fakePurger) Purged() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.purged...)
}

type WorkerSuite struct {
	suite.Suite
	dir  string
	cli  *clientv3.Client
	root string
	ctx  context.Context
}

func (s *WorkerSuite) SetupSuite() {
	dir, err := os.MkdirTemp("", "workerutil")
	s.Require().NoError(err)
	s.dir = dir
	cfgPath := filepath.Join(dir, "etcd.yaml")
	s.Require().NoError(os.WriteFile(cfgPath, []byte(fmt.Sprintf(embedConfig, filepath.Join(dir, "data"))), 0o600))
	s.Require().NoError(etcd.InitEtcdServer(true, cfgPath, "", "", ""))
	s.cli, err = etcd.GetEmbedEtcdClient()
	s.Require().NoError(err)
}

func (s *WorkerSuite) TearDownSuite() {
	etcd.StopEtcdServer()
	os.RemoveAll(s.dir)
}

func (s *WorkerSuite) SetupTest() {
	s.root = "/realtime-test/" + uuid.NewString()
	s.ctx = context.Background()
}

func (s *WorkerSuite) newWorker(id string, opts ...WorkerOption) *Worker {
	opts = append([]WorkerOption{WithTTL(2), WithRetryTimes(2)}, opts...)
	w := NewWorker(s.ctx, s.root, s.cli, id, "127.0.0.1:"+id, opts...)
	s.T().Cleanup(w.Stop)
	return w
}

func (s *WorkerSuite) TestRegisterAndGetWorkers() {
	a := s.newWorker("a")
	b := s.newWorker("b")
	s.Require().NoError(a.Register())
	s.Require().NoError(b.Register())
	s.True(a.Registered())

	workers, rev, err := a.GetWorkers(s.ctx)
	s.Require().NoError(err)
	s.Greater(rev, int64(0))
	s.Len(workers, 2)
	s.Equal("127.0.0.1:b", workers["b"].Address)
	s.True(workers["b"].Version.Equals(ProtocolVersion))
	s.NotZero(workers["b"].StartedAt)

	b.Stop()
	s.False(b.Registered())
	workers, _, err = a.GetWorkers(s.ctx)
	s.Require().NoError(err)
	s.Len(workers, 1)
	s.Contains(workers, "a")
}

func (s *WorkerSuite) TestDuplicateRegister() {
	a := s.newWorker("dup")
	s.Require().NoError(a.Register())

	again := s.newWorker("dup")
	err := again.Register()
	s.ErrorIs(err, merr.ErrWorkerExists)
	s.False(again.Registered())
}

func (s *WorkerSuite) TestRegisterRequiresClient() {
	w := NewWorker(s.ctx, s.root, nil, "x", "")
	s.ErrorIs(w.Register(), merr.ErrParameterMissing)
}

func (s *WorkerSuite) TestWatchEvents() {
	a := s.newWorker("a")
	s.Require().NoError(a.Register())
	_, rev, err := a.GetWorkers(s.ctx)
	s.Require().NoError(err)

	watcher := a.Watch(rev+1, nil)
	defer watcher.Stop()

	b := s.newWorker("b")
	s.Require().NoError(b.Register())
	ev := s.next(watcher)
	s.Equal(WorkerAddEvent, ev.EventType)
	s.Equal("b", ev.Worker.WorkerID)

	s.Require().NoError(b.GoingStop())
	ev = s.next(watcher)
	s.Equal(WorkerUpdateEvent, ev.EventType)
	s.True(ev.Worker.Stopping)

	b.Stop()
	ev = s.next(watcher)
	s.Equal(WorkerDelEvent, ev.EventType)
	s.Equal("b", ev.Worker.WorkerID)
}

func (s *WorkerSuite) TestIncompatibleVersionIgnored() {
	a := s.newWorker("a")
	s.Require().NoError(a.Register())
	_, rev, err := a.GetWorkers(s.ctx)
	s.Require().NoError(err)
	watcher := a.Watch(rev+1, nil)
	defer watcher.Stop()

	future := s.newWorker("future", WithVersion(semver.MustParse("2.1.0")))
	s.Require().NoError(future.Register())
	current := s.newWorker("current")
	s.Require().NoError(current.Register())

	ev := s.next(watcher)
	s.Equal("current", ev.Worker.WorkerID)

	workers, _, err := a.GetWorkers(s.ctx)
	s.Require().NoError(err)
	s.NotContains(workers, "future")
	s.Contains(workers, "current")
}

func (s *WorkerSuite) TestPresencePurgesDepartedPeer() {
	purger := &fakePurger{}
	p := NewPresence(s.ctx, s.root, s.cli, "a", "127.0.0.1:a", purger, WithTTL(2))
	s.Require().NoError(p.Start(s.ctx))
	defer p.Stop()

	b := s.newWorker("b")
	s.Require().NoError(b.Register())
	s.Eventually(func() bool {
		return len(p.Peers()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	b.Stop()
	s.Eventually(func() bool {
		purged := purger.Purged()
		return len(purged) == 1 && purged[0] == "b"
	}, 5*time.Second, 20*time.Millisecond)
	s.Empty(p.Peers())
}

func (s *WorkerSuite) TestPresenceStop() {
	purger := &fakePurger{}
	a := NewPresence(s.ctx, s.root, s.cli, "a", "", purger, WithTTL(2))
	b := NewPresence(s.ctx, s.root, s.cli, "b", "", &fakePurger{}, WithTTL(2))
	s.Require().NoError(a.Start(s.ctx))
	s.Require().NoError(b.Start(s.ctx))
	s.Require().Eventually(func() bool {
		return len(a.Peers()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	b.Stop()
	b.Stop()
	s.Eventually(func() bool {
		return len(purger.Purged()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	a.Stop()
}

func (s *WorkerSuite) TestPresenceRequiresPurger() {
	p := NewPresence(s.ctx, s.root, s.cli, "a", "", nil)
	s.ErrorIs(p.Start(s.ctx), merr.ErrParameterMissing)
}

func (s *WorkerSuite) next(w WorkerWatcher) *WorkerEvent {
	select {
	case ev, ok := <-w.EventChannel():
		s.Require().True(ok, "watch channel closed")
		return ev
	case <-time.After(5 * time.Second):
		s.FailNow("timed out waiting for worker event")
		return nil
	}
}

func TestWorker(t *testing.T) {
	suite.Run(t, new(WorkerSuite))
}
