package workerutil

import (
	"context"
	"sync"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

// Presence 将 worker 注册与副本清理结合起来：
// 对端 worker 的键消失后，调用 Purger 移除它拥有的副本记录。
type Presence struct {
	log.Binder

	worker  *Worker
	purger  Purger
	watcher WorkerWatcher

	mu      sync.Mutex
	peers   map[string]*Worker
	started bool
	wg      sync.WaitGroup
}

// NewPresence 创建 Presence。
func NewPresence(ctx context.Context, metaRoot string, cli *clientv3.Client, workerID, address string, purger Purger, opts ...WorkerOption) *Presence {
	w := NewWorker(ctx, metaRoot, cli, workerID, address, opts...)
	p := &Presence{
		worker: w,
		purger: purger,
		peers:  make(map[string]*Worker),
	}
	p.SetLogger(w.Logger())
	return p
}

// Worker 返回底层的注册对象。
func (p *Presence) Worker() *Worker {
	return p.worker
}

// Peers 返回当前可见的其他 worker id。
func (p *Presence) Peers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.peers))
	for id := range p.peers {
		ids = append(ids, id)
	}
	return ids
}

// Start 注册当前 worker 并开始监听对端。
func (p *Presence) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	if p.purger == nil {
		return merr.WrapErrParameterMissing("purger")
	}
	if err := p.worker.Register(); err != nil {
		return err
	}
	workers, revision, err := p.worker.GetWorkers(ctx)
	if err != nil {
		p.worker.Stop()
		return err
	}
	for id, w := range workers {
		if id != p.worker.WorkerID {
			p.peers[id] = w
		}
	}
	p.watcher = p.worker.Watch(revision+1, p.rewatch)
	p.started = true

	p.wg.Add(1)
	go p.loop(p.watcher)
	p.Logger().Info("worker presence started", zap.Int("peers", len(p.peers)))
	return nil
}

func (p *Presence) loop(watcher WorkerWatcher) {
	defer p.wg.Done()
	for ev := range watcher.EventChannel() {
		p.handleEvent(ev)
	}
}

func (p *Presence) handleEvent(ev *WorkerEvent) {
	id := ev.Worker.WorkerID
	if id == "" || id == p.worker.WorkerID {
		return
	}
	switch ev.EventType {
	case WorkerAddEvent:
		p.mu.Lock()
		p.peers[id] = ev.Worker
		p.mu.Unlock()
		p.Logger().Info("worker joined", zap.String("peer", id), zap.String("address", ev.Worker.Address))
	case WorkerUpdateEvent:
		p.mu.Lock()
		p.peers[id] = ev.Worker
		p.mu.Unlock()
		p.Logger().Info("worker stopping", zap.String("peer", id))
	case WorkerDelEvent:
		p.mu.Lock()
		delete(p.peers, id)
		p.mu.Unlock()
		p.purge(id)
	}
}

func (p *Presence) purge(id string) {
	n := p.purger.PurgeWorker(id)
	p.Logger().Info("worker departed, replicated records purged", zap.String("peer", id), zap.Int("purged", n))
}

// rewatch 对比快照，清理在压缩窗口内消失的 worker。
func (p *Presence) rewatch(workers map[string]*Worker) error {
	p.mu.Lock()
	var gone []string
	for id := range p.peers {
		if _, ok := workers[id]; !ok {
			gone = append(gone, id)
		}
	}
	p.peers = make(map[string]*Worker, len(workers))
	for id, w := range workers {
		if id != p.worker.WorkerID {
			p.peers[id] = w
		}
	}
	p.mu.Unlock()
	for _, id := range gone {
		p.purge(id)
	}
	return nil
}

// Stop 标记停止、停止监听并撤销租约。可重复调用。
func (p *Presence) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	watcher := p.watcher
	p.mu.Unlock()

	if err := p.worker.GoingStop(); err != nil {
		p.Logger().Warn("failed to mark worker stopping", zap.Error(err))
	}
	watcher.Stop()
	p.wg.Wait()
	p.worker.Stop()
}
