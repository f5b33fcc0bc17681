// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workerutil

import (
	"context"
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/blang/semver/v4"
	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	v3rpc "go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/json"
	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
	"github.com/lk2023060901/danmu-realtime/pkg/util/retry"
)

const (
	// DefaultMetaRoot 为 worker 信息在 etcd 中的默认根路径。
	DefaultMetaRoot = "/realtime"
	// DefaultWorkerRoot 为 worker 注册键所在的子目录。
	DefaultWorkerRoot = "workers"

	defaultWorkerTTL        = 10
	defaultWorkerRetryTimes = 30
)

// ProtocolVersion 为当前 worker 广播使用的协议版本。
var ProtocolVersion = semver.MustParse("1.0.0")

// WorkerEventType 表示 worker 事件类型。
type WorkerEventType int

const (
	WorkerNoneEvent WorkerEventType = iota
	WorkerAddEvent
	WorkerDelEvent
	WorkerUpdateEvent
)

func (t WorkerEventType) String() string {
	switch t {
	case WorkerAddEvent:
		return "add"
	case WorkerDelEvent:
		return "delete"
	case WorkerUpdateEvent:
		return "update"
	default:
		return "none"
	}
}

// WorkerEvent 表示其他 worker 的状态变更。
// 上线为 WorkerAddEvent，下线为 WorkerDelEvent，进入停止流程为 WorkerUpdateEvent。
type WorkerEvent struct {
	EventType WorkerEventType
	Worker    *Worker
}

// WorkerRaw 是写入 etcd 的 worker 信息。
type WorkerRaw struct {
	WorkerID  string            `json:"WorkerID,omitempty"`
	Address   string            `json:"Address,omitempty"`
	HostName  string            `json:"HostName,omitempty"`
	Version   string            `json:"Version,omitempty"`
	Stopping  bool              `json:"Stopping,omitempty"`
	StartedAt int64             `json:"StartedAt,omitempty"`
	LeaseID   *clientv3.LeaseID `json:"LeaseID,omitempty"`
}

// Worker 维护当前进程在 etcd 中的存活记录。
type Worker struct {
	log.Binder

	ctx    context.Context
	cancel context.CancelFunc

	WorkerRaw

	Version semver.Version `json:"Version,omitempty"`

	leaseMu    sync.Mutex
	etcdCli    *clientv3.Client
	metaRoot   string
	ttl        int64
	retryTimes int64
	registered atomic.Bool
	wg         sync.WaitGroup
}

// WorkerOption 修改 Worker 的默认配置。
type WorkerOption func(w *Worker)

// WithTTL 设置租约 TTL（秒）。
func WithTTL(ttl int64) WorkerOption {
	return func(w *Worker) {
		if ttl > 0 {
			w.ttl = ttl
		}
	}
}

// WithRetryTimes 设置注册重试次数。
func WithRetryTimes(n int64) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.retryTimes = n
		}
	}
}

// WithVersion 覆盖广播的协议版本。
func WithVersion(v semver.Version) WorkerOption {
	return func(w *Worker) { w.Version = v }
}

// UnmarshalJSON 将 JSON 字节反序列化为 Worker。
func (w *Worker) UnmarshalJSON(data []byte) error {
	err := json.Unmarshal(data, &w.WorkerRaw)
	if err != nil {
		return err
	}
	if w.WorkerRaw.Version != "" {
		w.Version, err = semver.Parse(w.WorkerRaw.Version)
		if err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON 将 Worker 序列化为 JSON 字节。
func (w *Worker) MarshalJSON() ([]byte, error) {
	w.WorkerRaw.Version = w.Version.String()
	return json.Marshal(w.WorkerRaw)
}

// NewWorker 创建 worker 注册对象。
// metaRoot 为空时使用 DefaultMetaRoot。
func NewWorker(ctx context.Context, metaRoot string, client *clientv3.Client, workerID, address string, opts ...WorkerOption) *Worker {
	hostName, err := os.Hostname()
	if err != nil {
		log.Ctx(ctx).Warn("get host name fail", zap.Error(err))
	}
	if metaRoot == "" {
		metaRoot = DefaultMetaRoot
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		ctx:    ctx,
		cancel: cancel,
		WorkerRaw: WorkerRaw{
			WorkerID: workerID,
			Address:  address,
			HostName: hostName,
		},
		Version:    ProtocolVersion,
		etcdCli:    client,
		metaRoot:   metaRoot,
		ttl:        defaultWorkerTTL,
		retryTimes: defaultWorkerRetryTimes,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.SetLogger(log.With(
		log.FieldComponent("worker-presence"),
		log.FieldWorker(workerID),
		zap.String("address", address),
	))
	return w
}

func (w *Worker) String() string {
	return fmt.Sprintf("Worker:<WorkerID: %s, Address: %s, Version: %s>", w.WorkerID, w.Address, w.Version.String())
}

func (w *Worker) prefix() string {
	return path.Join(w.metaRoot, DefaultWorkerRoot) + "/"
}

func (w *Worker) completeKey() string {
	return path.Join(w.metaRoot, DefaultWorkerRoot, w.WorkerID)
}

// Register 将 worker 写入 etcd 并启动 keepalive 循环。
// 键已存在时返回 ErrWorkerExists。
func (w *Worker) Register() error {
	if w.etcdCli == nil {
		return merr.WrapErrParameterMissing("etcd client")
	}
	if w.WorkerID == "" {
		return merr.WrapErrParameterMissing("worker id")
	}
	w.StartedAt = time.Now().UnixMilli()
	if err := w.registerWorker(); err != nil {
		w.Logger().Warn("register worker failed", zap.Error(err))
		return err
	}
	w.registered.Store(true)
	w.wg.Add(1)
	go w.processKeepAliveResponse()
	return nil
}

// registerWorker 申请租约，并以 put-if-absent 方式写入
//
//	key:   metaRoot + "/workers/" + WorkerID
//	value: JSON 序列化后的 Worker
func (w *Worker) registerWorker() error {
	key := w.completeKey()
	registerFn := func() error {
		resp, err := w.etcdCli.Grant(w.ctx, w.ttl)
		if err != nil {
			w.Logger().Warn("failed to grant lease from etcd", zap.Error(err))
			return err
		}
		w.leaseMu.Lock()
		w.LeaseID = &resp.ID
		value, err := json.Marshal(w)
		w.leaseMu.Unlock()
		if err != nil {
			return retry.Unrecoverable(err)
		}

		txnResp, err := w.etcdCli.Txn(w.ctx).If(
			clientv3.Compare(clientv3.Version(key), "=", 0)).
			Then(clientv3.OpPut(key, string(value), clientv3.WithLease(resp.ID))).Commit()
		if err != nil {
			w.Logger().Warn("register on etcd error, check the availability of etcd", zap.Error(err))
			return err
		}
		if !txnResp.Succeeded {
			w.revoke(resp.ID)
			return retry.Unrecoverable(merr.WrapErrWorkerExists(w.WorkerID))
		}
		w.Logger().Info("worker registered", zap.String("key", key), zap.Int64("leaseID", int64(resp.ID)))
		return nil
	}
	return retry.Do(w.ctx, registerFn, retry.Attempts(uint(w.retryTimes)))
}

func (w *Worker) leaseID() clientv3.LeaseID {
	w.leaseMu.Lock()
	defer w.leaseMu.Unlock()
	if w.LeaseID == nil {
		return clientv3.NoLease
	}
	return *w.LeaseID
}

func (w *Worker) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := w.etcdCli.Revoke(ctx, id); err != nil {
		w.Logger().Warn("failed to revoke lease", zap.Int64("leaseID", int64(id)), zap.Error(err))
	}
}

var errLeaseExpired = errors.New("worker lease expired")

// processKeepAliveResponse 持续为租约续期。
// 租约过期后重新注册，ctx 结束时撤销租约。
func (w *Worker) processKeepAliveResponse() {
	defer func() {
		w.revoke(w.leaseID())
		w.Logger().Info("keep alive loop exited, lease revoked")
		w.wg.Done()
	}()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()

	var ch <-chan *clientv3.LeaseKeepAliveResponse
	var lastErr error
	nextKeepaliveInstant := time.Now().Add(time.Duration(w.ttl) * time.Second)

	for {
		if w.ctx.Err() != nil {
			return
		}
		if lastErr != nil {
			next := bo.NextBackOff()
			w.Logger().Warn("failed to keep alive, wait for retry", zap.Error(lastErr), zap.Duration("nextBackoffInterval", next))
			select {
			case <-time.After(next):
			case <-w.ctx.Done():
				return
			}
		}

		if ch == nil {
			if err := w.checkKeepaliveTTL(nextKeepaliveInstant); err != nil {
				if errors.Is(err, errLeaseExpired) {
					if rerr := w.registerWorker(); rerr != nil {
						lastErr = rerr
						continue
					}
					nextKeepaliveInstant = time.Now().Add(time.Duration(w.ttl) * time.Second)
				} else {
					lastErr = err
					continue
				}
			}
			newCh, err := w.etcdCli.KeepAlive(w.ctx, w.leaseID())
			if err != nil {
				lastErr = errors.Wrap(err, "failed to keep alive")
				continue
			}
			ch = newCh
		}

		for range ch {
		}

		ch = nil
		nextKeepaliveInstant = time.Now().Add(time.Duration(w.ttl) * time.Second)
		lastErr = nil
		bo.Reset()
	}
}

// checkKeepaliveTTL 确认租约仍然有效，已过期时返回 errLeaseExpired。
func (w *Worker) checkKeepaliveTTL(nextKeepaliveInstant time.Time) error {
	ctx, cancel := context.WithDeadlineCause(w.ctx, nextKeepaliveInstant, errLeaseExpired)
	defer cancel()

	ttlResp, err := w.etcdCli.TimeToLive(ctx, w.leaseID())
	if err != nil {
		if errors.Is(err, v3rpc.ErrLeaseNotFound) {
			return errLeaseExpired
		}
		if ctx.Err() != nil && errors.Is(context.Cause(ctx), errLeaseExpired) {
			return errLeaseExpired
		}
		return errors.Wrap(err, "failed to check TTL")
	}
	if ttlResp.TTL <= 0 {
		return errLeaseExpired
	}
	return nil
}

// GetWorkers 获取所有已注册且版本兼容的 worker。
// 返回的 Revision 可用于 Watch 以避免遗漏事件。
func (w *Worker) GetWorkers(ctx context.Context) (map[string]*Worker, int64, error) {
	resp, err := w.etcdCli.Get(ctx, w.prefix(), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, 0, err
	}
	res := make(map[string]*Worker, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peer := &Worker{}
		if err := json.Unmarshal(kv.Value, peer); err != nil {
			return nil, 0, err
		}
		if !CompatibleRange(peer.Version) {
			w.Logger().Debug("worker version out of range",
				log.FieldWorker(peer.WorkerID), zap.String("version", peer.Version.String()))
			continue
		}
		res[peer.WorkerID] = peer
	}
	return res, resp.Header.Revision, nil
}

// GoingStop 将当前 worker 标记为停止中，对端据此收到 WorkerUpdateEvent。
func (w *Worker) GoingStop() error {
	if !w.Registered() {
		return merr.WrapErrServiceNotReady("worker-presence", "unregistered")
	}
	id := w.leaseID()
	w.leaseMu.Lock()
	w.Stopping = true
	value, err := json.Marshal(w)
	w.leaseMu.Unlock()
	if err != nil {
		return err
	}
	_, err = w.etcdCli.Put(w.ctx, w.completeKey(), string(value), clientv3.WithLease(id))
	if err != nil {
		w.Logger().Warn("fail to update the worker to stopping state", zap.Error(err))
		return err
	}
	return nil
}

// Stop 停止 keepalive 并撤销租约，键随之删除。
func (w *Worker) Stop() {
	w.Logger().Info("worker presence stopping")
	w.cancel()
	w.wg.Wait()
	w.registered.Store(false)
}

// Registered 返回当前 worker 是否已注册。
func (w *Worker) Registered() bool {
	return w.registered.Load()
}

type workerWatcher struct {
	w         *Worker
	ctx       context.Context
	cancel    context.CancelFunc
	rch       clientv3.WatchChan
	eventCh   chan *WorkerEvent
	rewatch   Rewatch
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Watch 监听 worker 目录的变化。版本不在 CompatibleRange 内的 worker 被忽略。
func (w *Worker) Watch(revision int64, rewatch Rewatch) WorkerWatcher {
	ctx, cancel := context.WithCancel(w.ctx)
	ww := &workerWatcher{
		w:       w,
		ctx:     ctx,
		cancel:  cancel,
		eventCh: make(chan *WorkerEvent, 100),
		rewatch: rewatch,
	}
	ww.rch = ww.watch(revision)
	ww.start()
	return ww
}

func (ww *workerWatcher) watch(revision int64) clientv3.WatchChan {
	return ww.w.etcdCli.Watch(ww.ctx, ww.w.prefix(), clientv3.WithPrefix(), clientv3.WithPrevKV(), clientv3.WithRev(revision))
}

func (ww *workerWatcher) closeEventCh() {
	ww.closeOnce.Do(func() {
		close(ww.eventCh)
	})
}

func (ww *workerWatcher) start() {
	ww.wg.Add(1)
	go func() {
		defer ww.wg.Done()
		defer ww.closeEventCh()
		for {
			select {
			case <-ww.ctx.Done():
				return
			case wresp, ok := <-ww.rch:
				if !ok {
					ww.w.Logger().Warn("worker watch channel closed")
					return
				}
				if err := ww.handleWatchResponse(wresp); err != nil {
					ww.w.Logger().Warn("failed to handle worker watch response", zap.Error(err))
					return
				}
			}
		}
	}()
}

func (ww *workerWatcher) handleWatchResponse(wresp clientv3.WatchResponse) error {
	if wresp.Err() != nil {
		return ww.handleWatchErr(wresp.Err())
	}
	for _, ev := range wresp.Events {
		peer := &Worker{}
		var eventType WorkerEventType
		switch ev.Type {
		case mvccpb.PUT:
			if err := json.Unmarshal(ev.Kv.Value, peer); err != nil {
				ww.w.Logger().Warn("malformed worker record", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
				continue
			}
			eventType = WorkerAddEvent
			if peer.Stopping {
				eventType = WorkerUpdateEvent
			}
		case mvccpb.DELETE:
			if ev.PrevKv == nil {
				continue
			}
			if err := json.Unmarshal(ev.PrevKv.Value, peer); err != nil {
				ww.w.Logger().Warn("malformed worker record", zap.ByteString("key", ev.PrevKv.Key), zap.Error(err))
				continue
			}
			eventType = WorkerDelEvent
		}
		if !CompatibleRange(peer.Version) {
			ww.w.Logger().Info("ignore worker with incompatible version",
				log.FieldWorker(peer.WorkerID), zap.String("version", peer.Version.String()))
			continue
		}
		select {
		case ww.eventCh <- &WorkerEvent{EventType: eventType, Worker: peer}:
		case <-ww.ctx.Done():
			return nil
		}
	}
	return nil
}

// handleWatchErr 在 ErrCompacted 时重新拉取快照并从新的 revision 继续监听。
func (ww *workerWatcher) handleWatchErr(err error) error {
	if !errors.Is(err, v3rpc.ErrCompacted) {
		return err
	}
	workers, revision, err := ww.w.GetWorkers(ww.ctx)
	if err != nil {
		return err
	}
	if ww.rewatch != nil {
		if err := ww.rewatch(workers); err != nil {
			return err
		}
	}
	ww.rch = ww.watch(revision + 1)
	return nil
}

func (ww *workerWatcher) EventChannel() <-chan *WorkerEvent {
	return ww.eventCh
}

func (ww *workerWatcher) Stop() {
	ww.cancel()
	ww.wg.Wait()
}
