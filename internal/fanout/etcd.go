package fanout

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/pkg/log"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

const (
	DriverEtcd = "etcd"

	defaultEtcdRoot     = "/realtime/bus/"
	defaultEtcdLeaseTTL = 10
)

// EtcdConfig 是 etcd 总线的参数。连接本身由调用方提供。
type EtcdConfig struct {
	Root     string `mapstructure:"root"`
	LeaseTTL int64  `mapstructure:"leaseTTL"`
}

// EtcdBus 把消息写成短暂存在的 key，并通过前缀 Watch 订阅。
//
// 每条消息的 key 为 <root><channel>/<uuid>，写入后立即删除；
// 写入时附带租约，进程异常退出时残留的 key 也会被回收。
// 同一 etcd 集群上 Watch 事件按 revision 有序。
type EtcdBus struct {
	cli   *clientv3.Client
	root  string
	lease clientv3.LeaseID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewEtcdBus 创建 etcd 总线并为消息 key 申请一个保活的租约。
func NewEtcdBus(ctx context.Context, cli *clientv3.Client, cfg EtcdConfig) (*EtcdBus, error) {
	if cli == nil {
		return nil, merr.WrapErrParameterMissing("etcd client")
	}
	root := cfg.Root
	if root == "" {
		root = defaultEtcdRoot
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = defaultEtcdLeaseTTL
	}

	grant, err := cli.Grant(ctx, ttl)
	if err != nil {
		return nil, merr.WrapErrBusUnavailable(DriverEtcd, err)
	}
	busCtx, cancel := context.WithCancel(context.Background())
	keepAlive, err := cli.KeepAlive(busCtx, grant.ID)
	if err != nil {
		cancel()
		return nil, merr.WrapErrBusUnavailable(DriverEtcd, err)
	}
	b := &EtcdBus{
		cli:    cli,
		root:   root,
		lease:  grant.ID,
		ctx:    busCtx,
		cancel: cancel,
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for range keepAlive {
		}
		if busCtx.Err() == nil {
			log.Warn("etcd bus lease keepalive stopped", zap.Int64("lease", int64(grant.ID)))
		}
	}()
	return b, nil
}

func (b *EtcdBus) Name() string {
	return DriverEtcd
}

func (b *EtcdBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if b.ctx.Err() != nil {
		return merr.WrapErrBusUnavailable(DriverEtcd, b.ctx.Err())
	}
	key := b.root + channel + "/" + uuid.NewString()
	if _, err := b.cli.Put(ctx, key, string(payload), clientv3.WithLease(b.lease)); err != nil {
		return merr.WrapErrBusUnavailable(DriverEtcd, err)
	}
	if _, err := b.cli.Delete(ctx, key); err != nil {
		log.Ctx(ctx).RatedWarn(10, "failed to delete etcd bus key", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (b *EtcdBus) Subscribe(ctx context.Context, prefix string, h Handler) (Subscription, error) {
	if b.ctx.Err() != nil {
		return nil, merr.WrapErrBusUnavailable(DriverEtcd, b.ctx.Err())
	}
	// 取当前 revision，从下一个 revision 开始监听。
	resp, err := b.cli.Get(ctx, b.root+prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
	if err != nil {
		return nil, merr.WrapErrBusUnavailable(DriverEtcd, err)
	}

	subCtx, cancel := context.WithCancel(b.ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.watch(subCtx, prefix, resp.Header.Revision+1, h)
	}()
	return subscriptionFunc(func() error {
		cancel()
		return nil
	}), nil
}

func (b *EtcdBus) watch(ctx context.Context, prefix string, rev int64, h Handler) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0

	for ctx.Err() == nil {
		wch := b.cli.Watch(clientv3.WithRequireLeader(ctx), b.root+prefix,
			clientv3.WithPrefix(), clientv3.WithRev(rev), clientv3.WithFilterDelete())
		for resp := range wch {
			if resp.CompactRevision > rev {
				log.Warn("etcd bus watch compacted, events lost",
					zap.Int64("from", rev), zap.Int64("compacted", resp.CompactRevision))
				rev = resp.CompactRevision
			}
			if err := resp.Err(); err != nil {
				log.RatedWarn(10, "etcd bus watch error", zap.String("prefix", prefix), zap.Error(err))
				break
			}
			bo.Reset()
			for _, ev := range resp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				rev = ev.Kv.ModRevision + 1
				h(Message{Channel: b.channelOf(string(ev.Kv.Key)), Payload: ev.Kv.Value})
			}
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func (b *EtcdBus) channelOf(key string) string {
	channel := strings.TrimPrefix(key, b.root)
	if idx := strings.LastIndexByte(channel, '/'); idx >= 0 {
		channel = channel[:idx]
	}
	return channel
}

func (b *EtcdBus) Close() error {
	b.once.Do(func() {
		b.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if _, err := b.cli.Revoke(ctx, b.lease); err != nil {
			log.Warn("failed to revoke etcd bus lease", zap.Error(err))
		}
		b.wg.Wait()
	})
	return nil
}
