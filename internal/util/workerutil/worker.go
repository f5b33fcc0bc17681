// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package workerutil

import (
	"context"

	"github.com/blang/semver/v4"
)

// WorkerInterface 描述一个注册在 etcd 中的 worker 实例。
type WorkerInterface interface {
	UnmarshalJSON(data []byte) error
	MarshalJSON() ([]byte, error)

	String() string
	// Register 将当前 worker 注册到 etcd，并启动 keepalive 循环。
	Register() error

	// GetWorkers 获取所有已注册且版本兼容的 worker。
	GetWorkers(ctx context.Context) (map[string]*Worker, int64, error)
	// GoingStop 将当前 worker 标记为即将停止。
	GoingStop() error
	// Watch 从 revision 开始监听 worker 的上下线变更。
	Watch(revision int64, rewatch Rewatch) WorkerWatcher
	// Stop 停止 keepalive 并撤销租约。
	Stop()

	Registered() bool
}

type WorkerWatcher interface {
	// EventChannel 返回用于接收 worker 事件的通道。
	EventChannel() <-chan *WorkerEvent
	Stop()
}

// Rewatch 在 watch 因压缩失效时被调用，参数为重新拉取到的 worker 快照。
type Rewatch func(workers map[string]*Worker) error

// Purger 清理某个 worker 拥有的副本记录。
type Purger interface {
	PurgeWorker(workerID string) int
}

var _ WorkerInterface = (*Worker)(nil)

// CompatibleRange 是可参与清理决策的对端协议版本范围。
var CompatibleRange = semver.MustParseRange(">=1.0.0 <2.0.0")
