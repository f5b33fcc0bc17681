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

package metrics

import (
	// #nosec
	_ "net/http/pprof"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// realtimeNamespace 是当前项目所有 Prometheus 指标使用的命名空间。
	realtimeNamespace = "realtime"

	// 以下为当前使用的通用标签名。
	workerIDLabelName = "worker_id"
	scopeLabelName    = "scope"
	typeLabelName     = "type"
	actionLabelName   = "action"
	resultLabelName   = "result"
	kindLabelName     = "kind"
	reasonLabelName   = "reason"

	ScopeLocal      = "local"
	ScopeReplicated = "replicated"

	ResultOK        = "ok"
	ResultMalformed = "malformed"
	ResultUnknown   = "unknown_route"
	ResultFailed    = "handler_failure"
)

var (
	// buckets 为请求耗时直方图的桶划分，单位为毫秒。
	// 实际桶分布为：
	// [1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768 65536 1.31072e+05]
	buckets = prometheus.ExponentialBuckets(1, 2, 18)

	Connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: realtimeNamespace,
			Name:      "connections",
			Help:      "number of connection records, split by local and replicated",
		}, []string{workerIDLabelName, scopeLabelName})

	Rooms = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: realtimeNamespace,
			Name:      "rooms",
			Help:      "number of non-empty rooms",
		}, []string{workerIDLabelName})

	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: realtimeNamespace,
			Name:      "dispatch_total",
			Help:      "inbound messages dispatched, by route and result",
		}, []string{typeLabelName, actionLabelName, resultLabelName})

	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: realtimeNamespace,
			Name:      "dispatch_latency",
			Help:      "handler latency in milliseconds",
			Buckets:   buckets,
		}, []string{typeLabelName, actionLabelName})

	ReapedConnections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: realtimeNamespace,
			Name:      "reaped_connections_total",
			Help:      "connections closed by the inactivity reaper",
		}, []string{workerIDLabelName})

	AuthRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: realtimeNamespace,
			Name:      "auth_rejected_total",
			Help:      "connections rejected during authentication",
		}, []string{reasonLabelName})

	metricRegisterer prometheus.Registerer
)

// GetRegisterer 返回全局 Prometheus Registerer。
// 如果尚未通过 Register 显式设置，则返回 prometheus.DefaultRegisterer。
func GetRegisterer() prometheus.Registerer {
	if metricRegisterer == nil {
		return prometheus.DefaultRegisterer
	}
	return metricRegisterer
}

// Register 注册当前定义的所有指标，重复注册到同一个 Registerer 会被忽略。
func Register(r prometheus.Registerer) {
	collectors := []prometheus.Collector{
		Connections,
		Rooms,
		DispatchTotal,
		DispatchLatency,
		ReapedConnections,
		AuthRejected,
	}
	collectors = append(collectors, busCollectors()...)
	for _, c := range collectors {
		mustRegister(r, c)
	}
	metricRegisterer = r
}

func mustRegister(r prometheus.Registerer, c prometheus.Collector) {
	if err := r.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return
		}
		panic(err)
	}
}
