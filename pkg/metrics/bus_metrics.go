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
	"github.com/prometheus/client_golang/prometheus"
)

const (
	busMetricSubsystem       = "bus"
	connectorMetricSubsystem = "connector"

	driverLabelName = "driver"
	opLabelName     = "op"

	// 总线事件的处理结果。
	ResultApplied  = "applied"
	ResultSkipped  = "skipped"
	ResultRejected = "rejected"

	OpPublish   = "publish"
	OpSubscribe = "subscribe"
	OpDecode    = "decode"
)

var (
	BusEventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: realtimeNamespace,
		Subsystem: busMetricSubsystem,
		Name:      "events_published_total",
		Help:      "发布到总线的事件数量",
	}, []string{kindLabelName})

	BusEventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: realtimeNamespace,
		Subsystem: busMetricSubsystem,
		Name:      "events_received_total",
		Help:      "从总线收到的事件数量，applied 表示是否被回放",
	}, []string{kindLabelName, resultLabelName})

	BusEventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: realtimeNamespace,
		Subsystem: busMetricSubsystem,
		Name:      "events_dropped_total",
		Help:      "因订阅队列已满而丢弃的消息数量",
	}, []string{driverLabelName})

	CustomCallbacksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: realtimeNamespace,
		Subsystem: busMetricSubsystem,
		Name:      "custom_callbacks_dropped_total",
		Help:      "回调协程池已满时未执行的自定义频道回调数量",
	}, []string{workerIDLabelName})

	BusErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: realtimeNamespace,
		Subsystem: busMetricSubsystem,
		Name:      "errors_total",
		Help:      "总线发布、订阅或解码失败的次数",
	}, []string{driverLabelName, opLabelName})

	ConnectorReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: realtimeNamespace,
		Subsystem: connectorMetricSubsystem,
		Name:      "reconnect_attempts_total",
		Help:      "出站连接器发起的重连次数",
	})

	ConnectorGiveUps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: realtimeNamespace,
		Subsystem: connectorMetricSubsystem,
		Name:      "reconnect_exhausted_total",
		Help:      "达到最大重连次数后放弃的次数",
	})
)

func busCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		BusEventsPublished,
		BusEventsReceived,
		BusEventsDropped,
		CustomCallbacksDropped,
		BusErrors,
		ConnectorReconnects,
		ConnectorGiveUps,
	}
}
