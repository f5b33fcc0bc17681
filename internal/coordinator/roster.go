package coordinator

import (
	"sort"

	"go.uber.org/zap"

	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
	"github.com/lk2023060901/danmu-realtime/internal/network/session"
	"github.com/lk2023060901/danmu-realtime/pkg/metrics"
)

// Roster 返回集群内所有连接的花名册，按连接标识排序。
func (c *Coordinator) Roster() []protocol.ClientInfo {
	records := c.registry.ListMatching(nil)
	clients := make([]protocol.ClientInfo, 0, len(records))
	for _, rec := range records {
		info := protocol.ClientInfo{
			ClientID:   rec.Identity,
			WorkerID:   rec.WorkerID,
			Local:      rec.IsLocal(),
			Attributes: rec.Attributes,
		}
		if rec.User != nil {
			info.UserID = rec.User.UserID
		}
		clients = append(clients, info)
	}
	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ClientID < clients[j].ClientID
	})
	return clients
}

func (c *Coordinator) onRegistryChange(_ session.ChangeKind, _ session.Record) {
	c.updateGauges()
	if !c.clientList || !c.running.Load() {
		return
	}
	c.broadcastRoster()
}

// broadcastRoster 向所有本地连接下发最新的花名册。
func (c *Coordinator) broadcastRoster() {
	env, err := protocol.New(protocol.TypeSystem, protocol.ActionClientList, protocol.ClientListData{Clients: c.Roster()})
	if err != nil {
		c.Logger().Warn("failed to build client list", zap.Error(err))
		return
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		c.Logger().Warn("failed to encode client list", zap.Error(err))
		return
	}
	for _, rec := range c.registry.Local() {
		if err := rec.Handle.SendRaw(frame); err != nil {
			c.Logger().WithIdentity(rec.Identity).RatedDebug(1, "client list delivery failed", zap.Error(err))
		}
	}
}

func (c *Coordinator) updateGauges() {
	local := 0
	total := 0
	c.registry.Range(func(rec session.Record) bool {
		total++
		if rec.IsLocal() {
			local++
		}
		return true
	})
	metrics.Connections.WithLabelValues(c.workerID, metrics.ScopeLocal).Set(float64(local))
	metrics.Connections.WithLabelValues(c.workerID, metrics.ScopeReplicated).Set(float64(total - local))
	metrics.Rooms.WithLabelValues(c.workerID).Set(float64(c.rooms.Len()))
}
