package coordinator

import (
	"github.com/lk2023060901/danmu-realtime/internal/network/protocol"
	"github.com/lk2023060901/danmu-realtime/internal/network/router"
	"github.com/lk2023060901/danmu-realtime/pkg/util/merr"
)

func (c *Coordinator) registerDefaultRoutes() {
	for action, h := range map[string]router.Handler{
		protocol.ActionJoinRoom:  c.handleJoinRoom,
		protocol.ActionLeaveRoom: c.handleLeaveRoom,
	} {
		if c.router.Has(protocol.TypeSystem, action) {
			continue
		}
		c.router.MustRegister(protocol.TypeSystem, action, h)
	}
}

// handleJoinRoom 先写入请求携带的用户属性，再加入房间。
func (c *Coordinator) handleJoinRoom(rc *router.Context) (any, error) {
	var req protocol.JoinRoomRequest
	if err := rc.Bind(&req); err != nil {
		return nil, err
	}
	if req.RoomName == "" {
		return nil, merr.WrapErrParameterMissing("roomName")
	}

	identity := rc.Identity()
	for key, value := range map[string]string{
		"userId":   req.UserID,
		"userType": req.UserType,
		"username": req.Username,
	} {
		if value == "" {
			continue
		}
		if err := c.SetAttribute(rc, identity, key, value); err != nil {
			return nil, err
		}
	}
	if err := c.JoinRoom(rc, identity, req.RoomName); err != nil {
		return nil, err
	}
	return protocol.RoomResult{Success: true, RoomName: req.RoomName}, nil
}

func (c *Coordinator) handleLeaveRoom(rc *router.Context) (any, error) {
	var req protocol.LeaveRoomRequest
	if err := rc.Bind(&req); err != nil {
		return nil, err
	}
	if err := c.LeaveRoom(rc, rc.Identity(), req.RoomName); err != nil {
		return nil, err
	}
	return protocol.RoomResult{Success: true, RoomName: req.RoomName}, nil
}
