package protocol

// JoinRoomRequest 是 (system, joinRoom) 的 data。
// userId、userType、username 可选，提供时写入连接属性。
type JoinRoomRequest struct {
	RoomName string `json:"roomName"`
	UserID   string `json:"userId,omitempty"`
	UserType string `json:"userType,omitempty"`
	Username string `json:"username,omitempty"`
}

// LeaveRoomRequest 是 (system, leaveRoom) 的 data。
type LeaveRoomRequest struct {
	RoomName string `json:"roomName"`
}

// RoomResult 是房间操作的响应。
type RoomResult struct {
	Success  bool   `json:"success"`
	RoomName string `json:"roomName"`
}

// ConnectedData 是鉴权成功后下发的 (system, connected) 的 data。
type ConnectedData struct {
	ClientID string `json:"clientId"`
	UserID   string `json:"userId,omitempty"`
}

// ClientInfo 是花名册中的一项。
type ClientInfo struct {
	ClientID   string         `json:"clientId"`
	UserID     string         `json:"userId,omitempty"`
	WorkerID   string         `json:"workerId"`
	Local      bool           `json:"local"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// ClientListData 是 (system, clientList) 的 data，只由服务端下发。
type ClientListData struct {
	Clients []ClientInfo `json:"clients"`
}
