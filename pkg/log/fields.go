package log

import (
	"go.uber.org/zap"
)

const (
	FieldNameModule    = "module"
	FieldNameComponent = "component"
	FieldNameIdentity  = "identity"
	FieldNameWorker    = "workerID"
	FieldNameRoom      = "room"
	FieldNameChannel   = "channel"
	FieldNameRoute     = "route"
)

// FieldModule 返回一个包含模块名的 zap 字段。
func FieldModule(module string) zap.Field {
	return zap.String(FieldNameModule, module)
}

// FieldComponent 返回一个包含组件名的 zap 字段。
func FieldComponent(component string) zap.Field {
	return zap.String(FieldNameComponent, component)
}

// FieldIdentity 返回连接标识字段。
func FieldIdentity(identity string) zap.Field {
	return zap.String(FieldNameIdentity, identity)
}

func FieldWorker(workerID string) zap.Field {
	return zap.String(FieldNameWorker, workerID)
}

func FieldRoom(room string) zap.Field {
	return zap.String(FieldNameRoom, room)
}

// FieldChannel 返回总线频道字段。
func FieldChannel(channel string) zap.Field {
	return zap.String(FieldNameChannel, channel)
}

// FieldRoute 以 type/action 形式记录路由。
func FieldRoute(typ, action string) zap.Field {
	return zap.String(FieldNameRoute, typ+"/"+action)
}
