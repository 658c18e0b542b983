package registry

import "rfgrid/pkg/model"

// NodeSink 接收节点快照，store.Writer 实现了它
type NodeSink interface {
	SaveNode(n model.Node)
	DeleteNode(id string)
}

// PersistTo 返回一个监听器，把每次变化后的节点快照交给 sink。
// 设备占用不需要跟着落盘，重启后由任务记录恢复
func PersistTo(sink NodeSink) Listener {
	return func(ev Event) {
		switch {
		case ev.Type == EventDeregistered:
			sink.DeleteNode(ev.NodeID)
		case ev.Node != nil:
			sink.SaveNode(*ev.Node)
		}
	}
}
