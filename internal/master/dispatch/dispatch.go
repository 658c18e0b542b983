package dispatch

import (
	"context"

	"rfgrid/pkg/protocol"
)

// Dispatcher 把工作指令送到节点并等待确认。
// Dispatch 返回 nil 表示节点已 ack；nack、未连接或超时都返回包装了 ErrDispatchFailure 的错误
type Dispatcher interface {
	Dispatch(ctx context.Context, d protocol.Directive) error
	// Abort 通知节点停止 job 的本地工作，尽力而为
	Abort(ctx context.Context, nodeID, jobID string) error
}
