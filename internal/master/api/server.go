// Package api 协调器对外的 REST 接口: 任务提交/查询/取消、节点注册/心跳/故障上报，
// 以及 agent 的指令通道入口。所有路由挂在 /api/v1 下
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"rfgrid/pkg/logger"
	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

// JobService 由 scheduler.Scheduler 实现
type JobService interface {
	Submit(spec model.JobSpec) (string, error)
	Get(id string) (model.Job, error)
	List(states ...model.JobState) []model.Job
	Cancel(id string) error
	ReportProgress(jobID string, rep protocol.ProgressReport) error
}

// NodeService 由 registry.Registry 实现
type NodeService interface {
	Register(desc model.NodeDescriptor) (string, error)
	RecordHeartbeat(nodeID string, rep model.SyncReport) error
	SetDeviceFault(nodeID, deviceID string, faulted bool) error
	Deregister(nodeID string) error
	Get(nodeID string) (model.Node, error)
	List() []model.Node
}

// SyncInfo 由 synctrack.Tracker 实现，只用于丰富节点查询结果
type SyncInfo interface {
	Flapping(nodeID string) bool
	Uncertainty(nodeID string) time.Duration
}

// AgentChannel 由 dispatch.Hub 实现
type AgentChannel interface {
	ServeAgent(w http.ResponseWriter, r *http.Request, nodeID string)
}

// LogSink 异步保存节点上报的原始输出 (store.Writer)
type LogSink interface {
	SaveJobLog(jobID, nodeID, text string)
}

// LogReader 读取原始输出 (store.Store)
type LogReader interface {
	GetJobLog(ctx context.Context, jobID, nodeID string) (string, error)
}

// Deps Sync / Agents / Logs / LogReader 可以为 nil，对应的功能随之关闭
type Deps struct {
	Jobs      JobService
	Nodes     NodeService
	Sync      SyncInfo
	Agents    AgentChannel
	Logs      LogSink
	LogReader LogReader
}

type handler struct {
	Deps
	log *zap.Logger
}

// NewServer 构建根路由
func NewServer(deps Deps, log *zap.Logger) http.Handler {
	h := &handler{Deps: deps, log: logger.OrNop(log).Named("api")}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.accessLog)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, protocol.ErrorResponse{
			Code:    "NotFound",
			Message: "use a versioned path like /api/v1/...",
		})
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/jobs", func(jr chi.Router) {
			jr.Post("/", h.submitJob)
			jr.Get("/", h.listJobs)
			jr.Get("/{jobID}", h.getJob)
			jr.Delete("/{jobID}", h.cancelJob)
			jr.Post("/{jobID}/reports", h.reportProgress)
			jr.Get("/{jobID}/logs/{nodeID}", h.getJobLog)
		})
		api.Route("/nodes", func(nr chi.Router) {
			nr.Post("/", h.registerNode)
			nr.Get("/", h.listNodes)
			nr.Get("/{nodeID}", h.getNode)
			nr.Delete("/{nodeID}", h.deregisterNode)
			nr.Post("/{nodeID}/heartbeat", h.heartbeat)
			nr.Put("/{nodeID}/devices/{deviceID}/fault", h.deviceFault)
			nr.Get("/{nodeID}/ws", h.agentChannel)
		})
	})
	return r
}

// accessLog 用 zap 记录每个请求，websocket 升级也走这里
func (h *handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if status >= http.StatusInternalServerError {
			h.log.Error("request", fields...)
		} else {
			h.log.Debug("request", fields...)
		}
	})
}
