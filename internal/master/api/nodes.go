package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"rfgrid/pkg/model"
	"rfgrid/pkg/protocol"
)

// registerNode POST /nodes，重复注册是幂等的
func (h *handler) registerNode(w http.ResponseWriter, r *http.Request) {
	var desc model.NodeDescriptor
	if err := decode(r, &desc); err != nil {
		badRequest(w, "%v", err)
		return
	}
	id, err := h.Nodes.Register(desc)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RegisterResponse{NodeID: id})
}

// listNodes GET /nodes
func (h *handler) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes := h.Nodes.List()
	out := make([]protocol.NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, h.view(n))
	}
	writeJSON(w, http.StatusOK, out)
}

// getNode GET /nodes/{nodeID}
func (h *handler) getNode(w http.ResponseWriter, r *http.Request) {
	n, err := h.Nodes.Get(chi.URLParam(r, "nodeID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(n))
}

func (h *handler) view(n model.Node) protocol.NodeView {
	v := protocol.NodeView{Node: n}
	if h.Sync != nil {
		v.Flapping = h.Sync.Flapping(n.ID)
		v.UncertaintyNs = h.Sync.Uncertainty(n.ID).Nanoseconds()
	}
	return v
}

// deregisterNode DELETE /nodes/{nodeID}
func (h *handler) deregisterNode(w http.ResponseWriter, r *http.Request) {
	if err := h.Nodes.Deregister(chi.URLParam(r, "nodeID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// heartbeat POST /nodes/{nodeID}/heartbeat
func (h *handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req protocol.HeartbeatRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if err := h.Nodes.RecordHeartbeat(chi.URLParam(r, "nodeID"), req.Sync); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// deviceFault PUT /nodes/{nodeID}/devices/{deviceID}/fault
func (h *handler) deviceFault(w http.ResponseWriter, r *http.Request) {
	var req protocol.FaultRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, "%v", err)
		return
	}
	if err := h.Nodes.SetDeviceFault(chi.URLParam(r, "nodeID"), chi.URLParam(r, "deviceID"), req.Faulted); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// agentChannel GET /nodes/{nodeID}/ws，只接受已注册节点
func (h *handler) agentChannel(w http.ResponseWriter, r *http.Request) {
	nodeID := chi.URLParam(r, "nodeID")
	if h.Agents == nil {
		writeJSON(w, http.StatusNotImplemented, protocol.ErrorResponse{Code: "NotImplemented", Message: "agent channel disabled"})
		return
	}
	if _, err := h.Nodes.Get(nodeID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Agents.ServeAgent(w, r, nodeID)
}
