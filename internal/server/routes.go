package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/jsonx"
	"github.com/fact-memory-kernel/internal/kernel"
)

type reviewRequest struct {
	Reviewer string `json:"reviewer" validate:"required,max=128"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "healthy",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"cache":  s.svc.CacheStats(),
	})
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.ListUsers(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users, "count": len(users)})
}

func (s *Server) userSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.UserSummary(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) userFacts(w http.ResponseWriter, r *http.Request) {
	layer, err := queryLayer(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := queryStatus(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	nodes, err := s.svc.UserFacts(r.Context(), mux.Vars(r)["user_id"], layer, status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"facts": nodes, "count": len(nodes)})
}

func (s *Server) pending(w http.ResponseWriter, r *http.Request) {
	layer, err := queryLayer(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, err = strconv.Atoi(v); err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
	}
	nodes, err := s.svc.PendingNodes(r.Context(), layer, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"facts": nodes, "count": len(nodes)})
}

func (s *Server) node(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Node(r.Context(), mux.Vars(r)["node_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) children(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.svc.Children(r.Context(), mux.Vars(r)["node_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"facts": nodes, "count": len(nodes)})
}

func (s *Server) decodeReview(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req reviewRequest
	if err := jsonx.DecodeRequest(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return "", false
	}
	if err := s.validate.Struct(req); err != nil {
		msg := "invalid request"
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			msg = "reviewer: failed " + verrs[0].Tag()
		}
		writeError(w, http.StatusBadRequest, msg)
		return "", false
	}
	return req.Reviewer, true
}

func (s *Server) approve(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := s.decodeReview(w, r)
	if !ok {
		return
	}
	n, err := s.svc.Approve(r.Context(), mux.Vars(r)["node_id"], reviewer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request) {
	reviewer, ok := s.decodeReview(w, r)
	if !ok {
		return
	}
	n, err := s.svc.Reject(r.Context(), mux.Vars(r)["node_id"], reviewer)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func (s *Server) processAll(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.ProcessAll(r.Context(), queryBool(r, "force"))
	if err != nil && report == nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) processUser(w http.ResponseWriter, r *http.Request) {
	userID, force := mux.Vars(r)["user_id"], queryBool(r, "force")
	if queryBool(r, "async") {
		s.enqueue(w, r, kernel.EventProcessUser, func(ctx context.Context, wf Workflows) (string, error) {
			return wf.SendProcessUser(ctx, userID, force)
		})
		return
	}

	report, err := s.svc.ProcessUser(r.Context(), userID, force)
	if err != nil {
		status, _ := statusFor(err)
		if report == nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, status, report)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) candidates(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.svc.ReprocessCandidates(r.Context(), r.URL.Query().Get("user_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"candidates": nodes, "count": len(nodes)})
}

func (s *Server) reprocess(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	if queryBool(r, "async") {
		s.enqueue(w, r, kernel.EventReprocessNode, func(ctx context.Context, wf Workflows) (string, error) {
			return wf.SendReprocessNode(ctx, nodeID)
		})
		return
	}

	out, err := s.svc.Reprocess(r.Context(), nodeID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) forget(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Forget(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"user_id": mux.Vars(r)["user_id"], "forgotten": n})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// enqueue hands the request to the workflow engine and answers 202.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, event string, send func(context.Context, Workflows) (string, error)) {
	if s.cfg.Workflows == nil {
		writeError(w, http.StatusBadRequest, "async processing is not enabled")
		return
	}
	id, err := send(r.Context(), s.cfg.Workflows)
	if err != nil {
		s.logger.Error("Failed to queue workflow", zap.String("event", event), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to queue "+event)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"event": event, "event_id": id})
}
