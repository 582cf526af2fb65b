package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/catwalk/internal/common"
	"github.com/suPer8Hu/catwalk/internal/jobs"
)

const IdempotencyHeader = "Idempotency-Key"

type createJobReq struct {
	Type     string          `json:"type" binding:"required"`
	Input    json.RawMessage `json:"input"`
	ParentID *uint64         `json:"parent_job"`
}

// jobInput accepts the input either as a JSON object or as a string holding
// one, the way form-style clients send it.
func jobInput(raw json.RawMessage) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return raw
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}

func (h *Handler) CreateJob(c *gin.Context) {
	var req createJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid request: "+err.Error())
		return
	}
	ctx := c.Request.Context()

	key := strings.TrimSpace(c.GetHeader(IdempotencyHeader))
	if key != "" && h.Idem != nil {
		claimed, id, err := h.Idem.Claim(ctx, key)
		if err != nil {
			writeErr(c, err)
			return
		}
		if !claimed {
			job, err := h.Jobs.Get(ctx, id, false)
			if err != nil {
				writeErr(c, err)
				return
			}
			c.Header("Idempotent-Replayed", "true")
			common.OK(c, job)
			return
		}
	} else {
		key = ""
	}

	job, err := h.Jobs.Create(ctx, jobs.CreateRequest{
		Type:     jobs.Type(req.Type),
		Input:    jobInput(req.Input),
		ParentID: req.ParentID,
	})
	if err != nil {
		if key != "" {
			if rerr := h.Idem.Release(ctx, key); rerr != nil {
				log.Printf("idempotency release key=%s err=%v", key, rerr)
			}
		}
		writeErr(c, err)
		return
	}
	if key != "" {
		if err := h.Idem.Complete(ctx, key, job.ID); err != nil {
			log.Printf("idempotency complete key=%s job=%d err=%v", key, job.ID, err)
		}
	}
	common.OK(c, job)
}

// ListJobs supports ?status=A,B&type=&parent=&limit=. Deleted jobs are left
// out unless a status filter names them.
func (h *Handler) ListJobs(c *gin.Context) {
	var f jobs.Filter
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := jobs.Status(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				common.Fail(c, http.StatusBadRequest, 40001, "invalid status: "+s)
				return
			}
			f.Statuses = append(f.Statuses, st)
		}
	} else {
		f.ExcludeStatuses = []jobs.Status{jobs.StatusDeleted}
	}
	f.Type = jobs.Type(strings.TrimSpace(c.Query("type")))
	if raw := c.Query("parent"); raw != "" {
		pid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			common.Fail(c, http.StatusBadRequest, 40001, "invalid parent")
			return
		}
		f.ParentID = &pid
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			common.Fail(c, http.StatusBadRequest, 40001, "invalid limit")
			return
		}
		f.Limit = n
	}

	list, err := h.Jobs.List(c.Request.Context(), f)
	if err != nil {
		writeErr(c, err)
		return
	}
	common.OK(c, gin.H{"jobs": list})
}

func (h *Handler) GetJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	children := c.Query("children") == "true"
	job, err := h.Jobs.Get(c.Request.Context(), id, children)
	if err != nil {
		writeErr(c, err)
		return
	}
	common.OK(c, job)
}

// DeleteJob cancels a job, or marks it DELETED with ?shred=true.
func (h *Handler) DeleteJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var (
		job *jobs.Job
		err error
	)
	if c.Query("shred") == "true" {
		job, err = h.Jobs.Delete(c.Request.Context(), id)
	} else {
		job, err = h.Jobs.Cancel(c.Request.Context(), id)
	}
	if err != nil {
		writeErr(c, err)
		return
	}
	common.OK(c, job)
}

// RestartJob resets a job to STARTED and queues it again.
func (h *Handler) RestartJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	job, err := h.Jobs.MarkStarted(c.Request.Context(), id)
	if err != nil {
		writeErr(c, err)
		return
	}
	common.OK(c, job)
}

type updateJobReq struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
}

func (h *Handler) UpdateJob(c *gin.Context) {
	id, ok := jobID(c)
	if !ok {
		return
	}
	var req updateJobReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid request: "+err.Error())
		return
	}
	st := jobs.Status(strings.ToUpper(strings.TrimSpace(req.Status)))
	if st != "" && !st.Valid() {
		common.Fail(c, http.StatusBadRequest, 40001, "invalid status: "+req.Status)
		return
	}
	if st == "" && len(req.Output) == 0 {
		common.Fail(c, http.StatusBadRequest, 40001, "status or output is required")
		return
	}

	job, err := h.Jobs.Update(c.Request.Context(), id, jobs.UpdateRequest{Status: st, Output: req.Output})
	if err != nil {
		writeErr(c, err)
		return
	}
	common.OK(c, job)
}
