package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/catwalk/internal/broadcast"
	"github.com/suPer8Hu/catwalk/internal/common"
	"github.com/suPer8Hu/catwalk/internal/httpapi/middleware"
	"github.com/suPer8Hu/catwalk/internal/jobs"
	"github.com/suPer8Hu/catwalk/internal/store/redisstore"
)

// IdempotencyStore deduplicates create-job requests carrying an
// Idempotency-Key header. redisstore.Store implements it.
type IdempotencyStore interface {
	Claim(ctx context.Context, key string) (claimed bool, jobID uint64, err error)
	Complete(ctx context.Context, key string, jobID uint64) error
	Release(ctx context.Context, key string) error
}

type Handler struct {
	Jobs   *jobs.Service
	Events *broadcast.Broadcaster
	Hub    *broadcast.Hub
	// nil disables Idempotency-Key handling
	Idem         IdempotencyStore
	DefaultVoice string
}

func NewHandler(svc *jobs.Service, events *broadcast.Broadcaster, hub *broadcast.Hub, idem IdempotencyStore, defaultVoice string) *Handler {
	return &Handler{Jobs: svc, Events: events, Hub: hub, Idem: idem, DefaultVoice: defaultVoice}
}

func (h *Handler) Health(c *gin.Context) {
	res := gin.H{"status": "ok"}
	if v, ok := c.GetQuery("value"); ok {
		res["value"] = v
	}
	common.OK(c, res)
}

func (h *Handler) Info(c *gin.Context) {
	common.OK(c, gin.H{
		"types":         h.Jobs.Types(),
		"statuses":      jobs.AllStatuses,
		"default_voice": h.DefaultVoice,
	})
}

func jobID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, 40002, "invalid job id")
		return 0, false
	}
	return id, true
}

// writeErr maps scheduler errors onto HTTP responses.
func writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		common.Fail(c, http.StatusNotFound, 40401, err.Error())
	case errors.Is(err, jobs.ErrUnknownType),
		errors.Is(err, jobs.ErrInvalidInput),
		errors.Is(err, jobs.ErrParentNotFound):
		common.Fail(c, http.StatusBadRequest, 40001, err.Error())
	case errors.Is(err, jobs.ErrInvalidTransition),
		errors.Is(err, jobs.ErrConflict):
		common.Fail(c, http.StatusConflict, 40901, err.Error())
	case errors.Is(err, redisstore.ErrInFlight):
		common.Fail(c, http.StatusConflict, 40902, err.Error())
	default:
		log.Printf("http request_id=%s path=%s err=%v", c.GetString(middleware.RequestIDKey), c.Request.URL.Path, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}
