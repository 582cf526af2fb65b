package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/catwalk/internal/common"
	"github.com/suPer8Hu/catwalk/internal/httpapi/handlers"
	"github.com/suPer8Hu/catwalk/internal/httpapi/middleware"
)

// NewRouter wires the admin surface. staticDir, when set, serves locally
// stored artifacts under /static.
func NewRouter(h *handlers.Handler, staticDir string) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())
	r.Use(middleware.CORS())

	r.GET("/v0/health", h.Health)
	r.GET("/v1/info", h.Info)

	v1 := r.Group("/v1/job")
	v1.OPTIONS("", h.Info)
	v1.GET("", h.ListJobs)
	v1.POST("", h.CreateJob)
	v1.GET("/updates", h.JobUpdates)
	v1.GET("/:id", h.GetJob)
	v1.DELETE("/:id", h.DeleteJob)
	v1.PUT("/:id", h.RestartJob)
	v1.POST("/:id", h.UpdateJob)

	if staticDir != "" {
		r.Static("/static", staticDir)
	}
	return r
}
