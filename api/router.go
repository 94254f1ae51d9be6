package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"mediaforge/config"
	"mediaforge/task"
)

func SetupRouter(svc *task.Service, cfg *config.Config, health HealthFunc) *gin.Engine {
	r := gin.Default()
	r.Use(cors.Default())
	h := NewHandler(svc, cfg, health)

	r.GET("/", h.handleRoot)
	r.GET("/health", h.handleHealth)

	authorized := r.Group("/")
	authorized.Use(AuthMiddleware(cfg))
	{
		// Submission endpoints
		authorized.POST("/image/compress", h.handleImageCompress)
		authorized.POST("/image/resize", h.handleImageResize)
		authorized.POST("/image/convert", h.handleImageConvert)
		authorized.POST("/pdf/compress", h.handlePDFCompress)
		authorized.POST("/pdf/merge", h.handlePDFMerge)
		authorized.POST("/pdf/extract", h.handlePDFExtract)

		// Status and control endpoints
		authorized.GET("/progress/:taskId", h.handleGetProgress)
		authorized.DELETE("/task/:taskId", h.handleCancelTask)
		authorized.GET("/tasks", h.handleListTasks)
		authorized.DELETE("/cleanup", h.handleCleanup)
	}
	return r
}
