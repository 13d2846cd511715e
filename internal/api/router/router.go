package router

import (
	"log/slog"

	"github.com/cuongbtq/taskrelay/internal/api/handler"
	"github.com/cuongbtq/taskrelay/internal/metrics"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures the submission service router
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := newEngine(deps.Logger)
	r.Use(CORSMiddleware())

	r.GET("/health", handler.Health(deps.Service, deps.Checks))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	taskHandler := handler.NewTaskHandler(deps)

	v1 := r.Group("/api/v1")
	{
		tasks := v1.Group("/tasks")
		{
			// POST /api/v1/tasks - Stage a payload and publish a task
			tasks.POST("", taskHandler.CreateTask)

			if deps.Tasks != nil {
				// GET /api/v1/tasks - List tasks with filtering and pagination
				tasks.GET("", taskHandler.ListTasks)

				// GET /api/v1/tasks/:task_id - Get task details
				tasks.GET("/:task_id", taskHandler.GetTask)
			}
		}
	}

	return r
}

// SetupOpsRouter serves only health and metrics, for the worker service
func SetupOpsRouter(logger *slog.Logger, service string, checks map[string]handler.HealthChecker) *gin.Engine {
	r := newEngine(logger)
	r.GET("/health", handler.Health(service, checks))
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	return r
}

func newEngine(logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(logger))
	return r
}
