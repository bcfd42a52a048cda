/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/retainly/retainly"
	"github.com/retainly/retainly/api/middleware"
	"github.com/retainly/retainly/config"
	"github.com/retainly/retainly/internal/apierror"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

type Api struct {
	retainly *retainly.Retainly
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/tick", middleware.TickSecretMiddleware(), a.Tick)

	router.POST("/tasks", a.CreateTask)
	router.GET("/tasks", a.GetAllTasks)
	router.GET("/tasks/:id", a.GetTask)
	router.PUT("/tasks/:id/status", a.UpdateTaskStatus)
	router.POST("/tasks/:id/approve", a.ApproveTask)
	router.POST("/tasks/:id/conversation", a.AppendConversation)
	router.GET("/tasks/:id/conversation", a.GetConversationHistory)
	router.POST("/tasks/:id/replies", a.RecordReply)

	router.POST("/commands", a.EnqueueCommand)
	router.GET("/commands", a.GetAllCommands)
	router.GET("/commands/:id", a.GetCommand)
	router.POST("/commands/:id/requeue", a.RequeueCommand)

	router.POST("/opt-outs", a.CreateOptOut)
	router.PUT("/accounts/:id/settings", a.UpdateAccountSettings)
	return a.router
}

func NewAPI(r *retainly.Retainly) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	router := gin.Default()
	router.Use(otelgin.Middleware(conf.ProjectName))
	router.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		router.Use(middleware.SecretKeyAuthMiddleware("/", "/tick"))
	}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, "server running...")
	})

	return &Api{retainly: r, router: router}
}

// respondError writes err with the status its error code maps to.
func respondError(c *gin.Context, err error) {
	c.JSON(apierror.MapErrorToHTTPStatus(err), gin.H{"error": err.Error()})
}

// pagination reads limit and offset query parameters, defaulting to 20 and 0.
func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 100 {
		limit = 20
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
