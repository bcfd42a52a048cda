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

	"github.com/gin-gonic/gin"
	"github.com/retainly/retainly"
	model2 "github.com/retainly/retainly/api/model"
	"github.com/retainly/retainly/model"
)

func (a Api) EnqueueCommand(c *gin.Context) {
	var newCommand model2.EnqueueCommand
	if err := c.ShouldBindJSON(&newCommand); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := newCommand.ValidateEnqueueCommand(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	var opts []retainly.EnqueueOption
	if newCommand.MaxAttempts > 0 {
		opts = append(opts, retainly.WithMaxAttempts(newCommand.MaxAttempts))
	}
	if newCommand.DedupeKey != "" {
		opts = append(opts, retainly.WithDedupeKey(newCommand.DedupeKey))
	}

	resp, err := a.retainly.Bus().Enqueue(c.Request.Context(), model.CommandType(newCommand.Type), newCommand.Payload, opts...)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// GetAllCommands lists commands, newest first. status=dead_letter gives the operator review queue.
func (a Api) GetAllCommands(c *gin.Context) {
	limit, offset := pagination(c)
	status := model.CommandStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown command status " + string(status)})
		return
	}

	resp, err := a.retainly.Bus().List(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetCommand(c *gin.Context) {
	resp, err := a.retainly.Bus().Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) RequeueCommand(c *gin.Context) {
	resp, err := a.retainly.Bus().Requeue(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
