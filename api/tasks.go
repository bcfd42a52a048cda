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

func (a Api) CreateTask(c *gin.Context) {
	var newTask model2.CreateTask
	if err := c.ShouldBindJSON(&newTask); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	err := newTask.ValidateCreateTask()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.retainly.CreateTask(c.Request.Context(), newTask.ToTask())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetTask(c *gin.Context) {
	id, passed := c.Params.Get("id")
	if !passed {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required. pass id in the route /:id"})
		return
	}

	resp, err := a.retainly.GetTask(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) GetAllTasks(c *gin.Context) {
	limit, offset := pagination(c)
	filter := model.TaskFilter{
		AccountID: c.Query("account_id"),
		Status:    model.TaskStatus(c.Query("status")),
		Limit:     limit,
		Offset:    offset,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown task status " + string(filter.Status)})
		return
	}

	resp, err := a.retainly.ListTasks(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) UpdateTaskStatus(c *gin.Context) {
	id := c.Param("id")
	var update model2.UpdateTaskStatus
	if err := c.ShouldBindJSON(&update); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := update.ValidateUpdateTaskStatus(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.retainly.UpdateTaskStatus(c.Request.Context(), id, model.TaskStatus(update.Status), retainly.TaskStatusUpdate{
		Outcome: model.TaskOutcome(update.Outcome),
		Reason:  update.Reason,
		Note:    update.Note,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) ApproveTask(c *gin.Context) {
	id := c.Param("id")
	var approval model2.ApproveTask
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&approval); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
			return
		}
	}
	if err := approval.ValidateApproveTask(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.retainly.ApproveTask(c.Request.Context(), id, retainly.DraftEdit{
		Subject: approval.Subject,
		Body:    approval.Body,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (a Api) AppendConversation(c *gin.Context) {
	id := c.Param("id")
	var entry model2.AppendConversation
	if err := c.ShouldBindJSON(&entry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := entry.ValidateAppendConversation(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.retainly.AppendConversation(c.Request.Context(), entry.ToEntry(id))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetConversationHistory(c *gin.Context) {
	resp, err := a.retainly.GetConversationHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// RecordReply is called by the inbound mail integration for every member reply.
func (a Api) RecordReply(c *gin.Context) {
	id := c.Param("id")
	var reply model2.RecordReply
	if err := c.ShouldBindJSON(&reply); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := reply.ValidateRecordReply(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.retainly.RecordReply(c.Request.Context(), id, reply.Content)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
