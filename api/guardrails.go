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
	model2 "github.com/retainly/retainly/api/model"
)

func (a Api) CreateOptOut(c *gin.Context) {
	var optOut model2.CreateOptOut
	if err := c.ShouldBindJSON(&optOut); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := optOut.ValidateCreateOptOut(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	cancelled, err := a.retainly.OptOut(c.Request.Context(), optOut.AccountID, optOut.Channel, optOut.Contact, optOut.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"cancelled_tasks": cancelled})
}

func (a Api) UpdateAccountSettings(c *gin.Context) {
	id := c.Param("id")
	var settings model2.AccountSettings
	if err := c.ShouldBindJSON(&settings); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}
	if err := settings.ValidateAccountSettings(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.retainly.UpdateAccountSettings(c.Request.Context(), settings.ToAccountSettings(id))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
