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
)

// Tick runs one scheduler pass. Partial failures are reported with 207 and
// the error list; only a pass that could not run at all returns 500.
func (a Api) Tick(c *gin.Context) {
	summary, err := a.retainly.Tick(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "summary": summary})
		return
	}

	status := http.StatusOK
	if len(summary.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, summary)
}
