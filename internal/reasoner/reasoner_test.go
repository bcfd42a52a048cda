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

package reasoner

import (
	"context"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/retainly/retainly/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGeminiReasoner_RequiresKey(t *testing.T) {
	_, err := NewGeminiReasoner(context.Background(), config.ReasonerConfig{})
	assert.Error(t, err)
}

func TestGeminiReasoner_Evaluate(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, `=~:generateContent`,
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]interface{}{
			"candidates": []map[string]interface{}{{
				"content": map[string]interface{}{
					"role":  "model",
					"parts": []map[string]interface{}{{"text": `{"action":"wait","nextCheckDays":3,"reason":"no reply yet"}`}},
				},
			}},
		}))

	r, err := NewGeminiReasoner(context.Background(), config.ReasonerConfig{ApiKey: "test-key"}, WithHTTPClient(client))
	require.NoError(t, err)

	out, err := r.Evaluate(context.Background(), "system", "prompt")
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"wait","nextCheckDays":3,"reason":"no reply yet"}`, out)
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestGeminiReasoner_EvaluateServerError(t *testing.T) {
	client := &http.Client{}
	httpmock.ActivateNonDefault(client)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodPost, `=~:generateContent`,
		httpmock.NewStringResponder(http.StatusInternalServerError, `{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`))

	r, err := NewGeminiReasoner(context.Background(), config.ReasonerConfig{ApiKey: "test-key", Model: "gemini-test"}, WithHTTPClient(client))
	require.NoError(t, err)

	_, err = r.Evaluate(context.Background(), "system", "prompt")
	assert.Error(t, err)
}
