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

package retainly

import (
	"context"
	"strings"
	"unicode"

	"github.com/retainly/retainly/internal/apierror"
	"github.com/retainly/retainly/model"
	"github.com/sirupsen/logrus"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// unsubscribeWords are matched against each word of a short reply, allowing one typo.
var unsubscribeWords = []string{"unsubscribe", "unsub"}

var unsubscribePhrases = []string{"opt out", "optout", "remove me", "stop emailing", "stop sending", "no more emails"}

// stopObjects are the words that turn a leading "stop" into a request to stop
// messages. "Stop by the desk" and similar replies are conversation.
var stopObjects = map[string]bool{
	"it": true, "please": true, "now": true, "all": true, "this": true, "these": true,
	"email": true, "emails": true, "emailing": true, "sending": true, "contacting": true,
	"messaging": true, "messages": true, "texting": true,
}

// maxUnsubscribeWords bounds the replies read as an unsubscribe request. Longer
// replies are conversation and go to the evaluator instead.
const maxUnsubscribeWords = 8

// RecordReply stores an inbound member message on its thread. An unsubscribe
// request opts the contact out. Otherwise a thread waiting for a reply becomes
// due now, so the next tick evaluates it with the reply in view.
func (r *Retainly) RecordReply(ctx context.Context, taskID, content string) (*model.Task, error) {
	ctx, span := tracer.Start(ctx, "RecordReply")
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apierror.NewAPIError(apierror.ErrInvalidInput, "Reply content is required", nil)
	}
	task, err := r.datasource.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	entry := &model.ConversationEntry{TaskID: task.ID, Role: model.RoleMember, Content: content, CreatedAt: now}
	logger := logrus.WithFields(logrus.Fields{"task_id": task.ID, "account_id": task.AccountID})

	if IsUnsubscribeIntent(content) {
		if _, err := r.datasource.AppendConversation(ctx, entry); err != nil {
			return nil, err
		}
		logger.Info("reply asks to unsubscribe")
		if task.ContactEmail == "" {
			if task.Status.Terminal() {
				return task, nil
			}
			return r.UpdateTaskStatus(ctx, task.ID, model.TaskCancelled, TaskStatusUpdate{Reason: model.ReasonRequestedStop})
		}
		if _, err := r.OptOut(ctx, task.AccountID, task.Context.Channel, task.ContactEmail, model.ReasonRequestedStop); err != nil {
			return nil, err
		}
		return r.datasource.GetTask(ctx, task.ID)
	}

	if task.Status == model.TaskAwaitingReply {
		updated, err := r.datasource.TransitionTask(ctx, model.TaskTransition{
			TaskID:       task.ID,
			From:         []model.TaskStatus{model.TaskAwaitingReply},
			To:           model.TaskAwaitingReply,
			NextActionAt: &now,
			At:           now,
			Entries:      []*model.ConversationEntry{entry},
		})
		if err == nil {
			logger.Info("reply recorded, thread due for evaluation")
			return updated, nil
		}
		if !apierror.HasCode(err, apierror.ErrConflict) {
			return nil, err
		}
	}

	if _, err := r.datasource.AppendConversation(ctx, entry); err != nil {
		return nil, err
	}
	logger.Info("reply recorded")
	return r.datasource.GetTask(ctx, task.ID)
}

// IsUnsubscribeIntent reports whether a short reply asks to stop receiving messages.
func IsUnsubscribeIntent(content string) bool {
	text := strings.ToLower(strings.Join(strings.FieldsFunc(content, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c)
	}), " "))
	words := strings.Fields(text)
	if len(words) == 0 || len(words) > maxUnsubscribeWords {
		return false
	}
	if words[0] == "stop" && (len(words) == 1 || stopObjects[words[1]]) {
		return true
	}
	for _, phrase := range unsubscribePhrases {
		if strings.Contains(text, phrase) {
			return true
		}
	}
	for _, w := range words {
		for _, k := range unsubscribeWords {
			if levenshtein.DistanceForStrings([]rune(w), []rune(k), levenshtein.DefaultOptionsWithSub) <= 1 {
				return true
			}
		}
	}
	return false
}
