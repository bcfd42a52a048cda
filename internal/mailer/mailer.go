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

package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/retainly/retainly/config"
	"github.com/retainly/retainly/internal/request"
)

// Message is one outbound email.
type Message struct {
	To      string
	Subject string
	HTML    string
	ReplyTo string
}

// SendResult carries the provider's identifier for an accepted message.
type SendResult struct {
	ID string `json:"id"`
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
	ReplyTo string   `json:"reply_to,omitempty"`
}

// HTTPMailer sends mail through a JSON HTTP email API.
type HTTPMailer struct {
	apiURL string
	apiKey string
	from   string
}

func NewHTTPMailer(cfg config.MailerConfig) (*HTTPMailer, error) {
	if cfg.ApiUrl == "" || cfg.From == "" {
		return nil, errors.New("mailer api url and from address are required")
	}
	return &HTTPMailer{apiURL: strings.TrimRight(cfg.ApiUrl, "/"), apiKey: cfg.ApiKey, from: cfg.From}, nil
}

// Send hands msg to the provider. Any non-2xx answer is returned as an error.
func (m *HTTPMailer) Send(ctx context.Context, msg Message) (SendResult, error) {
	if msg.To == "" {
		return SendResult{}, errors.New("mailer: recipient is required")
	}
	body, err := request.ToJsonReq(sendRequest{
		From:    m.from,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    msg.HTML,
		ReplyTo: msg.ReplyTo,
	})
	if err != nil {
		return SendResult{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.apiURL+"/emails", body)
	if err != nil {
		return SendResult{}, err
	}
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	var result SendResult
	if _, err := request.Call(req, &result); err != nil {
		return SendResult{}, fmt.Errorf("mailer: %w", err)
	}
	return result, nil
}

// ReplyAddress builds the reply-to address that routes a member's answer back to its thread.
func ReplyAddress(token, domain string) string {
	if token == "" || domain == "" {
		return ""
	}
	return fmt.Sprintf("reply+%s@%s", token, domain)
}
