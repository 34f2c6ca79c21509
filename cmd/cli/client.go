// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func apiBaseURL() string {
	if u := os.Getenv("WFP_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

// client 对 API 服务的薄封装
type client struct {
	rc *resty.Client
}

func newClient(baseURL string) *client {
	return &client{rc: resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")}
}

// apiError 服务端返回的 {"error": "..."}
type apiError struct {
	Error string `json:"error"`
}

func checkStatus(resp *resty.Response, want ...int) error {
	for _, code := range want {
		if resp.StatusCode() == code {
			return nil
		}
	}
	var e apiError
	if json.Unmarshal(resp.Body(), &e) == nil && e.Error != "" {
		return fmt.Errorf("%s %s: %d %s", resp.Request.Method, resp.Request.URL, resp.StatusCode(), e.Error)
	}
	return fmt.Errorf("%s %s: %d %s", resp.Request.Method, resp.Request.URL, resp.StatusCode(), resp.String())
}

type enqueueResult struct {
	JobID       string `json:"jobId"`
	ExecutionID string `json:"executionId"`
}

func (c *client) enqueue(workflowID string, input map[string]any) (*enqueueResult, error) {
	var out enqueueResult
	resp, err := c.rc.R().
		SetBody(map[string]any{"input": input}).
		SetResult(&out).
		Post("/api/workflows/" + workflowID + "/executions")
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, http.StatusAccepted); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *client) executionStatus(executionID string) (map[string]any, error) {
	var out map[string]any
	resp, err := c.rc.R().
		SetResult(&out).
		Get("/api/executions/" + executionID)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) schedule(workflowID string, interval int, unit, timezone string) (map[string]any, error) {
	var out map[string]any
	resp, err := c.rc.R().
		SetBody(map[string]any{"interval": interval, "unit": unit, "timezone": timezone}).
		SetResult(&out).
		Post("/api/workflows/" + workflowID + "/schedule")
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) coordinationStatus() (map[string]any, error) {
	var out map[string]any
	resp, err := c.rc.R().
		SetResult(&out).
		Get("/api/coordination/status")
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	return out, nil
}

func prettyJSON(v any) string {
	b, _ := json.MarshalIndent(v, "", "  ")
	return string(b)
}
