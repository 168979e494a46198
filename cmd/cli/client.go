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
	if u := os.Getenv("JOBQUEUE_API_URL"); u != "" {
		return u
	}
	return "http://localhost:8080"
}

func newClient() *resty.Client {
	return resty.New().
		SetBaseURL(apiBaseURL()).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

// apiError 非预期状态码
type apiError struct {
	Status int
	Body   map[string]interface{}
}

func (e *apiError) Error() string {
	if msg, ok := e.Body["error"].(string); ok && msg != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, msg)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, prettyJSON(e.Body))
}

// call 发起请求；ok 中的状态码视为成功，其余返回 *apiError（携带已解析的响应体）
func call(method, path string, body interface{}, ok ...int) (map[string]interface{}, error) {
	var out map[string]interface{}
	req := newClient().R().SetResult(&out).SetError(&out)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, err
	}
	if len(ok) == 0 {
		ok = []int{http.StatusOK}
	}
	for _, code := range ok {
		if resp.StatusCode() == code {
			return out, nil
		}
	}
	if out == nil {
		out = map[string]interface{}{"error": resp.String()}
	}
	return out, &apiError{Status: resp.StatusCode(), Body: out}
}

func tenantPath(tenantID string) string { return "/api/tenants/" + tenantID }

func enqueueJob(tenantID, payloadRef string, totalUnits int64, jobID string) (map[string]interface{}, error) {
	body := map[string]interface{}{"payload_ref": payloadRef}
	if totalUnits > 0 {
		body["total_units"] = totalUnits
	}
	if jobID != "" {
		body["job_id"] = jobID
	}
	return call(http.MethodPost, tenantPath(tenantID)+"/jobs", body, http.StatusAccepted)
}

func getJob(tenantID, jobID string) (map[string]interface{}, error) {
	return call(http.MethodGet, tenantPath(tenantID)+"/jobs/"+jobID, nil)
}

func cancelJob(tenantID, jobID string) (map[string]interface{}, error) {
	return call(http.MethodPost, tenantPath(tenantID)+"/jobs/"+jobID+"/cancel", nil)
}

func getJobMetrics(tenantID, jobID string) (map[string]interface{}, error) {
	return call(http.MethodGet, tenantPath(tenantID)+"/jobs/"+jobID+"/metrics", nil)
}

func getActive(tenantID string) (map[string]interface{}, error) {
	return call(http.MethodGet, tenantPath(tenantID)+"/active", nil)
}

func getStats(tenantID string) (map[string]interface{}, error) {
	return call(http.MethodGet, tenantPath(tenantID)+"/stats", nil)
}

func reconcileTenant(tenantID string) (map[string]interface{}, error) {
	return call(http.MethodPost, "/api/admin/tenants/"+tenantID+"/reconcile", nil)
}

func triggerReconcile() (map[string]interface{}, error) {
	return call(http.MethodPost, "/api/admin/reconcile", nil, http.StatusAccepted)
}

func detectStale(tenantID, threshold string) (map[string]interface{}, error) {
	path := "/api/admin/tenants/" + tenantID + "/stale"
	if threshold != "" {
		path += "?threshold=" + threshold
	}
	return call(http.MethodGet, path, nil)
}

func purgeTenant(tenantID string) (map[string]interface{}, error) {
	return call(http.MethodDelete, "/api/admin/tenants/"+tenantID, nil)
}

func health() (map[string]interface{}, error) {
	return call(http.MethodGet, "/api/health", nil)
}

func prettyJSON(v interface{}) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
