// Package callback receives upstream completion notifications over HTTP.
//
// Flow:
//  1. Accept any body the upstream posts; never reject with non-200
//  2. Tolerantly pull the task ID and state out of whatever envelope
//     shape arrived
//  3. Hand the normalized callback to the job engine; unmatched task IDs
//     land in the orphan store for the reconciler
package callback

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/vladholos492-wq/mediagw/internal/job"
)

const maxExtractDepth = 10

// taskIDKeys in priority order. Checked at the root first, then inside
// known containers, then anywhere in the payload.
var taskIDKeys = []string{"taskId", "task_id", "recordId", "record_id", "id"}

// containerKeys are envelope wrappers the upstream nests payloads under.
var containerKeys = []string{"data", "result", "payload", "response", "body"}

var stateKeys = []string{"state", "status", "taskStatus", "task_status", "successFlag"}

var errorKeys = []string{"failMsg", "fail_msg", "errorMessage", "error_message", "msg", "error"}

// ExtractTaskID pulls a task identifier out of an arbitrary callback body.
// Returns "" when nothing resembling a task ID is present.
func ExtractTaskID(raw []byte) string {
	root := parseObject(raw)
	if root == nil {
		return ""
	}

	if id := stringByKeys(root, taskIDKeys); id != "" {
		return id
	}
	for _, ck := range containerKeys {
		if inner := childObject(root, ck); inner != nil {
			if id := stringByKeys(inner, taskIDKeys); id != "" {
				return id
			}
		}
	}
	if id := deepFind(root, taskIDKeys, maxExtractDepth); id != "" {
		return id
	}
	return taskIDFromURLs(root)
}

// ExtractState pulls the upstream job state out of a callback body.
func ExtractState(raw []byte) string {
	root := parseObject(raw)
	if root == nil {
		return ""
	}
	if s := stringByKeys(root, stateKeys); s != "" {
		return s
	}
	for _, ck := range containerKeys {
		if inner := childObject(root, ck); inner != nil {
			if s := stringByKeys(inner, stateKeys); s != "" {
				return s
			}
		}
	}
	return deepFind(root, stateKeys, maxExtractDepth)
}

// Parse builds a job callback from a raw upstream body. TaskID may be
// empty; the handler decides whether to ignore or orphan such payloads.
func Parse(raw []byte) *job.Callback {
	cb := &job.Callback{
		TaskID:  ExtractTaskID(raw),
		State:   ExtractState(raw),
		Payload: append(json.RawMessage(nil), raw...),
	}
	// successFlag payloads carry a boolean or 0/1 instead of a state word
	switch cb.State {
	case "true", "1":
		cb.State = "success"
	case "false", "0":
		cb.State = "fail"
	}

	root := parseObject(raw)
	if root == nil {
		return cb
	}
	cb.ErrorText = stringByKeys(root, errorKeys)
	if data := childObject(root, "data"); data != nil {
		if cb.ErrorText == "" {
			cb.ErrorText = stringByKeys(data, errorKeys)
		}
		cb.Result = resultPayload(data)
	}
	if cb.Result == nil {
		cb.Result = resultPayload(root)
	}
	return cb
}

// resultPayload extracts the artifact payload, unwrapping double-encoded
// resultJson strings when present.
func resultPayload(obj map[string]json.RawMessage) json.RawMessage {
	for _, key := range []string{"resultJson", "result_json"} {
		if raw, ok := obj[key]; ok {
			var inner string
			if err := json.Unmarshal(raw, &inner); err == nil && inner != "" {
				return json.RawMessage(inner)
			}
			return raw
		}
	}
	if raw, ok := obj["result"]; ok {
		return raw
	}
	if raw, ok := obj["resultUrls"]; ok {
		out, err := json.Marshal(map[string]json.RawMessage{"resultUrls": raw})
		if err == nil {
			return out
		}
	}
	return nil
}

func parseObject(raw []byte) map[string]json.RawMessage {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func childObject(obj map[string]json.RawMessage, key string) map[string]json.RawMessage {
	raw, ok := obj[key]
	if !ok {
		return nil
	}
	return parseObject(raw)
}

// stringByKeys returns the first non-empty scalar under any of keys.
// Numeric IDs are accepted and rendered as decimal strings.
func stringByKeys(obj map[string]json.RawMessage, keys []string) string {
	for _, key := range keys {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		if s := scalarString(raw); s != "" {
			return s
		}
	}
	return ""
}

func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return strconv.FormatBool(b)
	}
	return ""
}

// deepFind walks nested objects and arrays looking for any of keys.
func deepFind(obj map[string]json.RawMessage, keys []string, depth int) string {
	if depth <= 0 {
		return ""
	}
	if s := stringByKeys(obj, keys); s != "" {
		return s
	}
	for _, raw := range obj {
		if inner := parseObject(raw); inner != nil {
			if s := deepFind(inner, keys, depth-1); s != "" {
				return s
			}
			continue
		}
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err == nil {
			for _, item := range arr {
				if inner := parseObject(item); inner != nil {
					if s := deepFind(inner, keys, depth-1); s != "" {
						return s
					}
				}
			}
		}
	}
	return ""
}

// taskIDFromURLs is the last resort: some callbacks only carry the task ID
// as a query parameter on an embedded URL.
func taskIDFromURLs(obj map[string]json.RawMessage) string {
	for _, raw := range obj {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if !strings.Contains(s, "://") {
			continue
		}
		u, err := url.Parse(s)
		if err != nil {
			continue
		}
		q := u.Query()
		for _, key := range []string{"taskId", "task_id", "recordId"} {
			if v := q.Get(key); v != "" {
				return v
			}
		}
	}
	return ""
}
