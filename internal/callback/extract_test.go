package callback

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractTaskID(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"root taskId", `{"taskId":"t-1"}`, "t-1"},
		{"root snake case", `{"task_id":"t-2"}`, "t-2"},
		{"root recordId", `{"recordId":"r-1"}`, "r-1"},
		{"root id", `{"id":"abc"}`, "abc"},
		{"numeric id", `{"taskId":12345}`, "12345"},
		{"inside data", `{"code":200,"data":{"taskId":"t-3"}}`, "t-3"},
		{"inside result", `{"result":{"task_id":"t-4"}}`, "t-4"},
		{"taskId beats id", `{"id":"row-9","taskId":"t-5"}`, "t-5"},
		{"deeply nested", `{"a":{"b":{"c":{"taskId":"t-6"}}}}`, "t-6"},
		{"inside array", `{"items":[{"taskId":"t-7"}]}`, "t-7"},
		{"url query param", `{"callbackUrl":"https://gw.example/cb?taskId=t-8"}`, "t-8"},
		{"empty string skipped", `{"taskId":"","data":{"taskId":"t-9"}}`, "t-9"},
		{"nothing", `{"foo":"bar"}`, ""},
		{"not an object", `[1,2,3]`, ""},
		{"garbage", `\x00\xffnot json`, ""},
		{"empty", ``, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractTaskID([]byte(tc.in)))
		})
	}
}

func TestExtractState(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"root state", `{"state":"success"}`, "success"},
		{"root status", `{"status":"processing"}`, "processing"},
		{"inside data", `{"data":{"state":"fail"}}`, "fail"},
		{"taskStatus", `{"data":{"taskStatus":"completed"}}`, "completed"},
		{"nothing", `{"taskId":"t-1"}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExtractState([]byte(tc.in)))
		})
	}
}

func TestParseTypicalEnvelope(t *testing.T) {
	body := `{
		"code": 200,
		"msg": "ok",
		"data": {
			"taskId": "t-77",
			"state": "success",
			"resultJson": "{\"resultUrls\":[\"http://cdn/a.png\"]}"
		}
	}`
	cb := Parse([]byte(body))

	assert.Equal(t, "t-77", cb.TaskID)
	assert.Equal(t, "success", cb.State)
	require.NotNil(t, cb.Result)

	var res struct {
		ResultUrls []string `json:"resultUrls"`
	}
	require.NoError(t, json.Unmarshal(cb.Result, &res))
	assert.Equal(t, []string{"http://cdn/a.png"}, res.ResultUrls)
	assert.JSONEq(t, body, string(cb.Payload))
}

func TestParseFailureEnvelope(t *testing.T) {
	body := `{"data":{"taskId":"t-9","state":"fail","failMsg":"content policy"}}`
	cb := Parse([]byte(body))

	assert.Equal(t, "t-9", cb.TaskID)
	assert.Equal(t, "fail", cb.State)
	assert.Equal(t, "content policy", cb.ErrorText)
}

func TestParseSuccessFlag(t *testing.T) {
	cb := Parse([]byte(`{"taskId":"t-1","successFlag":1}`))
	assert.Equal(t, "success", cb.State)

	cb = Parse([]byte(`{"taskId":"t-2","successFlag":0}`))
	assert.Equal(t, "fail", cb.State)
}

func TestParsePlainResult(t *testing.T) {
	cb := Parse([]byte(`{"taskId":"t-3","state":"success","result":{"resultUrls":["http://cdn/v.mp4"]}}`))
	require.NotNil(t, cb.Result)
	assert.JSONEq(t, `{"resultUrls":["http://cdn/v.mp4"]}`, string(cb.Result))
}

func TestParseGarbageIsHarmless(t *testing.T) {
	for _, raw := range [][]byte{
		nil,
		{},
		[]byte("plain text"),
		{0x00, 0xff, 0xfe, 0x01},
		[]byte(`{"unterminated`),
		[]byte(`12345`),
	} {
		cb := Parse(raw)
		assert.Empty(t, cb.TaskID)
		assert.Empty(t, cb.State)
	}
}
