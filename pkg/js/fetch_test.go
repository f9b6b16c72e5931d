package js_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ratchet/pkg/js"
	"ratchet/pkg/taskerr"
)

// recordingClient scripts fetch responses per URL and records calls.
type recordingClient struct {
	responses map[string]*js.FetchResponse
	err       error
	calls     []string
}

func (c *recordingClient) Do(ctx context.Context, url string, params, body json.RawMessage) (*js.FetchResponse, error) {
	c.calls = append(c.calls, url)
	if c.err != nil {
		return nil, c.err
	}
	if resp, ok := c.responses[url]; ok {
		return resp, nil
	}
	return &js.FetchResponse{OK: false, Status: 404, StatusText: "Not Found", Headers: map[string]string{}}, nil
}

func TestFetchBridgeSuccess(t *testing.T) {
	client := &recordingClient{responses: map[string]*js.FetchResponse{
		"https://api.example.test/user": {
			OK: true, Status: 200, StatusText: "OK",
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    map[string]interface{}{"id": float64(7), "name": "ada"},
		},
	}}
	r := js.NewRuntime(client)

	task := &js.Task{
		Name:    "fetch-user",
		Version: "1.0.0",
		Source: `
			function main(input) {
				var response = fetch("https://api.example.test/user");
				return {ok: response.ok, status: response.status, user: response.body.name};
			}`,
	}

	out, err := r.Execute(context.Background(), task, json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"status":200,"user":"ada"}`, string(out))

	// One user invocation triggered exactly one HTTP call.
	assert.Equal(t, []string{"https://api.example.test/user"}, client.calls)
}

func TestFetchBridgeTypedAuthenticationError(t *testing.T) {
	client := &recordingClient{responses: map[string]*js.FetchResponse{
		"https://example.test/unauthorized": {
			OK: false, Status: 401, StatusText: "Unauthorized", Headers: map[string]string{},
		},
	}}
	r := js.NewRuntime(client)

	task := &js.Task{
		Name:    "fetch-auth",
		Version: "1.0.0",
		Source: `
			function main(input) {
				var response = fetch("https://example.test/unauthorized");
				return {body: response.body};
			}`,
	}

	_, err := r.Execute(context.Background(), task, json.RawMessage(`{}`), nil)
	require.Error(t, err)
	assert.Equal(t, taskerr.KindJsAuthentication, taskerr.KindOf(err))
	assert.Equal(t, 401, taskerr.HTTPStatusOf(err))
	assert.False(t, taskerr.IsRetryable(err))
}

func TestFetchBridgeStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   taskerr.Kind
	}{
		{403, taskerr.KindJsAuthorization},
		{429, taskerr.KindJsRateLimit},
		{503, taskerr.KindJsServiceUnavailable},
		{404, taskerr.KindJsHTTP},
	}
	for _, c := range cases {
		client := &recordingClient{responses: map[string]*js.FetchResponse{
			"https://example.test/x": {OK: false, Status: c.status, StatusText: "status", Headers: map[string]string{}},
		}}
		r := js.NewRuntime(client)
		task := &js.Task{
			Name:    "fetch-status",
			Version: "1.0.0",
			Source:  `function main(i){ return fetch("https://example.test/x"); }`,
		}

		_, err := r.Execute(context.Background(), task, json.RawMessage(`{}`), nil)
		require.Error(t, err, "status %d", c.status)
		assert.Equal(t, c.kind, taskerr.KindOf(err), "status %d", c.status)
		assert.Equal(t, c.status, taskerr.HTTPStatusOf(err), "status %d", c.status)
	}
}

func TestFetchBridgeTransportErrorThrowsNetworkError(t *testing.T) {
	client := &recordingClient{err: errors.New("connection refused")}
	r := js.NewRuntime(client)

	task := &js.Task{
		Name:    "fetch-down",
		Version: "1.0.0",
		Source:  `function main(i){ return fetch("https://down.example.test/"); }`,
	}

	_, err := r.Execute(context.Background(), task, json.RawMessage(`{}`), nil)
	require.Error(t, err)
	assert.Equal(t, taskerr.KindJsNetwork, taskerr.KindOf(err))
	assert.True(t, taskerr.IsRetryable(err))
}

func TestFetchBridgeCatchableInTaskCode(t *testing.T) {
	client := &recordingClient{responses: map[string]*js.FetchResponse{
		"https://example.test/limited": {OK: false, Status: 429, StatusText: "Too Many Requests", Headers: map[string]string{}},
	}}
	r := js.NewRuntime(client)

	task := &js.Task{
		Name:    "fetch-catch",
		Version: "1.0.0",
		Source: `
			function main(input) {
				try {
					fetch("https://example.test/limited");
					return {threw: false};
				} catch (e) {
					return {threw: true, name: e.name, status: e.status};
				}
			}`,
	}

	out, err := r.Execute(context.Background(), task, json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"threw":true,"name":"RateLimitError","status":429}`, string(out))
}

func TestFetchBridgeSequentialRequests(t *testing.T) {
	client := &recordingClient{responses: map[string]*js.FetchResponse{
		"https://example.test/first": {
			OK: true, Status: 200, StatusText: "OK", Headers: map[string]string{},
			Body: map[string]interface{}{"next": "https://example.test/second"},
		},
		"https://example.test/second": {
			OK: true, Status: 200, StatusText: "OK", Headers: map[string]string{},
			Body: map[string]interface{}{"value": float64(99)},
		},
	}}
	r := js.NewRuntime(client)

	task := &js.Task{
		Name:    "fetch-chain",
		Version: "1.0.0",
		Source: `
			function main(input) {
				var first = fetch("https://example.test/first");
				var second = fetch(first.body.next);
				return {value: second.body.value};
			}`,
	}

	out, err := r.Execute(context.Background(), task, json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":99}`, string(out))

	// Each re-invocation performed at most one new HTTP call.
	assert.Equal(t, []string{
		"https://example.test/first",
		"https://example.test/second",
	}, client.calls)
}

func TestFetchBridgePassesParamsAndBody(t *testing.T) {
	var gotParams, gotBody string
	client := &fnClient{fn: func(ctx context.Context, url string, params, body json.RawMessage) (*js.FetchResponse, error) {
		gotParams = string(params)
		gotBody = string(body)
		return &js.FetchResponse{OK: true, Status: 200, StatusText: "OK", Headers: map[string]string{}, Body: "done"}, nil
	}}
	r := js.NewRuntime(client)

	task := &js.Task{
		Name:    "fetch-post",
		Version: "1.0.0",
		Source: `
			function main(input) {
				var response = fetch("https://example.test/post",
					{method: "POST", headers: {"X-Req": "1"}},
					{payload: input.n});
				return {body: response.body};
			}`,
	}

	out, err := r.Execute(context.Background(), task, json.RawMessage(`{"n":5}`), nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"body":"done"}`, string(out))
	assert.JSONEq(t, `{"method":"POST","headers":{"X-Req":"1"}}`, gotParams)
	assert.JSONEq(t, `{"payload":5}`, gotBody)
}

type fnClient struct {
	fn func(ctx context.Context, url string, params, body json.RawMessage) (*js.FetchResponse, error)
}

func (c *fnClient) Do(ctx context.Context, url string, params, body json.RawMessage) (*js.FetchResponse, error) {
	return c.fn(ctx, url, params, body)
}
