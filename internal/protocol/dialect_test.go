package protocol

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCDPDialect(t *testing.T) {
	data, err := CDP.Encode(7, "S1", "Page.navigate", map[string]string{"url": "about:blank"})
	require.NoError(t, err)
	var req map[string]any
	require.NoError(t, json.Unmarshal(data, &req))
	assert.Equal(t, float64(7), req["id"])
	assert.Equal(t, "S1", req["sessionId"])
	assert.Equal(t, "Page.navigate", req["method"])

	data, err = CDP.Encode(8, "", "Browser.getVersion", nil)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "sessionId")
	assert.NotContains(t, string(data), "params")

	f, err := CDP.Decode([]byte(`{"id":7,"result":{"frameId":"F"},"sessionId":"S1"}`))
	require.NoError(t, err)
	assert.True(t, f.Response)
	assert.Equal(t, int64(7), f.ID)
	assert.JSONEq(t, `{"frameId":"F"}`, string(f.Result))

	f, err = CDP.Decode([]byte(`{"id":9,"error":{"code":-32601,"message":"'Nope.nope' wasn't found"}}`))
	require.NoError(t, err)
	require.NotNil(t, f.Err)
	assert.Equal(t, int64(-32601), f.Err.Code)

	f, err = CDP.Decode([]byte(`{"method":"Inspector.targetCrashed","params":{},"sessionId":"S1"}`))
	require.NoError(t, err)
	assert.False(t, f.Response)
	assert.Equal(t, "Inspector.targetCrashed", f.Method)
	assert.Equal(t, "S1", f.SessionID)

	_, err = CDP.Decode([]byte(`{"id":`))
	assert.Error(t, err)
}

func TestBiDiDialect(t *testing.T) {
	data, err := BiDi.Encode(3, "ignored", "session.status", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":3,"method":"session.status","params":{}}`, string(data))

	f, err := BiDi.Decode([]byte(`{"type":"success","id":3,"result":{"ready":true}}`))
	require.NoError(t, err)
	assert.True(t, f.Response)
	assert.Equal(t, int64(3), f.ID)

	f, err = BiDi.Decode([]byte(`{"type":"error","id":4,"error":"no such frame","message":"context gone"}`))
	require.NoError(t, err)
	require.NotNil(t, f.Err)
	assert.Equal(t, "context gone", f.Err.Message)
	assert.Equal(t, "no such frame", f.Err.Data)

	f, err = BiDi.Decode([]byte(`{"type":"event","method":"browsingContext.load","params":{"context":"C"}}`))
	require.NoError(t, err)
	assert.False(t, f.Response)
	assert.Equal(t, "browsingContext.load", f.Method)

	_, err = BiDi.Decode([]byte(`{"type":"mystery"}`))
	assert.Error(t, err)
}

func TestCheckVersion(t *testing.T) {
	assert.NoError(t, CheckVersion("Chrome", "1.3", "1.3"))
	assert.NoError(t, CheckVersion("Chrome", "1.3", "1.10"))
	assert.NoError(t, CheckVersion("Chrome", "1.3", "2.0"))

	err := CheckVersion("Chrome", "1.3", "1.2")
	var old *VersionTooOldError
	require.ErrorAs(t, err, &old)
	assert.Equal(t, "1.2", old.Actual)
	assert.Contains(t, err.Error(), "Upgrade to Chrome 64 or newer")
	assert.False(t, IsRetryable(err))

	err = CheckVersion("Edge", "9.9", "1.0")
	assert.NotContains(t, err.Error(), "Upgrade")
}

func TestCompareDotted(t *testing.T) {
	for _, tc := range []struct {
		a, b string
		want int
	}{
		{"1.3", "1.3", 0},
		{"1.3-beta", "1.3", 0},
		{"1.3-beta", "1.4", -1},
		{"1.10", "1.9", 1},
		{"1.3.0", "1.3", 0},
		{"1", "1.3", -1},
		{"2.0rc1", "1.3", 1},
		{"", "1.3", -1},
	} {
		assert.Equal(t, tc.want, compareDotted(tc.a, tc.b), "%q vs %q", tc.a, tc.b)
	}
	assert.NoError(t, CheckVersion("Chrome", "1.3", "1.3-beta"))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ConnectionFailedError{Browser: "Chrome", Endpoint: "ws://x", Err: errors.New("refused")}))
	assert.True(t, IsRetryable(ErrDisconnected))
	assert.False(t, IsRetryable(errors.New("other")))
}

func TestFetchVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"Chrome/120.0.6099.71","Protocol-Version":"1.3","User-Agent":"UA","webSocketDebuggerUrl":"ws://127.0.0.1:9222/devtools/browser/abc"}`))
	}))
	defer srv.Close()

	info, err := FetchVersion(context.Background(), srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "1.3", info.ProtocolVersion)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", info.WebSocketDebuggerURL)
}

func TestWaitForVersionTimesOut(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := WaitForVersion(ctx, "Chrome", srv.URL, 10*time.Millisecond)
	var cf *ConnectionFailedError
	require.ErrorAs(t, err, &cf)
	assert.Contains(t, err.Error(), "503")
	assert.True(t, IsRetryable(err))
}
