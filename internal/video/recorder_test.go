package video

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserkit/internal/config"
	"github.com/xkilldash9x/browserkit/internal/protocol"
	"github.com/xkilldash9x/browserkit/internal/protocol/protocoltest"
)

type fakeController struct {
	mu     sync.Mutex
	frames [][]byte
	fail   bool
}

func (c *fakeController) WriteVideoFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("encoder gone")
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeController) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.frames...)
}

func setup(t *testing.T) (*protocoltest.Server, *protocol.Session) {
	t.Helper()
	srv := protocoltest.New(t)
	client := protocol.NewClient(srv.URL(), protocol.Options{Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Connect(context.Background()))
	return srv, client.NewSession("S1", "T1")
}

func acks(srv *protocoltest.Server) []int64 {
	var out []int64
	for _, c := range srv.Received(0) {
		if c.Method != "Page.screencastFrameAck" {
			continue
		}
		var p struct {
			SessionID int64 `json:"sessionId"`
		}
		if json.Unmarshal(c.Params, &p) == nil {
			out = append(out, p.SessionID)
		}
	}
	return out
}

func TestRecorder_WritesAndAcknowledgesFrames(t *testing.T) {
	srv, sess := setup(t)
	ctrl := &fakeController{}
	rec := NewRecorder(zaptest.NewLogger(t), ctrl, config.VideoConfig{Enabled: true})

	require.NoError(t, rec.Start(context.Background(), sess))
	require.NoError(t, rec.Start(context.Background(), sess))
	assert.True(t, rec.Recording())

	var start struct {
		Format        string `json:"format"`
		Quality       int64  `json:"quality"`
		EveryNthFrame int64  `json:"everyNthFrame"`
	}
	cmds := srv.Received(0)
	require.NotEmpty(t, cmds)
	assert.Equal(t, "Page.startScreencast", cmds[0].Method)
	assert.Equal(t, "S1", cmds[0].SessionID)
	require.NoError(t, json.Unmarshal(cmds[0].Params, &start))
	assert.Equal(t, "jpeg", start.Format)
	assert.Equal(t, int64(80), start.Quality)
	assert.Equal(t, int64(1), start.EveryNthFrame)

	frame := []byte("\xff\xd8jpeg-bytes")
	srv.Emit("S1", "Page.screencastFrame", map[string]any{
		"data":      base64.StdEncoding.EncodeToString(frame),
		"sessionId": 7,
		"metadata":  map[string]any{"offsetTop": 0, "pageScaleFactor": 1, "deviceWidth": 1280, "deviceHeight": 720, "scrollOffsetX": 0, "scrollOffsetY": 0},
	})
	srv.Emit("S1", "Page.screencastFrame", map[string]any{"data": "!!not base64!!", "sessionId": 8})

	require.Eventually(t, func() bool { return len(acks(srv)) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int64{7, 8}, acks(srv))
	assert.Equal(t, [][]byte{frame}, ctrl.written())
	assert.Equal(t, int64(1), rec.Frames())

	rec.Stop(context.Background())
	rec.Stop(context.Background())
	assert.False(t, rec.Recording())
	assert.True(t, srv.Called("Page.stopScreencast"))
}

func TestRecorder_ControllerErrorStillAcknowledges(t *testing.T) {
	srv, sess := setup(t)
	ctrl := &fakeController{fail: true}
	rec := NewRecorder(zaptest.NewLogger(t), ctrl, config.VideoConfig{Quality: 50, EveryNthFrame: 2})
	require.NoError(t, rec.Start(context.Background(), sess))
	defer rec.Stop(context.Background())

	srv.Emit("S1", "Page.screencastFrame", map[string]any{"data": base64.StdEncoding.EncodeToString([]byte("x")), "sessionId": 1})
	require.Eventually(t, func() bool { return len(acks(srv)) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), rec.Frames())
}

func TestRecorder_StartFailure(t *testing.T) {
	srv, sess := setup(t)
	srv.SetReply(func(_ int, _, method string, _ jsontext.Value) (any, bool) {
		if method == "Page.startScreencast" {
			return protocoltest.RemoteError{Code: -32000, Message: "Not attached to an active page"}, false
		}
		return nil, false
	})
	rec := NewRecorder(zaptest.NewLogger(t), &fakeController{}, config.VideoConfig{})
	err := rec.Start(context.Background(), sess)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to start screencast")
	assert.False(t, rec.Recording())
}
