package video

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/page"
	"go.uber.org/zap"

	"github.com/xkilldash9x/browserkit/internal/config"
	"github.com/xkilldash9x/browserkit/internal/protocol"
)

// Controller consumes captured frames, typically by piping them into an encoder.
type Controller interface {
	WriteVideoFrame(frame []byte) error
}

// Recorder streams screencast frames of one session into a Controller.
type Recorder struct {
	logger *zap.Logger
	ctrl   Controller
	cfg    config.VideoConfig

	mu      sync.Mutex
	sess    *protocol.Session
	sub     *protocol.Subscription
	written atomic.Int64
	dropped atomic.Int64
}

func NewRecorder(logger *zap.Logger, ctrl Controller, cfg config.VideoConfig) *Recorder {
	if cfg.Quality <= 0 {
		cfg.Quality = 80
	}
	if cfg.EveryNthFrame <= 0 {
		cfg.EveryNthFrame = 1
	}
	return &Recorder{logger: logger.Named("video"), ctrl: ctrl, cfg: cfg}
}

// Start begins a screencast on s. A recording already running on another session is stopped
// first; starting twice on the same session is a no-op.
func (r *Recorder) Start(ctx context.Context, s *protocol.Session) error {
	r.mu.Lock()
	current := r.sess
	r.mu.Unlock()
	if current == s {
		return nil
	}
	if current != nil {
		r.Stop(ctx)
	}

	sub := s.Subscribe(func(ev protocol.Event) { r.handleFrame(s, ev) }, cdproto.EventPageScreencastFrame)
	params := page.StartScreencast().
		WithFormat(page.ScreencastFormatJpeg).
		WithQuality(int64(r.cfg.Quality)).
		WithEveryNthFrame(int64(r.cfg.EveryNthFrame))
	if err := s.Execute(ctx, page.CommandStartScreencast, params, nil); err != nil {
		sub.Dispose()
		return fmt.Errorf("failed to start screencast: %w", err)
	}

	r.mu.Lock()
	r.sess = s
	r.sub = sub
	r.mu.Unlock()
	r.logger.Debug("Screencast started.", zap.String("target", s.TargetID()))
	return nil
}

// Stop ends the screencast. It is best-effort and safe to call when nothing is recording,
// including after the target crashed.
func (r *Recorder) Stop(ctx context.Context) {
	r.mu.Lock()
	s, sub := r.sess, r.sub
	r.sess, r.sub = nil, nil
	r.mu.Unlock()
	if s == nil {
		return
	}
	sub.Dispose()
	if err := s.Execute(ctx, page.CommandStopScreencast, nil, nil); err != nil {
		r.logger.Debug("Stopping screencast failed.", zap.Error(err))
	}
	r.logger.Debug("Screencast stopped.",
		zap.Int64("frames_written", r.written.Load()),
		zap.Int64("frames_dropped", r.dropped.Load()))
}

// Recording reports whether a screencast is running.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess != nil
}

// Frames returns the number of frames handed to the controller.
func (r *Recorder) Frames() int64 { return r.written.Load() }

func (r *Recorder) handleFrame(s *protocol.Session, ev protocol.Event) {
	var frame page.EventScreencastFrame
	if err := ev.Decode(&frame); err != nil {
		r.logger.Warn("Undecodable screencast frame.", zap.Error(err))
		return
	}
	data, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		r.dropped.Add(1)
		r.logger.Warn("Screencast frame is not valid base64.", zap.Error(err))
	} else if err := r.ctrl.WriteVideoFrame(data); err != nil {
		r.dropped.Add(1)
		r.logger.Warn("Video controller rejected a frame.", zap.Error(err))
	} else {
		r.written.Add(1)
	}

	// Unacknowledged frames stall the screencast.
	if err := s.Execute(context.Background(), page.CommandScreencastFrameAck, page.ScreencastFrameAck(frame.SessionID), nil); err != nil {
		r.logger.Debug("Screencast frame ack failed.", zap.Error(err))
	}
}
