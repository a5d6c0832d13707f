package automation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/browserkit/internal/automation"
)

func newTestBus(t *testing.T, bufferSize int) *automation.Bus {
	return automation.NewBus(zaptest.NewLogger(t), bufferSize)
}

func TestBus_DeliversByKind(t *testing.T) {
	b := newTestBus(t, 4)
	defer b.Shutdown()

	crashes, unsubCrashes := b.Subscribe(automation.KindTargetCrashed)
	defer unsubCrashes()
	all, unsubAll := b.Subscribe()
	defer unsubAll()

	ctx := context.Background()
	require.NoError(t, b.Post(ctx, automation.FrameRemoved{FrameID: "F1"}))
	require.NoError(t, b.Post(ctx, automation.TargetCrashed{TargetID: "T1"}))

	msg := <-crashes
	assert.Equal(t, automation.TargetCrashed{TargetID: "T1"}, msg.Event)
	assert.NotEmpty(t, msg.ID)
	b.Acknowledge(msg)

	for _, want := range []automation.Kind{automation.KindFrameRemoved, automation.KindTargetCrashed} {
		msg := <-all
		assert.Equal(t, want, msg.Event.Kind())
		b.Acknowledge(msg)
	}
}

func TestBus_Post_UnblocksOnCancel(t *testing.T) {
	b := newTestBus(t, 0)
	defer b.Shutdown()

	msgChan, unsubscribe := b.Subscribe(automation.KindDownloadCreated)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	postDone := make(chan error)
	go func() {
		postDone <- b.Post(ctx, automation.DownloadCreated{ID: "d1"})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-postDone:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Post did not return after cancellation")
	}
	select {
	case <-msgChan:
		t.Error("message delivered after cancellation")
	default:
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := newTestBus(t, 1)
	defer b.Shutdown()

	ch, unsubscribe := b.Subscribe(automation.KindFrameNavigated)
	unsubscribe()
	require.NoError(t, b.Post(context.Background(), automation.FrameNavigated{FrameID: "F"}))
	select {
	case <-ch:
		t.Error("message delivered after unsubscribe")
	default:
	}
}

func TestBus_ShutdownDrainsWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := newTestBus(t, 5)

	var subscriberWg sync.WaitGroup
	for i := 0; i < 10; i++ {
		subscriberWg.Add(1)
		msgChan, _ := b.Subscribe(automation.KindDownloadProgress)
		go func() {
			defer subscriberWg.Done()
			for msg := range msgChan {
				time.Sleep(time.Millisecond)
				b.Acknowledge(msg)
			}
		}()
	}

	producerCtx, producerCancel := context.WithCancel(context.Background())
	var producerWg sync.WaitGroup
	for i := 0; i < 10; i++ {
		producerWg.Add(1)
		go func() {
			defer producerWg.Done()
			for j := 0; j < 50; j++ {
				_ = b.Post(producerCtx, automation.DownloadProgress{ID: "d", Received: int64(j)})
				if producerCtx.Err() != nil {
					return
				}
			}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	shutdownDone := make(chan struct{})
	go func() {
		b.Shutdown()
		close(shutdownDone)
	}()
	producerCancel()

	select {
	case <-shutdownDone:
	case <-time.After(10 * time.Second):
		t.Fatal("bus shutdown timed out")
	}
	producerWg.Wait()
	subscriberWg.Wait()

	assert.ErrorIs(t, b.Post(context.Background(), automation.DownloadCanceled{ID: "d"}), automation.ErrBusShutdown)
	closed, _ := b.Subscribe()
	_, ok := <-closed
	assert.False(t, ok)
}
