package events

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelOrder(t *testing.T) {
	ch := NewChannel(4)
	ch.SetKeepAlive(10 * time.Millisecond)

	go func() {
		ch.Publish(Event{Type: EventTypeJobCreated, Payload: map[string]any{"id": "j1"}})
		ch.Progress(Step("stage1_vision", "calling model"))
		ch.Progress(Delta("stage1_vision", "hello"))
		ch.Finish(map[string]any{"ok": true}, nil)
	}()

	var got []EventType
	err := ch.Consume(context.Background(), func(ev Event) error {
		got = append(got, ev.Type)
		return nil
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []EventType{
		EventTypeJobCreated,
		EventTypeProgress,
		EventTypeProgress,
		EventTypeResult,
		EventTypeDone,
	}, got)
}

func TestChannelFinishOnce(t *testing.T) {
	ch := NewChannel(8)
	ch.Finish(nil, &ErrorPayload{Code: "doubao_timeout", Message: "Doubao API timeout.", HTTPStatus: 504})
	ch.Finish(map[string]any{"late": true}, nil)
	assert.False(t, ch.Progress(Step("x", "after close")))

	var got []EventType
	require.NoError(t, ch.Consume(context.Background(), func(ev Event) error {
		got = append(got, ev.Type)
		return nil
	}, nil))
	assert.Equal(t, []EventType{EventTypeError, EventTypeDone}, got)
}

func TestChannelKeepAliveDoesNotConsume(t *testing.T) {
	ch := NewChannel(4)
	ch.SetKeepAlive(5 * time.Millisecond)

	release := make(chan struct{})
	go func() {
		<-release
		ch.Finish(map[string]any{"ok": true}, nil)
	}()

	keepAlives := 0
	var got []EventType
	err := ch.Consume(context.Background(), func(ev Event) error {
		got = append(got, ev.Type)
		return nil
	}, func() error {
		keepAlives++
		if keepAlives == 3 {
			close(release)
		}
		return nil
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, keepAlives, 3)
	assert.Equal(t, []EventType{EventTypeResult, EventTypeDone}, got)
}

func TestChannelAbandonUnblocksProducer(t *testing.T) {
	ch := NewChannel(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ch.Consume(ctx, func(Event) error { return nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			ch.Progress(Delta("s", "x"))
		}
		ch.Finish(nil, nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked after consumer went away")
	}
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Event{Type: EventTypeProgress, Payload: Delta("product_dedup_group", "stream-text")}))
	require.NoError(t, WriteKeepAlive(&buf))
	require.NoError(t, WriteFrame(&buf, Event{Type: EventTypeDone}))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "event: progress\ndata: {"))
	assert.Contains(t, out, `"type":"delta"`)
	assert.Contains(t, out, `"delta":"stream-text"`)
	assert.Contains(t, out, ": keep-alive\n\n")
	assert.True(t, strings.HasSuffix(out, "event: done\ndata: {}\n\n"))
}
