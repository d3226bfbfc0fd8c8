// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/roomsync/api"
	"github.com/element-hq/roomsync/reconciler"
	"github.com/element-hq/roomsync/setup/config"
	"github.com/element-hq/roomsync/types"
)

// fakeSource scripts a sequence of sync responses. Once the script runs
// out it blocks until the context is cancelled, like a quiet long poll.
type fakeSource struct {
	mu        sync.Mutex
	responses []*api.SyncResponse
	errs      []error
	seen      []string // since tokens observed, in order
	drained   chan struct{}
	once      sync.Once
}

func (f *fakeSource) Sync(ctx context.Context, since string, _ time.Duration) (*api.SyncResponse, error) {
	f.mu.Lock()
	f.seen = append(f.seen, since)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return nil, err
	}
	if len(f.responses) > 0 {
		resp := f.responses[0]
		f.responses = f.responses[1:]
		if len(f.responses) == 0 && f.drained != nil {
			f.once.Do(func() { close(f.drained) })
		}
		f.mu.Unlock()
		return resp, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeCaps struct {
	caps *api.Capabilities
	err  error
}

func (f *fakeCaps) Capabilities(context.Context) (*api.Capabilities, error) {
	return f.caps, f.err
}

func newTestClient(t *testing.T, source api.SyncSource, caps api.CapabilityProvider, required RequiredCapabilities, since string) *Client {
	t.Helper()
	cfg := &config.Sync{}
	cfg.Defaults()
	rec, err := reconciler.New(cfg, reconciler.Boundary{}, nil, nil)
	require.NoError(t, err)
	return New(cfg, source, caps, required, rec, since)
}

func syncResponse(next string, events ...*types.Event) *api.SyncResponse {
	return &api.SyncResponse{
		NextBatch: next,
		Rooms:     []api.RoomDelta{{RoomID: "!room:test", TimelineEvents: events}},
	}
}

func msg(id string) *types.Event {
	return &types.Event{
		ID:      id,
		RoomID:  "!room:test",
		Sender:  "@alice:test",
		Type:    types.MRoomMessage,
		Content: json.RawMessage(fmt.Sprintf(`{"msgtype":"m.text","body":%q}`, id)),
	}
}

func TestRunAppliesBatchesInOrder(t *testing.T) {
	source := &fakeSource{
		responses: []*api.SyncResponse{
			syncResponse("s1", msg("$a")),
			syncResponse("s2", msg("$b")),
			syncResponse("s3", msg("$c")),
		},
		drained: make(chan struct{}),
	}
	client := newTestClient(t, source, nil, RequiredCapabilities{}, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	<-source.drained
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, int64(3), client.BatchesApplied())
	assert.Equal(t, "s3", client.Since())

	room, ok := client.Reconciler().Room("!room:test")
	require.True(t, ok)
	assert.Equal(t, []string{"$a", "$b", "$c"}, room.Timeline().Events())

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Equal(t, []string{"", "s1", "s2"}, source.seen[:3], "each poll resumes from the last applied token")
}

func TestRunResumesFromGivenToken(t *testing.T) {
	source := &fakeSource{
		responses: []*api.SyncResponse{syncResponse("s10")},
		drained:   make(chan struct{}),
	}
	client := newTestClient(t, source, nil, RequiredCapabilities{}, "s9")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()
	<-source.drained
	cancel()
	<-done

	source.mu.Lock()
	defer source.mu.Unlock()
	require.NotEmpty(t, source.seen)
	assert.Equal(t, "s9", source.seen[0])
	assert.Equal(t, "s10", client.Since())
}

func TestRunContinuesAfterSyncFailure(t *testing.T) {
	source := &fakeSource{
		errs:      []error{errors.New("connection reset")},
		responses: []*api.SyncResponse{syncResponse("s1", msg("$a"))},
		drained:   make(chan struct{}),
	}
	client := newTestClient(t, source, nil, RequiredCapabilities{}, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	select {
	case <-source.drained:
	case <-time.After(10 * time.Second):
		t.Fatal("sync loop did not recover from the transport failure")
	}
	cancel()
	<-done

	assert.Equal(t, int64(1), client.BatchesApplied())
	assert.Equal(t, "s1", client.Since())

	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Equal(t, []string{"", ""}, source.seen[:2], "a failed poll does not advance the token")
}

func TestCapabilityCheckFailsFast(t *testing.T) {
	tests := []struct {
		name     string
		caps     api.Capabilities
		required RequiredCapabilities
		wantErr  bool
	}{
		{
			name:     "all present",
			caps:     api.Capabilities{Threads: true, ThreadedReceipts: true, StickyEvents: true},
			required: RequiredCapabilities{Threads: true, ThreadedReceipts: true, StickyEvents: true},
		},
		{
			name:     "missing threads",
			caps:     api.Capabilities{ThreadedReceipts: true, StickyEvents: true},
			required: RequiredCapabilities{Threads: true},
			wantErr:  true,
		},
		{
			name:     "missing sticky events",
			caps:     api.Capabilities{Threads: true, ThreadedReceipts: true},
			required: RequiredCapabilities{StickyEvents: true},
			wantErr:  true,
		},
		{
			name:     "nothing required",
			caps:     api.Capabilities{},
			required: RequiredCapabilities{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			caps := tt.caps
			source := &fakeSource{}
			client := newTestClient(t, source, &fakeCaps{caps: &caps}, tt.required, "")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- client.Run(ctx) }()

			if tt.wantErr {
				var unsupported *types.UnsupportedCapabilityError
				assert.ErrorAs(t, <-done, &unsupported)
				source.mu.Lock()
				assert.Empty(t, source.seen, "no sync call may happen without the capability")
				source.mu.Unlock()
				return
			}
			cancel()
			assert.ErrorIs(t, <-done, context.Canceled)
		})
	}
}

func TestCapabilityFetchErrorPropagates(t *testing.T) {
	wantErr := errors.New("gateway timeout")
	client := newTestClient(t, &fakeSource{}, &fakeCaps{err: wantErr}, RequiredCapabilities{Threads: true}, "")
	assert.ErrorIs(t, client.Run(context.Background()), wantErr)
}
