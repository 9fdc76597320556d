package pushstream_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/pushstream"
	"github.com/Prismer-AI/pushstream/pushstreamtest"
)

type pipelineFixture struct {
	p       *pushstream.Pipeline
	dialer  *pushstreamtest.FakeDialer
	clock   *pushstreamtest.FakeClock
	fetcher *fakeFetcher
	sink    *recordingSink
}

func newPipelineFixture(t *testing.T, creds pushstream.CredentialSource, opts ...pushstream.Option) *pipelineFixture {
	t.Helper()
	cfg := pushstream.DefaultConfig()
	cfg.URL = testURL
	for _, opt := range opts {
		opt(&cfg)
	}
	f := &pipelineFixture{
		dialer:  pushstreamtest.NewFakeDialer(),
		clock:   pushstreamtest.NewFakeClock(),
		fetcher: newFakeFetcher(),
		sink:    &recordingSink{},
	}
	f.p = pushstream.New(cfg, pushstream.Deps{
		Credentials: creds,
		Fetcher:     f.fetcher,
		Dialer:      f.dialer,
		BadgeSink:   f.sink,
		Tabs:        testTabs,
		Runtime:     pushstream.Runtime{Clock: f.clock, Rand: func() float64 { return 0 }},
	})
	f.p.Init()
	t.Cleanup(f.p.Shutdown)
	return f
}

func TestPipelineRoutesFramesToStores(t *testing.T) {
	f := newPipelineFixture(t, staticCreds("tok"))
	f.p.SetLoggedIn(context.Background(), true)
	conn := f.dialer.Last()
	require.NotNil(t, conn)

	conn.Deliver(`{"event":"message","data":{"messageId":1,"readFlag":"0"}}`)
	conn.Deliver(`{"event":"message","data":{"messageId":1,"readFlag":"0"}}`)
	conn.Deliver([]byte(`{"event":"notice","data":{"noticeId":"n-1","readFlag":0}}`))

	assert.Equal(t, 1, f.p.Messages.UnreadCount())
	assert.Equal(t, 1, f.p.Notices.UnreadCount())
	got, ok := f.sink.last()
	require.True(t, ok)
	assert.Equal(t, badgeCall{tab: 1, count: 2}, got)
	assert.Same(t, f.p.Notices, f.p.Store(pushstream.ChannelNotice))
	assert.Nil(t, f.p.Store("chat"))
}

func TestPipelineIgnoresNonObjectData(t *testing.T) {
	f := newPipelineFixture(t, staticCreds("tok"))
	f.p.SetLoggedIn(context.Background(), true)
	conn := f.dialer.Last()

	assert.NotPanics(t, func() {
		conn.Deliver(`{"event":"message","data":null}`)
		conn.Deliver(`{"event":"message"}`)
		conn.Deliver(`{"event":"notice","data":5}`)
		conn.Deliver(`{"event":"notice","data":[{"noticeId":1}]}`)
	})
	assert.Equal(t, 0, f.p.Messages.UnreadCount())
	assert.Equal(t, 0, f.p.Notices.UnreadCount())
	assert.Empty(t, f.clock.Pending())
}

func TestPipelineLogoutClearsAndDisconnects(t *testing.T) {
	f := newPipelineFixture(t, staticCreds("tok"))
	f.p.SetLoggedIn(context.Background(), true)
	f.dialer.Last().Deliver(`{"event":"message","data":{"messageId":1,"readFlag":"0"}}`)
	require.Equal(t, 1, f.p.Badge.Total())

	f.p.SetLoggedIn(context.Background(), false)

	assert.Equal(t, 0, f.p.Messages.UnreadCount())
	assert.Empty(t, f.p.Messages.LiveList())
	assert.Equal(t, pushstream.StateClosed, f.p.Manager.State())
	assert.Equal(t, 0, f.dialer.Live())
	got, _ := f.sink.last()
	assert.Equal(t, badgeCall{tab: 1, count: 0}, got)
}

func TestPipelineDisabledStillClearsOnLogout(t *testing.T) {
	f := newPipelineFixture(t, staticCreds("tok"), pushstream.WithEnabled(false))
	f.p.SetLoggedIn(context.Background(), true)
	assert.Empty(t, f.dialer.URLs())

	f.p.Messages.Ingest(pushstream.Record{"messageId": 1, "readFlag": "0"})
	f.p.SetLoggedIn(context.Background(), false)
	assert.Equal(t, 0, f.p.Messages.UnreadCount())
	assert.Equal(t, pushstream.StateIdle, f.p.Manager.State())
}

func TestPipelineCredentialInvalidationClearsStores(t *testing.T) {
	tokens := pushstream.NewTokenStore(nil)
	tokens.Set(pushstream.TokenInfo{Token: "tok"})
	f := newPipelineFixture(t, tokens)
	f.p.SetLoggedIn(context.Background(), true)
	f.dialer.Last().Deliver(`{"event":"notice","data":{"noticeId":1,"readFlag":"0"}}`)
	require.Equal(t, 1, f.p.Notices.UnreadCount())

	tokens.Invalidate()

	assert.Equal(t, 0, f.p.Notices.UnreadCount())
	assert.Equal(t, 0, f.p.Badge.Total())
}

func TestPipelineRefreshUnread(t *testing.T) {
	f := newPipelineFixture(t, staticCreds("tok"))
	f.fetcher.setCount(pushstream.ChannelMessage, 3)
	f.fetcher.setCount(pushstream.ChannelNotice, 4)
	f.fetcher.lists[pushstream.ChannelNotice] = []pushstream.Record{{"noticeId": 1}}

	require.NoError(t, f.p.RefreshUnread(context.Background()))

	assert.Equal(t, 3, f.p.Messages.UnreadCount())
	assert.Equal(t, 4, f.p.Notices.UnreadCount())
	assert.Len(t, f.p.Notices.UnreadList(), 1)
	assert.Equal(t, 7, f.p.Badge.Total())
}

func TestPipelineInitIsIdempotentAndShutdownDetaches(t *testing.T) {
	f := newPipelineFixture(t, staticCreds("tok"))
	f.p.Init()
	assert.Equal(t, 1, f.p.Router.HandlerCount(pushstream.EventMessage))
	assert.Equal(t, 1, f.p.Router.HandlerCount(pushstream.EventNotice))

	f.p.Shutdown()
	assert.Equal(t, 0, f.p.Router.HandlerCount(pushstream.EventMessage))
	assert.Equal(t, 0, f.p.Router.HandlerCount(pushstream.EventNotice))
}
