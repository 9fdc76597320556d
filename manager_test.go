package pushstream_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Prismer-AI/pushstream"
	"github.com/Prismer-AI/pushstream/pushstreamtest"
)

func topicsOf(t *testing.T, raw string) string {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Query().Get("topics")
}

// ============================================================================
// Connect / lifecycle
// ============================================================================

func TestManagerConnectOpens(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)

	f.m.Connect(context.Background())

	assert.Equal(t, pushstream.StateOpen, f.m.State())
	assert.Equal(t, []string{testURL + "?token=tok"}, f.dialer.URLs())
	assert.Equal(t, 1, f.dialer.Live())
}

func TestManagerConnectIsIdempotent(t *testing.T) {
	d := pushstreamtest.NewFakeDialer()
	d.ManualOpen = true
	f := newManagerFixture(t, staticCreds("tok"), d)

	f.m.Connect(context.Background())
	assert.Equal(t, pushstream.StateConnecting, f.m.State())
	f.m.Connect(context.Background())
	assert.Len(t, d.URLs(), 1)

	d.Last().Open()
	f.m.Connect(context.Background())
	assert.Equal(t, pushstream.StateOpen, f.m.State())
	assert.Len(t, d.URLs(), 1)
	assert.Equal(t, 1, d.Live())
}

func TestManagerDisabled(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil, pushstream.WithEnabled(false))
	f.m.Connect(context.Background())
	assert.Equal(t, pushstream.StateDisabled, f.m.State())
	assert.Empty(t, f.dialer.URLs())
}

func TestManagerMissingURLDisables(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil, pushstream.WithURL(""))
	f.m.Connect(context.Background())
	assert.Equal(t, pushstream.StateDisabled, f.m.State())
	assert.Empty(t, f.dialer.URLs())
	assert.Empty(t, f.clock.Pending())
}

func TestManagerNoCredentialStaysIdle(t *testing.T) {
	f := newManagerFixture(t, staticCreds(""), nil)
	f.m.Connect(context.Background())
	assert.Equal(t, pushstream.StateIdle, f.m.State())
	assert.Empty(t, f.dialer.URLs())
	assert.Empty(t, f.clock.Pending())
}

func TestManagerNilCredentialSourceStaysIdle(t *testing.T) {
	f := newManagerFixture(t, nil, nil)
	f.m.Connect(context.Background())
	assert.Equal(t, pushstream.StateIdle, f.m.State())
}

func TestManagerDisconnectSuppressesReconnect(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	f.m.Connect(context.Background())

	f.m.Disconnect()
	assert.Equal(t, pushstream.StateClosed, f.m.State())
	assert.Equal(t, 0, f.dialer.Live())
	assert.Empty(t, f.clock.Pending())

	f.clock.Advance(time.Minute)
	assert.Len(t, f.dialer.URLs(), 1)

	f.m.Connect(context.Background())
	assert.Equal(t, pushstream.StateOpen, f.m.State())
	assert.Equal(t, 1, f.dialer.Live())
}

func TestManagerShutdown(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	f.m.Connect(context.Background())
	f.m.Shutdown()
	assert.Equal(t, 0, f.dialer.Live())

	f.m.Connect(context.Background())
	assert.Len(t, f.dialer.URLs(), 1)
}

// ============================================================================
// Reconnect & backoff
// ============================================================================

func TestManagerBackoffScenario(t *testing.T) {
	d := pushstreamtest.NewFakeDialer()
	d.FailAlways(errors.New("network down"))
	f := newManagerFixture(t, staticCreds("tok"), d,
		pushstream.WithMaxRetries(3),
		pushstream.WithBackoff(time.Second, 30*time.Second))

	f.m.Connect(context.Background())
	assert.Equal(t, pushstream.StateError, f.m.State())
	assert.Equal(t, []time.Duration{time.Second}, f.clock.Pending())

	f.clock.Advance(time.Second)
	assert.Equal(t, []time.Duration{2 * time.Second}, f.clock.Pending())

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, []time.Duration{4 * time.Second}, f.clock.Pending())

	f.clock.Advance(4 * time.Second)
	assert.Empty(t, f.clock.Pending())
	assert.Equal(t, pushstream.StateError, f.m.State())

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, f.clock.Scheduled())
	assert.Len(t, d.URLs(), 4)
}

func TestManagerReconnectsAfterServerClose(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	f.m.Connect(context.Background())
	first := f.dialer.Last()

	first.ServerClose(1001, "going away")
	assert.Equal(t, pushstream.StateClosed, f.m.State())
	assert.Equal(t, []time.Duration{time.Second}, f.clock.Pending())
	assert.Equal(t, 1, f.m.RetryCount())

	f.clock.Advance(time.Second)
	assert.Equal(t, pushstream.StateOpen, f.m.State())
	assert.NotSame(t, first, f.dialer.Last())
	assert.Equal(t, 1, f.dialer.Live())
	assert.Equal(t, 0, f.m.RetryCount())
}

func TestManagerErrorThenCloseSchedulesOnce(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	f.m.Connect(context.Background())

	f.dialer.Last().Fail(errors.New("reset by peer"))
	assert.Len(t, f.clock.Pending(), 1)
	assert.Equal(t, 1, f.m.RetryCount())
}

func TestManagerZeroMaxRetriesNeverReconnects(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil, pushstream.WithMaxRetries(0))
	f.m.Connect(context.Background())
	f.dialer.Last().ServerClose(1006, "")
	assert.Empty(t, f.clock.Pending())
}

func TestManagerOnReconnecting(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	got := make(chan int, 1)
	f.m.OnReconnecting(func(attempt int, delay time.Duration) {
		assert.Equal(t, time.Second, delay)
		got <- attempt
	})
	f.m.Connect(context.Background())
	f.dialer.Last().ServerClose(1006, "")

	select {
	case attempt := <-got:
		assert.Equal(t, 1, attempt)
	case <-time.After(time.Second):
		t.Fatal("reconnect observer not called")
	}
}

// ============================================================================
// Topics
// ============================================================================

func TestManagerSetTopicsNormalizes(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	f.m.SetTopics("a", "b", "")
	assert.Equal(t, "a,b", f.m.Topics())
	assert.Empty(t, f.dialer.URLs())

	f.m.Connect(context.Background())
	require.Len(t, f.dialer.URLs(), 1)
	assert.Equal(t, "a,b", topicsOf(t, f.dialer.URLs()[0]))
}

func TestManagerSetTopicsWhileOpenReconnects(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	f.m.SetTopics("a")
	f.m.Connect(context.Background())
	first := f.dialer.Last()

	f.m.SetTopics("b")

	assert.True(t, first.Closed())
	assert.Equal(t, pushstream.StateOpen, f.m.State())
	assert.Equal(t, 1, f.dialer.Live())
	urls := f.dialer.URLs()
	require.Len(t, urls, 2)
	assert.Equal(t, "b", topicsOf(t, urls[1]))
}

func TestManagerSetSameTopicsWhileOpenIsNoop(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	f.m.SetTopics("a", "b")
	f.m.Connect(context.Background())

	f.m.SetTopics(" a , b ", "b")
	f.m.SetTopics("a,b")
	assert.Len(t, f.dialer.URLs(), 1)
}

func TestManagerSetTopicsDuringCredentialResolution(t *testing.T) {
	var m *pushstream.Manager
	creds := credFunc(func() string {
		m.SetTopics("late")
		return "tok"
	})
	f := newManagerFixture(t, creds, nil)
	m = f.m
	m.SetTopics("early")

	m.Connect(context.Background())

	urls := f.dialer.URLs()
	require.Len(t, urls, 1)
	assert.Equal(t, "late", topicsOf(t, urls[0]))
	assert.Equal(t, pushstream.StateOpen, m.State())
	assert.Equal(t, 1, f.dialer.Live())
}

func TestManagerSetTopicsDuringDialReopensOnOpen(t *testing.T) {
	d := pushstreamtest.NewFakeDialer()
	d.ManualOpen = true
	f := newManagerFixture(t, staticCreds("tok"), d)
	f.m.SetTopics("a")
	f.m.Connect(context.Background())
	first := d.Last()

	f.m.SetTopics("b")
	assert.Len(t, d.URLs(), 1)

	first.Open()
	assert.True(t, first.Closed())
	urls := d.URLs()
	require.Len(t, urls, 2)
	assert.Equal(t, "b", topicsOf(t, urls[1]))

	d.Last().Open()
	assert.Equal(t, pushstream.StateOpen, f.m.State())
	assert.Equal(t, 1, d.Live())
}

func TestManagerConnectWhileClosingCoalesces(t *testing.T) {
	d := pushstreamtest.NewFakeDialer()
	d.DeferClose = true
	f := newManagerFixture(t, staticCreds("tok"), d)
	f.m.SetTopics("a")
	f.m.Connect(context.Background())
	first := d.Last()

	f.m.SetTopics("b")
	assert.Equal(t, pushstream.StateClosed, f.m.State())
	f.m.Connect(context.Background())
	f.m.Connect(context.Background())
	assert.Len(t, d.URLs(), 1)

	first.CompleteClose()
	urls := d.URLs()
	require.Len(t, urls, 2)
	assert.Equal(t, "b", topicsOf(t, urls[1]))
	assert.Equal(t, pushstream.StateOpen, f.m.State())
}

func TestManagerDisconnectWhileClosingCancelsReconnect(t *testing.T) {
	d := pushstreamtest.NewFakeDialer()
	d.DeferClose = true
	f := newManagerFixture(t, staticCreds("tok"), d)
	f.m.SetTopics("a")
	f.m.Connect(context.Background())
	first := d.Last()

	f.m.SetTopics("b")
	f.m.Disconnect()
	first.CompleteClose()

	assert.Len(t, d.URLs(), 1)
	assert.Equal(t, pushstream.StateClosed, f.m.State())
}

func TestManagerEmptyTopicsDisconnects(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	f.m.SetTopics("a")
	f.m.Connect(context.Background())

	f.m.SetTopics()
	assert.Equal(t, pushstream.StateClosed, f.m.State())
	assert.Equal(t, 0, f.dialer.Live())
	assert.Empty(t, f.clock.Pending())
}

func TestManagerAtMostOneLiveConnection(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	f.m.Connect(context.Background())
	for i := 0; i < 20; i++ {
		f.m.SetTopics(fmt.Sprintf("t%d", i))
		require.LessOrEqual(t, f.dialer.Live(), 1)
	}
	assert.Equal(t, pushstream.StateOpen, f.m.State())
	assert.Equal(t, "t19", topicsOf(t, f.dialer.Last().URL))
}

func TestManagerDisconnectDuringDialDiscardsConn(t *testing.T) {
	d := pushstreamtest.NewFakeDialer()
	f := newManagerFixture(t, staticCreds("tok"), d)
	once := false
	d.BeforeDial = func(string) {
		if !once {
			once = true
			f.m.Disconnect()
		}
	}

	f.m.Connect(context.Background())
	assert.Equal(t, pushstream.StateClosed, f.m.State())
	assert.Equal(t, 0, d.Live())
	assert.Empty(t, f.clock.Pending())
}

// ============================================================================
// Configure
// ============================================================================

func TestManagerConfigureDisable(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	f.m.Connect(context.Background())

	f.m.Configure(pushstream.WithEnabled(false))
	assert.Equal(t, pushstream.StateDisabled, f.m.State())
	assert.Equal(t, 0, f.dialer.Live())

	f.m.Connect(context.Background())
	assert.Len(t, f.dialer.URLs(), 1)

	f.m.SetTopics("x")
	assert.Equal(t, "x", f.m.Topics())
	assert.Len(t, f.dialer.URLs(), 1)

	f.m.Configure(pushstream.WithEnabled(true))
	f.m.Connect(context.Background())
	assert.Equal(t, pushstream.StateOpen, f.m.State())
	assert.Equal(t, "x", topicsOf(t, f.dialer.Last().URL))
}

// ============================================================================
// Credentials
// ============================================================================

func TestManagerCredentialRefreshFailureStopsReconnecting(t *testing.T) {
	creds := &credMock{}
	creds.On("CurrentValidCredential").Return("")
	creds.On("Refresh", mock.Anything).Return(errors.New("refresh token expired"))
	creds.On("Invalidate").Return().Once()
	f := newManagerFixture(t, creds, nil, pushstream.WithCredentialRefresh(true))

	f.m.Connect(context.Background())

	assert.Equal(t, pushstream.StateIdle, f.m.State())
	assert.Empty(t, f.dialer.URLs())
	assert.Empty(t, f.clock.Pending())
	creds.AssertExpectations(t)
}

func TestManagerCredentialRefreshSuccess(t *testing.T) {
	creds := &credMock{}
	creds.On("CurrentValidCredential").Return("").Once()
	creds.On("Refresh", mock.Anything).Return(nil).Once()
	creds.On("CurrentValidCredential").Return("fresh")
	f := newManagerFixture(t, creds, nil, pushstream.WithCredentialRefresh(true))

	f.m.Connect(context.Background())

	assert.Equal(t, pushstream.StateOpen, f.m.State())
	assert.Equal(t, []string{testURL + "?token=fresh"}, f.dialer.URLs())
	creds.AssertNotCalled(t, "Invalidate")
}

func TestManagerWithoutRefreshSupportDoesNotRefresh(t *testing.T) {
	creds := &credMock{}
	creds.On("CurrentValidCredential").Return("")
	f := newManagerFixture(t, creds, nil)

	f.m.Connect(context.Background())

	assert.Equal(t, pushstream.StateIdle, f.m.State())
	creds.AssertNotCalled(t, "Refresh", mock.Anything)
	creds.AssertNotCalled(t, "Invalidate")
}

// ============================================================================
// Inbound frames
// ============================================================================

func TestManagerDispatchesFrames(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	var got []string
	f.m.Router().Subscribe(pushstream.EventMessage, func(data json.RawMessage, _ pushstream.Frame) {
		got = append(got, string(data))
	})
	f.m.Connect(context.Background())
	conn := f.dialer.Last()

	conn.Deliver(`{"event":"message","data":{"messageId":1}}`)
	conn.Deliver([]byte(`{"event":"message","data":{"messageId":2}}`))
	conn.Deliver(`{"event":"heartbeat"}`)

	assert.Equal(t, []string{`{"messageId":1}`, `{"messageId":2}`}, got)
}

func TestManagerDropsMalformedBinaryPayload(t *testing.T) {
	f := newManagerFixture(t, staticCreds("tok"), nil)
	f.m.Connect(context.Background())
	conn := f.dialer.Last()

	assert.NotPanics(t, func() {
		conn.Deliver([]byte{0xff, 0xfe, 0xfd})
		conn.Deliver([]byte("not json"))
	})
	assert.Equal(t, pushstream.StateOpen, f.m.State())
	assert.Equal(t, 1, f.dialer.Live())
}
