package pushstream_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/Prismer-AI/pushstream"
	"github.com/Prismer-AI/pushstream/pushstreamtest"
)

const testURL = "wss://push.example.com/ws"

// staticCreds always returns the same credential.
type staticCreds string

func (s staticCreds) CurrentValidCredential() string { return string(s) }
func (staticCreds) Refresh(context.Context) error { return pushstream.ErrRefreshUnavailable }
func (staticCreds) Invalidate() {}

// credFunc computes the credential on every read.
type credFunc func() string

func (f credFunc) CurrentValidCredential() string { return f() }
func (credFunc) Refresh(context.Context) error { return pushstream.ErrRefreshUnavailable }
func (credFunc) Invalidate() {}

type credMock struct {
	mock.Mock
}

func (m *credMock) CurrentValidCredential() string {
	return m.Called().String(0)
}

func (m *credMock) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *credMock) Invalidate() {
	m.Called()
}

type managerFixture struct {
	m      *pushstream.Manager
	dialer *pushstreamtest.FakeDialer
	clock  *pushstreamtest.FakeClock
}

func newManagerFixture(t *testing.T, creds pushstream.CredentialSource, dialer *pushstreamtest.FakeDialer, opts ...pushstream.Option) *managerFixture {
	t.Helper()
	if dialer == nil {
		dialer = pushstreamtest.NewFakeDialer()
	}
	cfg := pushstream.DefaultConfig()
	cfg.URL = testURL
	for _, opt := range opts {
		opt(&cfg)
	}
	clock := pushstreamtest.NewFakeClock()
	m := pushstream.NewManager(cfg, dialer, creds, nil, pushstream.Runtime{
		Clock: clock,
		Rand:  func() float64 { return 0 },
	})
	t.Cleanup(m.Shutdown)
	return &managerFixture{m: m, dialer: dialer, clock: clock}
}
