// Package pushstream keeps a client's real-time notification stream alive and
// turns pushed records into de-duplicated unread counters for a UI badge.
//
// Example:
//
//	tokens := pushstream.NewTokenStore(nil)
//	api := pushstream.NewClient("https://api.example.com", pushstream.WithCredentials(tokens))
//	p := pushstream.New(pushstream.ConfigFromEnv(os.Getenv), pushstream.Deps{
//		Credentials: tokens,
//		Fetcher:     api,
//		BadgeSink:   sink,
//		Tabs:        pushstream.RouteTabs("pages/index/index", "pages/message/message"),
//	})
//	p.Init()
//	defer p.Shutdown()
//
//	tokens.Set(pushstream.TokenInfo{Token: jwt})
//	p.SetLoggedIn(ctx, true)
package pushstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Pipeline
// ============================================================================

// Deps are the external collaborators of a Pipeline. Every field is optional.
type Deps struct {
	Credentials CredentialSource
	Fetcher     UnreadFetcher
	// Dialer defaults to a WebSocketDialer.
	Dialer     Dialer
	BadgeSink  BadgeSink
	Tabs       TabResolver
	BadgeRoute string
	Runtime    Runtime
}

// invalidationNotifier is implemented by credential sources that can report
// when their credential is discarded, such as TokenStore.
type invalidationNotifier interface {
	OnInvalidate(h func())
}

// Pipeline wires the connection manager, router, channel stores and badge
// into one unit with an explicit lifecycle.
type Pipeline struct {
	Manager  *Manager
	Router   *Router
	Messages *Store
	Notices  *Store
	Badge    *Badge

	creds CredentialSource
	log   zerolog.Logger

	mu          sync.Mutex
	initialized bool
	unsubscribe []func()
}

// New builds a pipeline. Nothing connects until Init and SetLoggedIn.
func New(cfg Config, deps Deps) *Pipeline {
	rt := deps.Runtime.withDefaults()
	dialer := deps.Dialer
	if dialer == nil {
		dialer = &WebSocketDialer{}
	}
	router := NewRouter(*rt.Logger)
	return &Pipeline{
		Manager:  NewManager(cfg, dialer, deps.Credentials, router, rt),
		Router:   router,
		Messages: NewStore(MessageChannel, deps.Fetcher, rt),
		Notices:  NewStore(NoticeChannel, deps.Fetcher, rt),
		Badge:    NewBadge(deps.BadgeSink, deps.Tabs, deps.BadgeRoute, rt),
		creds:    deps.Credentials,
		log:      rt.logger("pipeline"),
	}
}

// Init subscribes the stores to their events and the badge to the stores.
// Calling it again has no effect.
func (p *Pipeline) Init() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initialized {
		return
	}
	p.initialized = true

	for _, s := range p.Stores() {
		p.unsubscribe = append(p.unsubscribe, p.Router.Subscribe(Event(s.Channel()), ingestHandler(s)))
		p.Badge.Track(s)
	}
	if n, ok := p.creds.(invalidationNotifier); ok {
		n.OnInvalidate(p.clearStores)
	}
	p.log.Debug().Msg("pipeline initialised")
}

func ingestHandler(s *Store) Handler {
	return func(data json.RawMessage, _ Frame) {
		rec, ok := DecodeRecord(data)
		if !ok {
			return
		}
		s.Ingest(rec)
	}
}

// Stores returns the channel stores in a fixed order.
func (p *Pipeline) Stores() []*Store {
	return []*Store{p.Messages, p.Notices}
}

// Store returns the store serving ch, or nil.
func (p *Pipeline) Store(ch Channel) *Store {
	for _, s := range p.Stores() {
		if s.Channel() == ch {
			return s
		}
	}
	return nil
}

// SetLoggedIn follows the application's login state. Logging out clears
// every channel; the stream connects on login and disconnects on logout
// unless it is disabled.
func (p *Pipeline) SetLoggedIn(ctx context.Context, loggedIn bool) {
	if !loggedIn {
		p.clearStores()
	}
	if !p.Manager.Config().Enabled {
		return
	}
	if loggedIn {
		p.Manager.Connect(ctx)
	} else {
		p.Manager.Disconnect()
	}
}

// RefreshUnread refreshes every channel's count and unread list concurrently.
func (p *Pipeline) RefreshUnread(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range p.Stores() {
		s := s
		g.Go(func() error { return s.RefreshUnread(gctx) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh unread: %w", err)
	}
	return nil
}

// Shutdown closes the stream and detaches the stores. Store contents are kept.
func (p *Pipeline) Shutdown() {
	p.Manager.Shutdown()
	p.mu.Lock()
	unsub := p.unsubscribe
	p.unsubscribe = nil
	p.mu.Unlock()
	for _, u := range unsub {
		u()
	}
	p.log.Debug().Msg("pipeline shut down")
}

func (p *Pipeline) clearStores() {
	for _, s := range p.Stores() {
		s.Clear()
	}
}
