package pushstream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Notification Ingestion Store
// ============================================================================

// Channel names a notification stream. It matches the pushed event name.
type Channel string

const (
	ChannelMessage Channel = "message"
	ChannelNotice  Channel = "notice"
)

const (
	// MaxLiveItems bounds the live list.
	MaxLiveItems = 50
	// MaxDedupeSize bounds the last-seen read flag map. The map is cleared
	// wholesale once it reaches this size.
	MaxDedupeSize = 500
	// RefreshDebounce is the quiet period after the last ingest before the
	// authoritative count is fetched.
	RefreshDebounce = 400 * time.Millisecond

	refreshTimeout = 15 * time.Second
)

// ChannelSpec describes one channel's record layout.
type ChannelSpec struct {
	Channel Channel
	// IDField is the record field holding the identity.
	IDField string
	// Cache keeps every seen record addressable by id and tracks an active
	// record for detail views.
	Cache bool
}

var (
	MessageChannel = ChannelSpec{Channel: ChannelMessage, IDField: "messageId"}
	NoticeChannel  = ChannelSpec{Channel: ChannelNotice, IDField: "noticeId", Cache: true}
)

// UnreadFetcher reads authoritative unread counts.
type UnreadFetcher interface {
	FetchUnreadCount(ctx context.Context, ch Channel) (int, error)
}

// ListFetcher reads authoritative unread lists. Fetchers that also implement
// it let RefreshUnread replace the unread list.
type ListFetcher interface {
	FetchUnreadList(ctx context.Context, ch Channel) ([]Record, error)
}

// Store maintains one channel's unread counter and live list from pushed
// records, reconciling with the server through a debounced refresh.
type Store struct {
	spec    ChannelSpec
	fetcher UnreadFetcher
	clock   Clock
	log     zerolog.Logger

	mu         sync.Mutex
	unread     int
	live       []Record
	unreadList []Record
	readFlags  map[string]ReadStatus
	cache      map[string]Record
	active     Record

	refreshTimer Timer
	refreshSeq   uint64
	// epoch changes on Clear; refreshes started before it are discarded.
	epoch uint64

	hooksMu  sync.Mutex
	onChange []func(ch Channel, unread int)
}

// NewStore creates an empty store. fetcher may be nil, which disables
// authoritative refreshes.
func NewStore(spec ChannelSpec, fetcher UnreadFetcher, rt Runtime) *Store {
	rt = rt.withDefaults()
	return &Store{
		spec:      spec,
		fetcher:   fetcher,
		clock:     rt.Clock,
		log:       rt.logger("store").With().Str("channel", string(spec.Channel)).Logger(),
		readFlags: make(map[string]ReadStatus),
		cache:     make(map[string]Record),
	}
}

// Channel returns the channel this store serves.
func (s *Store) Channel() Channel { return s.spec.Channel }

// OnChange registers an observer called with the new count whenever the
// unread counter changes. Observers run synchronously, outside the lock.
func (s *Store) OnChange(h func(ch Channel, unread int)) {
	s.hooksMu.Lock()
	s.onChange = append(s.onChange, h)
	s.hooksMu.Unlock()
}

// Ingest applies a pushed record. Records without an id only trigger the
// debounced refresh.
func (s *Store) Ingest(r Record) {
	id := r.ID(s.spec.IDField)
	if id == "" {
		s.mu.Lock()
		s.scheduleRefreshLocked()
		s.mu.Unlock()
		return
	}

	flag, recognised := normalizeReadFlag(r["readFlag"])
	rec := r.clone()
	rec["readFlag"] = string(flag)

	s.mu.Lock()
	before := s.unread
	if s.spec.Cache {
		s.cache[id] = rec
	}
	s.upsertLocked(id, rec)
	if recognised && s.readFlags[id] != flag {
		if flag == Unread {
			s.unread++
		} else if s.unread > 0 {
			s.unread--
		}
		s.trackLocked(id, flag)
	}
	s.scheduleRefreshLocked()
	count := s.unread
	s.mu.Unlock()

	if count != before {
		s.notify(count)
	}
}

// MarkRead marks a live record as read locally, when the read happened
// outside the stream. Unknown or already-read ids are ignored.
func (s *Store) MarkRead(id string) {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx < 0 || s.live[idx].ReadFlag() == Read {
		s.mu.Unlock()
		return
	}
	rec := s.live[idx].clone()
	rec["readFlag"] = string(Read)
	s.live[idx] = rec
	before := s.unread
	if s.unread > 0 {
		s.unread--
	}
	s.trackLocked(id, Read)
	count := s.unread
	s.mu.Unlock()

	if count != before {
		s.notify(count)
	}
}

// RefreshUnreadCount replaces the counter with the server's count.
func (s *Store) RefreshUnreadCount(ctx context.Context) error {
	if s.fetcher == nil {
		return nil
	}
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	n, err := s.fetcher.FetchUnreadCount(ctx, s.spec.Channel)
	if err != nil {
		return fmt.Errorf("refresh %s unread count: %w", s.spec.Channel, err)
	}
	s.apply(epoch, n, nil, false)
	return nil
}

// RefreshUnread fetches the count and, when the fetcher supports it, the
// unread list concurrently and replaces both.
func (s *Store) RefreshUnread(ctx context.Context) error {
	if s.fetcher == nil {
		return nil
	}
	lister, hasList := s.fetcher.(ListFetcher)
	if !hasList {
		return s.RefreshUnreadCount(ctx)
	}
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	var (
		count int
		list  []Record
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := s.fetcher.FetchUnreadCount(gctx, s.spec.Channel)
		count = n
		return err
	})
	g.Go(func() error {
		l, err := lister.FetchUnreadList(gctx, s.spec.Channel)
		list = l
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("refresh %s unread: %w", s.spec.Channel, err)
	}
	s.apply(epoch, count, list, true)
	return nil
}

func (s *Store) apply(epoch uint64, count int, list []Record, withList bool) {
	if count < 0 {
		count = 0
	}
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		s.log.Debug().Msg("discarding refresh started before clear")
		return
	}
	before := s.unread
	s.unread = count
	if withList {
		s.unreadList = list
		if s.spec.Cache {
			for _, r := range list {
				if id := r.ID(s.spec.IDField); id != "" {
					s.cache[id] = r
				}
			}
		}
	}
	s.mu.Unlock()

	if count != before {
		s.notify(count)
	}
}

// Clear resets the store to its initial state and cancels a pending refresh.
// Observers are always notified so downstream totals reset.
func (s *Store) Clear() {
	s.mu.Lock()
	s.epoch++
	s.unread = 0
	s.live = nil
	s.unreadList = nil
	s.active = nil
	clear(s.readFlags)
	clear(s.cache)
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
		s.refreshTimer = nil
	}
	s.refreshSeq++
	s.mu.Unlock()

	s.notify(0)
}

// UnreadCount returns the current counter.
func (s *Store) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// LiveList returns a copy of the live list, most recent first.
func (s *Store) LiveList() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecords(s.live)
}

// UnreadList returns the unread list from the last RefreshUnread.
func (s *Store) UnreadList() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneRecords(s.unreadList)
}

// Cached returns the last seen record with the given id on caching channels.
func (s *Store) Cached(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.cache[id]
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// SetActive records the record being viewed and caches it.
func (s *Store) SetActive(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = r.clone()
	if id := r.ID(s.spec.IDField); id != "" && s.spec.Cache {
		s.cache[id] = s.active
	}
}

// Active returns the record passed to the last SetActive.
func (s *Store) Active() (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, false
	}
	return s.active.clone(), true
}

// ----------------------------------------------------------------------------
// Internals (s.mu held)
// ----------------------------------------------------------------------------

func (s *Store) indexLocked(id string) int {
	for i, r := range s.live {
		if r.ID(s.spec.IDField) == id {
			return i
		}
	}
	return -1
}

func (s *Store) upsertLocked(id string, rec Record) {
	if i := s.indexLocked(id); i >= 0 {
		s.live[i] = s.live[i].merge(rec)
		return
	}
	live := make([]Record, 0, min(len(s.live)+1, MaxLiveItems))
	live = append(live, rec)
	live = append(live, s.live...)
	if len(live) > MaxLiveItems {
		live = live[:MaxLiveItems]
	}
	s.live = live
}

func (s *Store) trackLocked(id string, flag ReadStatus) {
	if len(s.readFlags) >= MaxDedupeSize {
		clear(s.readFlags)
	}
	s.readFlags[id] = flag
}

func (s *Store) scheduleRefreshLocked() {
	if s.fetcher == nil {
		return
	}
	if s.refreshTimer != nil {
		s.refreshTimer.Stop()
	}
	s.refreshSeq++
	seq := s.refreshSeq
	s.refreshTimer = s.clock.AfterFunc(RefreshDebounce, func() { s.runRefresh(seq) })
}

func (s *Store) runRefresh(seq uint64) {
	s.mu.Lock()
	if seq != s.refreshSeq {
		s.mu.Unlock()
		return
	}
	s.refreshTimer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	if err := s.RefreshUnreadCount(ctx); err != nil {
		s.log.Debug().Err(err).Msg("debounced refresh failed")
	}
}

func (s *Store) notify(count int) {
	s.hooksMu.Lock()
	hooks := append([]func(Channel, int){}, s.onChange...)
	s.hooksMu.Unlock()
	for _, h := range hooks {
		h(s.spec.Channel, count)
	}
}

func cloneRecords(in []Record) []Record {
	if len(in) == 0 {
		return nil
	}
	out := make([]Record, len(in))
	for i, r := range in {
		out[i] = r.clone()
	}
	return out
}
