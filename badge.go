package pushstream

import (
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// ============================================================================
// Badge Aggregator
// ============================================================================

// DefaultBadgeRoute is the route whose tab shows the unread badge.
const DefaultBadgeRoute = "pages/message/message"

// BadgeSink displays an unread count on a tab.
type BadgeSink interface {
	SetBadge(tab, count int)
}

// BadgeSinkFunc adapts a function to BadgeSink.
type BadgeSinkFunc func(tab, count int)

// SetBadge implements BadgeSink.
func (f BadgeSinkFunc) SetBadge(tab, count int) { f(tab, count) }

// TabResolver finds the tab index of a route. ok is false when the route has
// no tab.
type TabResolver func(route string) (tab int, ok bool)

// RouteTabs resolves routes against an ordered tab list. Leading slashes are
// ignored on both sides.
func RouteTabs(routes ...string) TabResolver {
	return func(route string) (int, bool) {
		want := strings.TrimPrefix(route, "/")
		for i, r := range routes {
			if strings.TrimPrefix(r, "/") == want {
				return i, true
			}
		}
		return -1, false
	}
}

// Counter is a source of unread counts, usually a Store.
type Counter interface {
	UnreadCount() int
	OnChange(h func(ch Channel, unread int))
}

// Badge pushes the combined unread count of its tracked counters to a sink.
type Badge struct {
	sink    BadgeSink
	resolve TabResolver
	route   string
	log     zerolog.Logger

	// mu serialises recompute so the sink always ends on the latest total.
	mu       sync.Mutex
	counters []Counter
	last     int
}

// NewBadge creates an aggregator. An empty route uses DefaultBadgeRoute.
// A nil sink or resolver makes every push a no-op.
func NewBadge(sink BadgeSink, resolve TabResolver, route string, rt Runtime) *Badge {
	rt = rt.withDefaults()
	if route == "" {
		route = DefaultBadgeRoute
	}
	return &Badge{
		sink:    sink,
		resolve: resolve,
		route:   route,
		log:     rt.logger("badge"),
	}
}

// Track adds c to the total and recomputes whenever it changes.
func (b *Badge) Track(c Counter) {
	b.mu.Lock()
	b.counters = append(b.counters, c)
	b.mu.Unlock()
	c.OnChange(func(Channel, int) { b.Recompute() })
	b.Recompute()
}

// Total returns the last pushed total.
func (b *Badge) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}

// Recompute sums the tracked counters and pushes the total.
func (b *Badge) Recompute() {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for _, c := range b.counters {
		total += c.UnreadCount()
	}
	if total < 0 {
		total = 0
	}
	b.last = total
	if b.sink == nil || b.resolve == nil {
		return
	}
	tab, ok := b.resolve(b.route)
	if !ok || tab < 0 {
		b.log.Debug().Str("route", b.route).Msg("no tab for badge route")
		return
	}
	b.sink.SetBadge(tab, total)
}
