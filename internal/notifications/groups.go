package notifications

import (
	"context"
	"errors"
	"sync"

	"gizchat/internal/observability"
)

const (
	defaultMaxConnsPerGroup = 12
	defaultMaxTotalMembers  = 10000
)

var (
	ErrGroupFull  = errors.New("group connection limit reached")
	ErrServerFull = errors.New("server connection limit reached")
)

// GroupLayer is the group-messaging backend sessions talk to.
type GroupLayer interface {
	GroupAdd(ctx context.Context, group string, member Sink) error
	GroupDiscard(ctx context.Context, group string, member Sink) error
	GroupSend(ctx context.Context, group string, payload []byte) error
}

// GroupsConfig bounds membership. Zero values use the defaults.
type GroupsConfig struct {
	MaxConnsPerGroup int
	MaxTotalMembers  int
}

// Groups keeps local group membership and, once wired to a Notifier, fans
// sends out through Redis so members on other processes receive them too.
// Unwired, delivery is in-process only.
type Groups struct {
	mu          sync.RWMutex
	members     map[string]map[Sink]struct{}
	total       int
	maxPerGroup int
	maxTotal    int

	notifier *Notifier
	cancel   context.CancelFunc
	log      *observability.WSLogger
}

var _ GroupLayer = (*Groups)(nil)

func NewGroups(cfg GroupsConfig) *Groups {
	if cfg.MaxConnsPerGroup <= 0 {
		cfg.MaxConnsPerGroup = defaultMaxConnsPerGroup
	}
	if cfg.MaxTotalMembers <= 0 {
		cfg.MaxTotalMembers = defaultMaxTotalMembers
	}
	return &Groups{
		members:     make(map[string]map[Sink]struct{}),
		maxPerGroup: cfg.MaxConnsPerGroup,
		maxTotal:    cfg.MaxTotalMembers,
		log:         observability.NewWSLogger("chat groups"),
	}
}

// Name returns a human-readable identifier for this hub.
func (g *Groups) Name() string { return "chat groups" }

func (g *Groups) GroupAdd(_ context.Context, group string, member Sink) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[group]
	if ok {
		if _, exists := m[member]; exists {
			return nil
		}
	}
	if g.total >= g.maxTotal {
		return ErrServerFull
	}
	if len(m) >= g.maxPerGroup {
		return ErrGroupFull
	}
	if !ok {
		m = make(map[Sink]struct{})
		g.members[group] = m
	}
	m[member] = struct{}{}
	g.total++
	observability.GroupMembers.Inc()
	return nil
}

func (g *Groups) GroupDiscard(_ context.Context, group string, member Sink) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[group]
	if !ok {
		return nil
	}
	if _, exists := m[member]; !exists {
		return nil
	}
	delete(m, member)
	if len(m) == 0 {
		delete(g.members, group)
	}
	g.total--
	observability.GroupMembers.Dec()
	return nil
}

// GroupSend delivers payload to every member of group. When the Redis publish
// fails the payload still reaches local members and the error is returned.
func (g *Groups) GroupSend(ctx context.Context, group string, payload []byte) error {
	g.mu.RLock()
	notifier := g.notifier
	g.mu.RUnlock()

	if notifier == nil {
		g.deliverLocal(group, payload)
		return nil
	}
	if err := notifier.PublishGroup(ctx, group, payload); err != nil {
		observability.GroupPublishErrors.Inc()
		g.deliverLocal(group, payload)
		return err
	}
	return nil
}

// Size returns the number of local members of group.
func (g *Groups) Size(group string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members[group])
}

func (g *Groups) deliverLocal(group string, payload []byte) {
	g.mu.RLock()
	sinks := make([]Sink, 0, len(g.members[group]))
	for s := range g.members[group] {
		sinks = append(sinks, s)
	}
	g.mu.RUnlock()

	for _, s := range sinks {
		// Failed sinks are closing or saturated; their own pumps clean up.
		_ = s.Deliver(payload)
	}
}

// StartWiring subscribes to Redis group channels and switches GroupSend to
// publish. Without Redis it leaves the groups in local mode.
func (g *Groups) StartWiring(ctx context.Context, n *Notifier) error {
	if !n.Enabled() {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	if err := n.StartGroupSubscriber(ctx, g.deliverLocal); err != nil {
		cancel()
		return err
	}

	g.mu.Lock()
	g.notifier = n
	g.cancel = cancel
	g.mu.Unlock()
	g.log.LogLifecycle(ctx, "wired", map[string]interface{}{"channel": GroupChannel("*")})
	return nil
}

// Shutdown stops the Redis subscription and drops all local members.
// Members that can be closed (such as *Client) are closed so their
// connections end.
func (g *Groups) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	g.notifier = nil
	var closers []interface{ Close() }
	for _, set := range g.members {
		for member := range set {
			if c, ok := member.(interface{ Close() }); ok {
				closers = append(closers, c)
			}
		}
	}
	observability.GroupMembers.Sub(float64(g.total))
	g.members = make(map[string]map[Sink]struct{})
	g.total = 0
	g.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
	g.log.LogLifecycle(ctx, "shutdown", map[string]interface{}{"closed": len(closers)})
	return nil
}
