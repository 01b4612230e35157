package notifications

import (
	"context"
	"strconv"
	"sync"
	"time"

	"gizchat/internal/observability"

	"github.com/redis/go-redis/v9"
)

const (
	presenceOnlineSetKey  = "ws:online_users"
	presenceLastSeenNS    = "ws:last_seen:"
	defaultPresenceTTL    = 90 * time.Second
	defaultOfflineGrace   = 5 * time.Second
	defaultReaperInterval = 60 * time.Second
)

// ConnectionManagerConfig controls Redis presence and cleanup behavior.
type ConnectionManagerConfig struct {
	LastSeenTTL        time.Duration
	OfflineGracePeriod time.Duration
	ReaperInterval     time.Duration
	// OnUserOffline runs once the grace period after a user's last local
	// connection closes expires without a reconnect.
	OnUserOffline func(userID uint)
}

// ConnectionManager counts a user's local connections and mirrors presence in
// Redis (an online set plus a last-seen key with a TTL) so other processes
// can answer IsOnline too.
type ConnectionManager struct {
	rdb *redis.Client

	mu            sync.Mutex
	local         map[uint]int
	offlineTimers map[uint]*time.Timer

	lastSeenTTL   time.Duration
	offlineGrace  time.Duration
	onUserOffline func(userID uint)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewConnectionManager creates a manager and starts a Redis reaper when Redis
// is available.
func NewConnectionManager(rdb *redis.Client, cfg ConnectionManagerConfig) *ConnectionManager {
	m := &ConnectionManager{
		rdb:           rdb,
		local:         make(map[uint]int),
		offlineTimers: make(map[uint]*time.Timer),
		lastSeenTTL:   defaultPresenceTTL,
		offlineGrace:  defaultOfflineGrace,
		onUserOffline: cfg.OnUserOffline,
		stopCh:        make(chan struct{}),
	}
	if cfg.LastSeenTTL > 0 {
		m.lastSeenTTL = cfg.LastSeenTTL
	}
	if cfg.OfflineGracePeriod > 0 {
		m.offlineGrace = cfg.OfflineGracePeriod
	}
	interval := cfg.ReaperInterval
	if interval <= 0 {
		interval = defaultReaperInterval
	}
	if m.rdb != nil {
		go m.reaperLoop(interval)
	}
	return m
}

// Register records a new connection for userID.
func (m *ConnectionManager) Register(ctx context.Context, userID uint) {
	m.mu.Lock()
	if t, ok := m.offlineTimers[userID]; ok {
		t.Stop()
		delete(m.offlineTimers, userID)
	}
	m.local[userID]++
	m.mu.Unlock()

	m.Touch(ctx, userID)
}

// Touch refreshes the user's Redis presence.
func (m *ConnectionManager) Touch(ctx context.Context, userID uint) {
	if m.rdb == nil {
		return
	}
	uid := strconv.FormatUint(uint64(userID), 10)
	pipe := m.rdb.TxPipeline()
	pipe.SAdd(ctx, presenceOnlineSetKey, uid)
	pipe.SetEx(ctx, lastSeenKey(userID), strconv.FormatInt(time.Now().Unix(), 10), m.lastSeenTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		observability.GlobalLogger.WarnContext(ctx, "presence touch failed",
			"user_id", userID, "error", err)
	}
}

// Unregister drops one connection. When it was the user's last, the user goes
// offline after the grace period unless they reconnect first.
func (m *ConnectionManager) Unregister(_ context.Context, userID uint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.local[userID]
	if !ok {
		return
	}
	if n > 1 {
		m.local[userID] = n - 1
		return
	}
	delete(m.local, userID)

	if t, ok := m.offlineTimers[userID]; ok {
		t.Stop()
	}
	m.offlineTimers[userID] = time.AfterFunc(m.offlineGrace, func() {
		m.finalizeOffline(context.Background(), userID)
	})
}

// IsOnline reports whether the user has a live connection here or a fresh
// presence key in Redis.
func (m *ConnectionManager) IsOnline(ctx context.Context, userID uint) bool {
	m.mu.Lock()
	n := m.local[userID]
	m.mu.Unlock()
	if n > 0 {
		return true
	}
	if m.rdb == nil {
		return false
	}
	exists, err := m.rdb.Exists(ctx, lastSeenKey(userID)).Result()
	return err == nil && exists > 0
}

// Stop halts the reaper and any pending offline timers.
func (m *ConnectionManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.mu.Lock()
		for userID, t := range m.offlineTimers {
			t.Stop()
			delete(m.offlineTimers, userID)
		}
		m.mu.Unlock()
	})
}

func (m *ConnectionManager) finalizeOffline(ctx context.Context, userID uint) {
	m.mu.Lock()
	delete(m.offlineTimers, userID)
	reconnected := m.local[userID] > 0
	m.mu.Unlock()
	if reconnected {
		return
	}

	if m.rdb != nil {
		_ = m.rdb.SRem(ctx, presenceOnlineSetKey, strconv.FormatUint(uint64(userID), 10)).Err()
		_ = m.rdb.Del(ctx, lastSeenKey(userID)).Err()
	}
	if m.onUserOffline != nil {
		m.onUserOffline(userID)
	}
}

// reapOnce removes online-set entries whose last-seen key expired, e.g.
// after another process crashed.
func (m *ConnectionManager) reapOnce(ctx context.Context) int {
	members, err := m.rdb.SMembers(ctx, presenceOnlineSetKey).Result()
	if err != nil {
		return 0
	}
	reaped := 0
	for _, raw := range members {
		id, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			_ = m.rdb.SRem(ctx, presenceOnlineSetKey, raw).Err()
			continue
		}
		if n, err := m.rdb.Exists(ctx, lastSeenKey(uint(id))).Result(); err != nil || n > 0 {
			continue
		}
		_ = m.rdb.SRem(ctx, presenceOnlineSetKey, raw).Err()
		reaped++
	}
	return reaped
}

func (m *ConnectionManager) reaperLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapOnce(context.Background())
		}
	}
}

func lastSeenKey(userID uint) string {
	return presenceLastSeenNS + strconv.FormatUint(uint64(userID), 10)
}
