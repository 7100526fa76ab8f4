// Package broadcast fans events out to every connection joined to a region.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/festival/regionchat/internal/metrics"
	"github.com/festival/regionchat/internal/protocol"
	"github.com/festival/regionchat/internal/registry"
)

// Engine delivers events to the connections of a region. Broadcasts to the
// same region are serialized, so every connection observes them in the
// order they were issued. A connection that cannot accept a frame is pruned
// from the registry and closed.
type Engine struct {
	reg *registry.Registry
	log *zap.Logger

	mu    sync.Mutex
	locks map[string]*regionLock

	onPrune func(registry.Session)
}

// NewEngine creates a broadcast engine over reg.
func NewEngine(reg *registry.Registry, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		reg:   reg,
		log:   logger.Named("broadcast"),
		locks: make(map[string]*regionLock),
	}
}

// OnPrune registers a hook called with the final session of every pruned
// connection. It must be set before the engine is used.
func (e *Engine) OnPrune(fn func(registry.Session)) {
	e.onPrune = fn
}

// regionLock serializes deliveries to one region. It lives in Engine.locks
// only while some delivery holds or waits for it.
type regionLock struct {
	sync.Mutex
	refs int
}

func (e *Engine) lockRegion(region string) *regionLock {
	e.mu.Lock()
	l, ok := e.locks[region]
	if !ok {
		l = &regionLock{}
		e.locks[region] = l
	}
	l.refs++
	e.mu.Unlock()

	l.Lock()
	return l
}

func (e *Engine) unlockRegion(region string, l *regionLock) {
	l.Unlock()

	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.locks, region)
	}
	e.mu.Unlock()
}

// lockCount is the number of regions with a delivery in flight.
func (e *Engine) lockCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.locks)
}

// Broadcast encodes ev once and delivers it to region. It returns the number
// of connections the frame was queued to.
func (e *Engine) Broadcast(region string, ev protocol.Event) int {
	data, err := ev.Encode()
	if err != nil {
		e.log.Error("encode event", zap.String("type", ev.Type), zap.Error(err))
		return 0
	}
	return e.BroadcastRaw(region, data)
}

// BroadcastRaw delivers an already encoded frame to region.
func (e *Engine) BroadcastRaw(region string, data []byte) int {
	if region == "" {
		return 0
	}
	delivered, dead := e.deliver(region, func([]registry.Conn) []byte { return data })
	e.prune(region, dead)
	return delivered
}

// BroadcastPresence sends the region's current USER_COUNT to every
// connection in it. The count is taken from the same snapshot the event is
// delivered to.
func (e *Engine) BroadcastPresence(region string) {
	if region == "" {
		return
	}
	_, dead := e.deliver(region, func(conns []registry.Conn) []byte {
		n := len(conns)
		metrics.SetRegionPresence(region, n)
		data, err := protocol.Event{
			Type:    protocol.TypeUserCount,
			Payload: protocol.UserCountEvent{Region: region, Count: n},
		}.Encode()
		if err != nil {
			e.log.Error("encode user count", zap.String("region", region), zap.Error(err))
			return nil
		}
		return data
	})
	e.prune(region, dead)
}

// deliver takes the region snapshot and queues the frame produced by build
// to each connection while holding the region's lock. Sends are non-blocking,
// so the lock is never held across network I/O.
func (e *Engine) deliver(region string, build func([]registry.Conn) []byte) (int, []registry.Conn) {
	l := e.lockRegion(region)
	defer e.unlockRegion(region, l)

	conns := e.reg.ConnectionsIn(region)
	data := build(conns)
	if data == nil || len(conns) == 0 {
		return 0, nil
	}

	var (
		delivered int
		dead      []registry.Conn
	)
	for _, c := range conns {
		if err := c.Send(data); err != nil {
			e.log.Debug("delivery failed",
				zap.String("conn_id", c.ID()), zap.String("region", region), zap.Error(err))
			dead = append(dead, c)
			continue
		}
		delivered++
	}
	metrics.BroadcastDeliveries.Add(float64(delivered))
	return delivered, dead
}

// prune removes dead connections and re-announces presence in every region
// that lost a member.
func (e *Engine) prune(region string, dead []registry.Conn) {
	if len(dead) == 0 {
		return
	}
	vacated := make(map[string]struct{})
	for _, c := range dead {
		if sess, ok := e.reg.Close(c.ID()); ok {
			metrics.BroadcastPruned.Inc()
			e.log.Info("pruned dead connection", zap.String("conn_id", c.ID()), zap.String("region", region))
			if sess.Region != "" {
				vacated[sess.Region] = struct{}{}
			}
			if e.onPrune != nil {
				e.onPrune(sess)
			}
		}
		_ = c.Close()
	}
	for r := range vacated {
		e.BroadcastPresence(r)
	}
}
