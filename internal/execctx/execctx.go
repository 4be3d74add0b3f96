// Package execctx tracks, per stream and per issuing lane, the most recent
// pending device event. Go has no goroutine-local storage, so a lane is an
// identifier carried in a context.Context: goroutines that want isolated
// dependency chains attach their own lane with WithLane and release it when
// they finish. Calls without a lane share DefaultLane.
package execctx

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/seantiz/xstream/internal/device"
	"github.com/seantiz/xstream/internal/model"
)

// LaneID identifies one issuing lane.
type LaneID string

// DefaultLane is used by calls whose context carries no lane.
const DefaultLane LaneID = "default"

type laneKey struct{}

// NewLaneID returns a fresh, unique lane identifier.
func NewLaneID() LaneID {
	return LaneID(model.NewID())
}

// WithLane returns a child context carrying a fresh lane.
func WithLane(ctx context.Context) context.Context {
	return WithLaneID(ctx, NewLaneID())
}

// WithLaneID returns a child context carrying the given lane.
func WithLaneID(ctx context.Context, id LaneID) context.Context {
	return context.WithValue(ctx, laneKey{}, id)
}

// LaneFrom returns the lane carried by ctx, if any.
func LaneFrom(ctx context.Context) (LaneID, bool) {
	id, ok := ctx.Value(laneKey{}).(LaneID)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// LaneOf returns the lane carried by ctx or DefaultLane.
func LaneOf(ctx context.Context) LaneID {
	if id, ok := LaneFrom(ctx); ok {
		return id
	}
	return DefaultLane
}

// Context is the dependency frontier of one lane on one stream.
type Context struct {
	lane     LaneID
	frontier atomic.Pointer[frontier]
}

type frontier struct {
	ev device.Event
}

// Lane returns the lane this context belongs to.
func (c *Context) Lane() LaneID { return c.lane }

// Deps returns the events the lane's next operation must wait for: empty
// before the first operation, exactly one afterwards.
func (c *Context) Deps() []device.Event {
	f := c.frontier.Load()
	if f == nil {
		return nil
	}
	return []device.Event{f.ev}
}

// SetDeps records ev as the lane's new frontier.
func (c *Context) SetDeps(ev device.Event) {
	if ev == nil {
		panic(fmt.Sprintf("execctx: nil frontier for lane %s", c.lane))
	}
	c.frontier.Store(&frontier{ev: ev})
}

// Output returns the event of the lane's last operation. Calling it before
// the lane issued anything is a programming error.
func (c *Context) Output() device.Event {
	f := c.frontier.Load()
	if f == nil {
		panic(fmt.Sprintf("execctx: lane %s has no output event", c.lane))
	}
	return f.ev
}

// Registry maps lanes to their contexts for one stream. Lookups of existing
// lanes do not take a lock.
type Registry struct {
	lanes sync.Map // LaneID -> *Context
	count atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Get returns the context of the lane carried by ctx, creating it on first
// use.
func (r *Registry) Get(ctx context.Context) *Context {
	id := LaneOf(ctx)
	if v, ok := r.lanes.Load(id); ok {
		return v.(*Context)
	}
	v, loaded := r.lanes.LoadOrStore(id, &Context{lane: id})
	if !loaded {
		r.count.Add(1)
	}
	return v.(*Context)
}

// Lookup returns the context of id without creating it.
func (r *Registry) Lookup(id LaneID) (*Context, bool) {
	v, ok := r.lanes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Context), true
}

// Release removes a lane. It reports whether the lane existed.
func (r *Registry) Release(id LaneID) bool {
	if _, ok := r.lanes.LoadAndDelete(id); ok {
		r.count.Add(-1)
		return true
	}
	return false
}

// Len reports the number of live lanes.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Lanes returns the live lane identifiers in sorted order.
func (r *Registry) Lanes() []LaneID {
	var ids []LaneID
	r.lanes.Range(func(k, _ any) bool {
		ids = append(ids, k.(LaneID))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close drops every lane.
func (r *Registry) Close() {
	r.lanes.Range(func(k, _ any) bool {
		r.Release(k.(LaneID))
		return true
	})
}
