// Package producer implements ProducerCore (spec.md 4.7): a per-channel
// publish pipeline with publisher confirms, generation-aware retry, and
// message-id-matched returns.
package producer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dihedron/amqplink/internal/amqperr"
	"github.com/dihedron/amqplink/internal/chansup"
	"github.com/dihedron/amqplink/internal/ident"
	"github.com/dihedron/amqplink/internal/logging"
	"github.com/dihedron/amqplink/internal/metrics"
	"github.com/dihedron/amqplink/internal/transport"
	"github.com/dihedron/amqplink/internal/workqueue"
)

// Request is an outbound publish, matching spec.md 3's outbound message
// shape plus routing.
type Request struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        transport.Publishing
}

// pendingPublish is the bookkeeping record threaded from dispatch through
// to confirm/return/timeout resolution. Its promise is the exact
// *workqueue.Item[any] returned to the caller of Publish.
type pendingPublish struct {
	req        Request
	promise    *workqueue.Item[any]
	tag        uint64
	generation uint64
}

// ackEvent/nackEvent/brokerEvent let broker callbacks travel through the
// same queue as publish requests, so pump's one Take serializes both
// streams instead of the callbacks mutating shared state from their own
// goroutine (spec.md 4.7: "the channel's serial pump (CompositeWorkQueue of
// publishes and ack/nack events)").
type ackEvent struct {
	tag      uint64
	multiple bool
}

type nackEvent struct {
	tag      uint64
	multiple bool
	requeue  bool
}

type brokerEvent struct {
	ack     *ackEvent
	nack    *nackEvent
	ret     *transport.Return
	timeout *pendingPublish
}

// Options configures a Core.
type Options struct {
	Channel               *chansup.Supervisor
	ConfirmMode           bool
	PublishConfirmTimeout time.Duration
	// BackpressureLimit bounds how many publishes may be queued awaiting
	// dispatch+confirm at once; Publish blocks on Put beyond it. Zero
	// means unbounded.
	BackpressureLimit int
	Metrics           *metrics.Collector
	Logger            logging.Logger
	OnError           func(error)
	OnDisposed        func()
}

// Core is the ProducerCore, attached as a chansup.Handler.
type Core struct {
	opts Options
	id   string
	log  logging.Logger

	queue  *workqueue.AutoCancelQueue[any]
	events *workqueue.Queue[any]
	mux    *workqueue.CompositeQueue[any]
	sem    chan struct{}

	metaMu sync.Mutex
	meta   map[*workqueue.Item[any]]*pendingPublish

	// pending/pendingByMsgID are mutated only from the pump goroutine (ack,
	// nack, return and timeout all arrive as events processed by the same
	// serial Take) plus Dispose, which can run concurrently with pump; the
	// mutex exists solely to guard that one cross-goroutine case.
	pendingMu      sync.Mutex
	pending        map[uint64]*pendingPublish
	pendingByMsgID map[string]*pendingPublish

	disposed int32
}

// New constructs a Core. opts.OnDisposed, if non-nil, is invoked once
// Dispose completes, letting the owning Producer handle cascade into the
// channel supervisor's own disposal.
func New(opts Options) *Core {
	id := ident.New("prod")
	log := opts.Logger
	if log == nil {
		log = logging.Noop()
	}
	log = log.With("component", "ProducerCore", "id", id)

	var sem chan struct{}
	if opts.BackpressureLimit > 0 {
		sem = make(chan struct{}, opts.BackpressureLimit)
	}

	queue := workqueue.NewAutoCancelQueue[any](nil)
	events := workqueue.NewQueue[any]()

	return &Core{
		opts:           opts,
		id:             id,
		log:            log,
		queue:          queue,
		events:         events,
		mux:            workqueue.NewCompositeQueue(queue.Underlying(), events),
		sem:            sem,
		meta:           make(map[*workqueue.Item[any]]*pendingPublish),
		pending:        make(map[uint64]*pendingPublish),
		pendingByMsgID: make(map[string]*pendingPublish),
	}
}

// ID returns the core's log-correlation identity.
func (c *Core) ID() string { return c.id }

func (c *Core) isDisposed() bool { return atomic.LoadInt32(&c.disposed) == 1 }

// Publish enqueues req and returns a promise that resolves once the
// broker acks it (or immediately, in non-confirm mode). ctx both bounds
// how long Publish will wait to be admitted under backpressure and, while
// the message is still queued (not yet dispatched), lets the caller
// withdraw it.
func (c *Core) Publish(ctx context.Context, req Request) *workqueue.Item[any] {
	item := workqueue.NewItem[any](ctx)

	if c.isDisposed() {
		item.Fail(amqperr.New(amqperr.KindDisposed, "producer: disposed"))
		return item
	}
	if req.Msg.MessageID == "" {
		req.Msg.MessageID = ident.New("msg")
	}

	if !c.acquireSlot(ctx) {
		item.Cancel()
		return item
	}

	pp := &pendingPublish{req: req, promise: item}
	c.metaMu.Lock()
	c.meta[item] = pp
	c.metaMu.Unlock()

	go func() {
		<-item.Done()
		c.releaseSlot()
	}()

	c.queue.Put(item)
	return item
}

func (c *Core) acquireSlot(ctx context.Context) bool {
	if c.sem == nil {
		return true
	}
	select {
	case c.sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Core) releaseSlot() {
	if c.sem == nil {
		return
	}
	select {
	case <-c.sem:
	default:
	}
}

// Dispose fails every queued or outstanding-confirm publish with
// KindDisposed and stops accepting new ones. Idempotent.
func (c *Core) Dispose() {
	if !atomic.CompareAndSwapInt32(&c.disposed, 0, 1) {
		return
	}
	c.queue.Underlying().Close()
	c.events.Close()

	c.metaMu.Lock()
	metas := c.meta
	c.meta = make(map[*workqueue.Item[any]]*pendingPublish)
	c.metaMu.Unlock()
	for item := range metas {
		item.Fail(amqperr.New(amqperr.KindDisposed, "producer: disposed"))
	}

	c.pendingMu.Lock()
	pend := c.pending
	c.pending = make(map[uint64]*pendingPublish)
	c.pendingByMsgID = make(map[string]*pendingPublish)
	c.pendingMu.Unlock()
	for _, pp := range pend {
		pp.promise.Fail(amqperr.New(amqperr.KindDisposed, "producer: disposed"))
	}

	if c.opts.OnDisposed != nil {
		c.opts.OnDisposed()
	}
}

// OnConnecting implements chansup.Handler; the producer has nothing to do
// while a model is being created.
func (c *Core) OnConnecting(ctx context.Context) {}

// OnActive implements chansup.Handler: it enables confirm mode (if
// requested) and starts the channel's publish pump.
func (c *Core) OnActive(ctx context.Context, model transport.Channel) {
	if c.isDisposed() {
		return
	}
	generation := c.opts.Channel.Generation()
	if c.opts.ConfirmMode {
		if err := model.EnableConfirmMode(); err != nil {
			if c.opts.OnError != nil {
				c.opts.OnError(err)
			}
		}
	}
	go c.pump(ctx, model, generation)
}

// pump is the channel's serial loop: one goroutine per Active period,
// taking from the CompositeQueue that multiplexes fresh/retried publishes
// (c.queue) with broker ack/nack/return/timeout notifications (c.events),
// so the model and the pending-confirm bookkeeping are only ever touched
// by a single caller at a time.
func (c *Core) pump(ctx context.Context, model transport.Channel, generation uint64) {
	defer c.requeueGeneration(generation)

	for {
		item, err := c.mux.Take(ctx)
		if err != nil {
			return
		}

		if pp, ok := c.takeMeta(item); ok {
			c.dispatch(ctx, model, generation, item, pp)
			continue
		}

		val, _ := item.Wait(ctx)
		if ev, ok := val.(brokerEvent); ok {
			c.handleEvent(ev)
		}
	}
}

func (c *Core) takeMeta(item *workqueue.Item[any]) (*pendingPublish, bool) {
	c.metaMu.Lock()
	pp, ok := c.meta[item]
	delete(c.meta, item)
	c.metaMu.Unlock()
	return pp, ok
}

// dispatch sends one queued publish request to the broker and arms its
// confirm bookkeeping (or resolves it immediately outside confirm mode).
func (c *Core) dispatch(ctx context.Context, model transport.Channel, generation uint64, item *workqueue.Item[any], pp *pendingPublish) {
	if item.State() != workqueue.Pending {
		// already canceled/failed while queued
		return
	}

	tag, err := model.Publish(ctx, pp.req.Exchange, pp.req.RoutingKey, pp.req.Mandatory, pp.req.Msg)
	if err != nil {
		c.log.Debug("publish dispatch failed, retrying on next generation", "error", err)
		c.metaMu.Lock()
		c.meta[item] = pp
		c.metaMu.Unlock()
		c.queue.PutRetry([]*workqueue.Item[any]{item})
		return
	}

	pp.tag = tag
	pp.generation = generation

	if !c.opts.ConfirmMode {
		item.Succeed(nil)
		return
	}

	c.pendingMu.Lock()
	c.pending[tag] = pp
	c.pendingByMsgID[pp.req.Msg.MessageID] = pp
	c.pendingMu.Unlock()

	if c.opts.PublishConfirmTimeout > 0 {
		go c.armTimeout(pp)
	}
}

// pushEvent wraps ev in a pre-settled Item so it rides the same queue/take
// machinery as a publish request: tryTake only skips Canceled items, so a
// Succeeded one is delivered normally and pump's Wait on it returns
// immediately with the payload.
func (c *Core) pushEvent(ev brokerEvent) {
	it := workqueue.NewItem[any](context.Background())
	it.Succeed(ev)
	c.events.Put(it)
}

func (c *Core) armTimeout(pp *pendingPublish) {
	t := time.NewTimer(c.opts.PublishConfirmTimeout)
	defer t.Stop()
	select {
	case <-pp.promise.Done():
	case <-t.C:
		c.pushEvent(brokerEvent{timeout: pp})
	}
}

// requeueGeneration moves every publish still awaiting confirm on
// generation back onto the retry queue, in ascending tag order, when the
// channel that dispatched them leaves Active.
func (c *Core) requeueGeneration(generation uint64) {
	c.pendingMu.Lock()
	var stale []*pendingPublish
	for tag, pp := range c.pending {
		if pp.generation == generation {
			stale = append(stale, pp)
			delete(c.pending, tag)
			delete(c.pendingByMsgID, pp.req.Msg.MessageID)
		}
	}
	c.pendingMu.Unlock()
	if len(stale) == 0 {
		return
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].tag < stale[j].tag })

	items := make([]*workqueue.Item[any], 0, len(stale))
	c.metaMu.Lock()
	for _, pp := range stale {
		c.meta[pp.promise] = pp
		items = append(items, pp.promise)
	}
	c.metaMu.Unlock()
	c.queue.PutRetry(items)
}

// handleEvent runs entirely on the pump goroutine, settling the promise
// matching a broker notification queued by OnBasicAck/OnBasicNack/
// OnBasicReturn or by armTimeout.
func (c *Core) handleEvent(ev brokerEvent) {
	switch {
	case ev.ack != nil:
		for _, pp := range c.drainConfirmed(ev.ack.tag, ev.ack.multiple) {
			pp.promise.Succeed(nil)
			c.opts.Metrics.IncPublishConfirmed()
		}
	case ev.nack != nil:
		for _, pp := range c.drainConfirmed(ev.nack.tag, ev.nack.multiple) {
			pp.promise.Fail(amqperr.New(amqperr.KindNacked, "producer: message nacked by broker"))
			c.opts.Metrics.IncPublishNacked()
		}
	case ev.ret != nil:
		c.handleReturn(*ev.ret)
	case ev.timeout != nil:
		c.handleTimeout(ev.timeout)
	}
}

// OnBasicAck implements chansup.Handler: queue the ack as an event for the
// pump to resolve every pending tag ≤ tag when multiple is set, or exactly
// tag otherwise.
func (c *Core) OnBasicAck(tag uint64, multiple bool) {
	c.pushEvent(brokerEvent{ack: &ackEvent{tag: tag, multiple: multiple}})
}

// OnBasicNack implements chansup.Handler: queue the nack as an event for
// the pump to fail every matched pending publish with KindNacked.
func (c *Core) OnBasicNack(tag uint64, multiple bool, requeue bool) {
	c.pushEvent(brokerEvent{nack: &nackEvent{tag: tag, multiple: multiple, requeue: requeue}})
}

func (c *Core) drainConfirmed(tag uint64, multiple bool) []*pendingPublish {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	var matched []*pendingPublish
	if multiple {
		for t, pp := range c.pending {
			if t <= tag {
				matched = append(matched, pp)
				delete(c.pending, t)
				delete(c.pendingByMsgID, pp.req.Msg.MessageID)
			}
		}
	} else if pp, ok := c.pending[tag]; ok {
		matched = append(matched, pp)
		delete(c.pending, tag)
		delete(c.pendingByMsgID, pp.req.Msg.MessageID)
	}
	return matched
}

// OnBasicReturn implements chansup.Handler: queue the return as an event
// for the pump to match by message-id and fail with KindReturned.
func (c *Core) OnBasicReturn(ret transport.Return) {
	r := ret
	c.pushEvent(brokerEvent{ret: &r})
}

func (c *Core) handleReturn(ret transport.Return) {
	c.pendingMu.Lock()
	pp, ok := c.pendingByMsgID[ret.Properties.MessageID]
	if ok {
		delete(c.pendingByMsgID, ret.Properties.MessageID)
		delete(c.pending, pp.tag)
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	pp.promise.Fail(amqperr.New(amqperr.KindReturned, "producer: message returned as unroutable"))
	c.opts.Metrics.IncPublishReturned()
}

func (c *Core) handleTimeout(pp *pendingPublish) {
	c.pendingMu.Lock()
	cur, ok := c.pending[pp.tag]
	if ok && cur == pp {
		delete(c.pending, pp.tag)
		delete(c.pendingByMsgID, pp.req.Msg.MessageID)
	} else {
		ok = false
	}
	c.pendingMu.Unlock()
	if !ok {
		return
	}
	if pp.promise.Fail(amqperr.New(amqperr.KindPublishTimeout, "producer: publish confirm timed out")) {
		c.opts.Metrics.IncPublishTimedOut()
	}
}
