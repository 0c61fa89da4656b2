package raft

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/puzpuzpuz/xsync/v3"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const localQueueSize = 4096

type localMessage struct {
	group    string
	msg      raftpb.Message
	reporter Reporter
}

// LocalNetwork delivers messages between nodes living in one process. Each
// destination has its own queue drained by one goroutine, so messages to a
// node are stepped in the order they were sent.
type LocalNetwork struct {
	routers  *xsync.MapOf[uint64, Router]
	queues   *xsync.MapOf[uint64, chan localMessage]
	isolated *xsync.MapOf[uint64, struct{}]

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func NewLocalNetwork() *LocalNetwork {
	return &LocalNetwork{
		routers:  xsync.NewMapOf[uint64, Router](),
		queues:   xsync.NewMapOf[uint64, chan localMessage](),
		isolated: xsync.NewMapOf[uint64, struct{}](),
		done:     make(chan struct{}),
	}
}

// Join attaches the router of node id to the network.
func (ln *LocalNetwork) Join(id uint64, r Router) {
	ln.routers.Store(id, r)
}

func (ln *LocalNetwork) Leave(id uint64) {
	ln.routers.Delete(id)
}

// Isolate drops every message from or to id until it is called again with
// false.
func (ln *LocalNetwork) Isolate(id uint64, isolated bool) {
	if isolated {
		ln.isolated.Store(id, struct{}{})
		return
	}
	ln.isolated.Delete(id)
}

// Transport returns the sending side of node from.
func (ln *LocalNetwork) Transport(from uint64) Transport {
	return &localTransport{net: ln, from: from}
}

func (ln *LocalNetwork) Close() {
	ln.closeOnce.Do(func() {
		close(ln.done)
		ln.wg.Wait()
	})
}

func (ln *LocalNetwork) blocked(from, to uint64) bool {
	_, a := ln.isolated.Load(from)
	_, b := ln.isolated.Load(to)
	return a || b
}

func (ln *LocalNetwork) getQueue(to uint64) chan localMessage {
	ch, loaded := ln.queues.LoadOrCompute(to, func() chan localMessage {
		return make(chan localMessage, localQueueSize)
	})
	if !loaded {
		ln.wg.Add(1)
		go ln.processQueue(to, ch)
	}
	return ch
}

func (ln *LocalNetwork) processQueue(to uint64, ch chan localMessage) {
	defer ln.wg.Done()
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	for {
		select {
		case <-ln.done:
			return
		case m := <-ch:
			if ln.blocked(m.msg.From, to) {
				report(m, false)
				continue
			}
			r, ok := ln.routers.Load(to)
			if !ok {
				report(m, false)
				continue
			}
			h, ok := r.Route(m.group)
			if !ok {
				report(m, false)
				continue
			}
			if err := h.Step(ctx, m.msg); err != nil {
				span.Debugf("step message %s to %d failed: %s", m.msg.Type, to, err)
				report(m, false)
				continue
			}
			report(m, true)
		}
	}
}

func report(m localMessage, ok bool) {
	if m.msg.Type == raftpb.MsgSnap {
		status := raft.SnapshotFinish
		if !ok {
			status = raft.SnapshotFailure
		}
		m.reporter.ReportSnapshot(m.msg.To, status)
	}
	if !ok {
		m.reporter.ReportUnreachable(m.msg.To)
	}
}

type localTransport struct {
	net  *LocalNetwork
	from uint64
}

func (t *localTransport) Send(ctx context.Context, group string, msgs []raftpb.Message, r Reporter) {
	for i := range msgs {
		m := localMessage{group: group, msg: msgs[i], reporter: r}
		if t.net.blocked(t.from, m.msg.To) {
			report(m, false)
			continue
		}
		select {
		case t.net.getQueue(m.msg.To) <- m:
		default:
			report(m, false)
		}
	}
}

func (t *localTransport) Close() {}
