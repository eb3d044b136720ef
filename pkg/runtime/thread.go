package runtime

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/dowkv/wcstore/pkg/handler"
	"github.com/dowkv/wcstore/pkg/logging"
	"github.com/dowkv/wcstore/pkg/table"
	"github.com/dowkv/wcstore/pkg/threadbus"
	"github.com/dowkv/wcstore/pkg/wire"
)

// Thread is one partition runtime thread: a TCP listener plus a
// receive loop over its bus inbox, both dispatching into the same
// handler.Handler so no partition's data is ever touched by two
// goroutines at once other than through the handler's own locking.
type Thread struct {
	index    int
	owned    map[int]bool
	bus      *threadbus.Bus
	handler  *handler.Handler
	listener net.Listener
	log      logging.Logger

	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
}

// Index returns this thread's index, matching BasePort+Index.
func (t *Thread) Index() int { return t.index }

// OwnedPartitions returns the set of partition ids this thread owns.
func (t *Thread) OwnedPartitions() map[int]bool { return t.owned }

// TableStats snapshots every table this thread serves, for pkg/admin.
func (t *Thread) TableStats() []table.Stats { return t.handler.TableStats() }

// OpenTransactions returns how many transactions this thread's
// coordinator/participant state is currently tracking.
func (t *Thread) OpenTransactions() int { return t.handler.OpenTransactions() }

// start launches the accept loop and the bus receive loop in
// background goroutines.
func (t *Thread) start() {
	t.wg.Add(2)
	go t.acceptLoop()
	go t.receiveLoop()
}

func (t *Thread) acceptLoop() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.log.Warn("accept failed", logging.Error(err))
			return
		}
		go t.serveConn(conn)
	}
}

// serveConn reads and dispatches wire.Request frames off one
// connection until the client disconnects or a frame is malformed.
func (t *Thread) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		var req wire.Request
		if err := wire.ReadFrame(r, &req); err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Debug("connection closed", logging.Error(err))
			}
			return
		}

		resp := t.handler.Handle(req)

		if err := wire.WriteFrame(conn, resp); err != nil {
			t.log.Debug("write response failed", logging.Error(err))
			return
		}
	}
}

// receiveLoop services messages sent by other partition threads:
// SyncModel/DropTable admin broadcasts, and the two-phase-commit
// coordinator's fan-out (KindTxnBegin/Prepare/Commit/Abort). Every Txn*
// message gets a reply on msg.Reply so the coordinator's broadcastAndWait
// can complete — KindTxnPrepare's reply carries this thread's vote,
// the rest are plain acks.
func (t *Thread) receiveLoop() {
	defer t.wg.Done()
	for {
		msg, ok := t.bus.Receive(t.index)
		if !ok {
			return
		}

		switch msg.Kind {
		case threadbus.KindTxnBegin:
			t.handler.AdoptTransaction(msg.Txn, msg.Coordinator)
			t.reply(msg, false)
		case threadbus.KindTxnPrepare:
			vote := t.handler.PrepareTransaction(msg.Txn)
			t.reply(msg, vote)
		case threadbus.KindTxnCommit:
			t.handler.ApplyTransactionCommit(msg.Txn)
			t.reply(msg, false)
		case threadbus.KindTxnAbort:
			t.handler.ApplyTransactionAbort(msg.Txn)
			t.reply(msg, false)
		case threadbus.KindSyncModel:
			req, _ := msg.Body.(wire.Request)
			t.handler.Handle(req)
		case threadbus.KindDropTable:
			req, _ := msg.Body.(wire.Request)
			t.handler.Handle(req)
		case threadbus.KindShutdown:
			return
		default:
			t.log.Debug("unhandled bus message", logging.Int("kind", int(msg.Kind)))
		}
	}
}

// reply acks a Txn* fan-out message back to the coordinator's
// broadcastAndWait on its own Reply channel; vote is only meaningful for
// KindTxnPrepare.
func (t *Thread) reply(msg threadbus.Message, vote bool) {
	if msg.Reply == nil {
		return
	}
	msg.Reply <- threadbus.Message{From: t.index, Kind: msg.Kind, Vote: vote}
}

// drain stops accepting new connections and flushes and closes every
// table this thread owns. It does not wait for the thread's loops: the
// receive loop keeps serving peer threads' transaction and admin
// messages until the Manager shuts down the whole bus and then waits
// for the thread's goroutines.
func (t *Thread) drain() error {
	var closeErr error
	t.doneOnce.Do(func() {
		close(t.done)
		if t.listener != nil {
			closeErr = t.listener.Close()
		}
	})

	if err := t.handler.FlushAll(); err != nil {
		return err
	}
	t.handler.CloseAll()
	return closeErr
}
