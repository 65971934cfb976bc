// Package transaction implements the CON/ACK/RST reliability engine
// (spec.md §4.2): a process-wide pool of outstanding confirmable
// transactions, their retransmission timers, and the overall multi-block
// transfer state that spans them.
package transaction

import (
	"time"

	"github.com/coapcore/coapd/packet"
)

// Transaction is a record created when this endpoint sends a CON and
// awaits its ACK or a terminal RST (spec.md §3).
type Transaction struct {
	// Packet is the originating CON, kept verbatim for retransmission.
	Packet *packet.Packet

	// Retransmissions counts retransmit attempts so far (0 initially).
	Retransmissions int

	// NextDeadline is when SolveTransactions should next retransmit.
	NextDeadline time.Time

	// backoff is the current retransmit interval; it doubles on every
	// retransmission (exponential backoff, spec.md §4.2).
	backoff time.Duration

	// Parent links back to the overall multi-block transfer, if any.
	Parent *OverallTransaction

	// Terminal is set once the transaction is finished (ACKed, failed, or
	// force-failed by an RST on its general work id).
	Terminal bool
}

// ShortTermWorkID returns the work id this transaction is keyed on.
func (t *Transaction) ShortTermWorkID() packet.ShortTermWorkID {
	return t.Packet.ShortTermWorkID()
}

// OverallTransaction covers an entire block-wise transfer keyed by
// general_work_id (spec.md §3). It is created with the first CON the pool
// tracks for that id and destroyed when its last per-block transaction is
// acknowledged, or by FinishOverallTransaction. A failed overall
// transaction stays in the pool, so IsOverallTransactionFailed keeps
// reporting it, until FinishOverallTransaction removes it.
type OverallTransaction struct {
	GeneralWorkID packet.GeneralWorkID

	// Request is the intended full request/response this transfer serves.
	Request *packet.Packet

	// TotalBlocks is the expected block count, or -1 if unknown. The pool
	// sets it to -1 and does not derive it from Size1/Size2.
	TotalBlocks int

	Failed    bool
	Completed bool

	children map[packet.ShortTermWorkID]struct{}
}

func newOverallTransaction(id packet.GeneralWorkID, request *packet.Packet) *OverallTransaction {
	return &OverallTransaction{
		GeneralWorkID: id,
		Request:       request,
		TotalBlocks:   -1,
		children:      make(map[packet.ShortTermWorkID]struct{}),
	}
}

func (o *OverallTransaction) addChild(id packet.ShortTermWorkID) {
	o.children[id] = struct{}{}
}

func (o *OverallTransaction) removeChild(id packet.ShortTermWorkID) {
	delete(o.children, id)
}
