package transaction

import (
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/coapcore/coapd/packet"
)

// Sender transmits a packet on the wire. The dispatcher supplies this as a
// thin wrapper around its UDP socket so the pool can retransmit a stored
// CON without owning the socket itself.
type Sender interface {
	Send(p *packet.Packet) error
}

// Config holds the RFC 7252 reliability timers (spec.md §6).
type Config struct {
	AckTimeout      time.Duration
	AckRandomFactor float64
	MaxRetransmit   int
}

// DefaultConfig returns the RFC 7252-recommended timer defaults.
func DefaultConfig() Config {
	return Config{
		AckTimeout:      2 * time.Second,
		AckRandomFactor: 1.5,
		MaxRetransmit:   4,
	}
}

// Pool is the process-wide transaction pool (spec.md §4.2). Exactly one
// instance should exist for the endpoint's lifetime; it is constructed
// once at startup and passed by reference rather than looked up through a
// package-level global (spec.md §9).
type Pool struct {
	cfg    Config
	sender Sender
	sink   MetricsSink

	mu           sync.Mutex
	transactions map[packet.ShortTermWorkID]*Transaction
	overall      map[packet.GeneralWorkID]*OverallTransaction
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithMetrics attaches a MetricsSink the pool reports counters to.
func WithMetrics(sink MetricsSink) Option {
	return func(p *Pool) { p.sink = sink }
}

// NewPool constructs a transaction pool. sender is used by
// SolveTransactions to retransmit stored CONs.
func NewPool(cfg Config, sender Sender, opts ...Option) *Pool {
	p := &Pool{
		cfg:          cfg,
		sender:       sender,
		sink:         noopMetrics{},
		transactions: make(map[packet.ShortTermWorkID]*Transaction),
		overall:      make(map[packet.GeneralWorkID]*OverallTransaction),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddTransaction records a CON awaiting its ACK or a terminal RST
// (spec.md §4.2). If parent is nil, the transaction joins the
// OverallTransaction tracked for the packet's general work id, which is
// created implicitly when none is tracked yet.
func (p *Pool) AddTransaction(pkt *packet.Packet, parent *OverallTransaction) (*Transaction, error) {
	if pkt == nil {
		return nil, errors.New("transaction: nil packet")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	shortID := pkt.ShortTermWorkID()
	if _, exists := p.transactions[shortID]; exists {
		return nil, errors.Errorf("transaction: %+v already has a live transaction", shortID)
	}

	if parent == nil {
		generalID := pkt.GeneralWorkID()
		parent = p.overall[generalID]
		if parent == nil {
			parent = newOverallTransaction(generalID, pkt)
			p.overall[generalID] = parent
		}
	}

	backoff := jitteredTimeout(p.cfg.AckTimeout, p.cfg.AckRandomFactor)
	t := &Transaction{
		Packet:       pkt,
		NextDeadline: time.Now().Add(backoff),
		backoff:      backoff,
		Parent:       parent,
	}

	p.transactions[shortID] = t
	parent.addChild(shortID)
	p.sink.SetLiveTransactions(len(p.transactions))

	return t, nil
}

// FinishTransaction looks up the transaction matching ack's
// (remote_endpoint, message_id). Unknown ACKs are silently dropped, as
// CoAP permits (spec.md §4.2, error kind UnknownAck).
func (p *Pool) FinishTransaction(ack *packet.Packet) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	shortID := ack.ShortTermWorkID()
	t, ok := p.transactions[shortID]
	if !ok {
		return false
	}

	t.Terminal = true
	delete(p.transactions, shortID)
	if t.Parent != nil {
		t.Parent.removeChild(shortID)
		if len(t.Parent.children) == 0 && !t.Parent.Failed && p.overall[t.Parent.GeneralWorkID] == t.Parent {
			t.Parent.Completed = true
			delete(p.overall, t.Parent.GeneralWorkID)
			p.sink.IncOverallCompleted()
		}
	}
	p.sink.SetLiveTransactions(len(p.transactions))

	return true
}

// IsOverallTransactionFailed reports whether the overall transaction keyed
// by pkt's general work id has its failure flag set.
func (p *Pool) IsOverallTransactionFailed(pkt *packet.Packet) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.overall[pkt.GeneralWorkID()]
	return ok && o.Failed
}

// SetOverallTransactionFailure marks the overall transaction for pkt's
// general work id as failed and removes all of its children without
// further retransmission (spec.md §4.2 invariant).
func (p *Pool) SetOverallTransactionFailure(pkt *packet.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failLocked(pkt.GeneralWorkID())
}

func (p *Pool) failLocked(id packet.GeneralWorkID) {
	o, ok := p.overall[id]
	if !ok {
		o = newOverallTransaction(id, nil)
		p.overall[id] = o
	}
	if o.Failed {
		return
	}
	o.Failed = true

	for child := range o.children {
		if t, ok := p.transactions[child]; ok {
			t.Terminal = true
		}
		delete(p.transactions, child)
	}
	o.children = make(map[packet.ShortTermWorkID]struct{})

	p.sink.IncOverallFailed()
	p.sink.SetLiveTransactions(len(p.transactions))
}

// FinishOverallTransaction removes the overall transaction for pkt's
// general work id (whether it completed or failed).
func (p *Pool) FinishOverallTransaction(pkt *packet.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := pkt.GeneralWorkID()
	if o, ok := p.overall[id]; ok {
		if !o.Failed {
			o.Completed = true
			p.sink.IncOverallCompleted()
		}
	}
	delete(p.overall, id)
}

// SolveTransactions is called periodically (spec.md §4.4 transaction-tick
// loop). For each non-terminal transaction whose deadline has passed, it
// re-sends the stored CON, doubles the backoff interval, and increments
// the retransmit count; exceeding MaxRetransmit fails the owning overall
// transaction and removes the transaction without further retransmission
// (spec.md §8 invariant 4).
func (p *Pool) SolveTransactions(now time.Time) {
	p.mu.Lock()

	var toResend []*packet.Packet
	var toFail []packet.GeneralWorkID

	for _, t := range p.transactions {
		if t.Terminal || now.Before(t.NextDeadline) {
			continue
		}

		t.Retransmissions++
		if t.Retransmissions > p.cfg.MaxRetransmit {
			if t.Parent != nil {
				toFail = append(toFail, t.Parent.GeneralWorkID)
			}
			continue
		}

		t.backoff *= 2
		t.NextDeadline = now.Add(t.backoff)
		toResend = append(toResend, t.Packet)
	}

	p.mu.Unlock()

	for _, id := range toFail {
		p.mu.Lock()
		p.failLocked(id)
		p.mu.Unlock()
	}

	if p.sender == nil {
		return
	}
	for _, pkt := range toResend {
		_ = p.sender.Send(pkt)
		p.sink.IncRetransmit()
	}
}

// jitteredTimeout returns ACK_TIMEOUT * random_in[1, ACK_RANDOM_FACTOR].
func jitteredTimeout(base time.Duration, factor float64) time.Duration {
	if factor <= 1 {
		return base
	}
	jitter := 1 + rand.Float64()*(factor-1)
	return time.Duration(float64(base) * jitter)
}
