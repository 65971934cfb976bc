package dispatcher

import (
	"context"
	"time"

	"github.com/mgutz/ansi"

	"github.com/coapcore/coapd/auditlog"
	"github.com/coapcore/coapd/packet"
)

func auditLogRecordForRST(p *packet.Packet) auditlog.Record {
	return auditlog.Record{
		Timestamp:   time.Now(),
		Remote:      p.GeneralWorkID().Remote,
		MessageID:   p.MessageID,
		Token:       string(p.Token),
		RequestCode: p.Code.String(),
		Outcome:     "reset",
	}
}

// ingressFormatFilter is the coap_format_filter loop: decode each raw
// datagram, reject malformed packets with a 5.00 response, ACK a CON
// immediately (spec.md §4.1 edge case: ACK is generated here, before
// dispatch to a worker), and hand well-formed packets to the
// deduplication filter. ACK/RST control packets are consumed here and
// never forwarded (spec.md §4.4).
func (d *Dispatcher) ingressFormatFilter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw := <-d.received:
			p := packet.Decode(raw.data, raw.remote)
			d.metrics.IncPacketDecoded()

			if !p.IsWellFormed() {
				d.metrics.IncPacketMalformed()
				d.dumpMalformed(raw.data, raw.remote)

				resp := packet.New(packet.RST, packet.InternalServerError, p.MessageID, p.Token)
				resp.RemoteEndpoint = raw.remote
				_ = d.sendPacket(resp)
				continue
			}
			d.metrics.IncPacketDecoded()

			switch p.Type {
			case packet.CON:
				if d.pool.IsOverallTransactionFailed(p) {
					continue
				}

				var ack *packet.Packet
				switch {
				case p.Code.IsMethod():
					ack = packet.New(packet.ACK, packet.Empty, p.MessageID, p.Token)
				case p.Code == packet.Content:
					ack = packet.New(packet.ACK, packet.Valid, p.MessageID, p.Token)
				default:
					ack = packet.New(packet.ACK, packet.Empty, p.MessageID, p.Token)
				}
				ack.RemoteEndpoint = p.RemoteEndpoint
				_ = d.sendPacket(ack)

				select {
				case d.validated <- p:
				case <-ctx.Done():
					return ctx.Err()
				}

			case packet.NON:
				select {
				case d.validated <- p:
				case <-ctx.Done():
					return ctx.Err()
				}

			case packet.ACK:
				d.pool.FinishTransaction(p)

			case packet.RST:
				d.failedWork.Set(p.GeneralWorkID().String(), time.Now())
				d.pool.SetOverallTransactionFailure(p)
				d.pool.FinishOverallTransaction(p)
				d.log.Warnf("%sRST received from %s: %s%s", ansi.Yellow, raw.remote, p.Code, ansi.Reset)

				if d.audit != nil {
					_ = d.audit.Write(auditLogRecordForRST(p))
				}
			}
		}
	}
}

// deduplicationFilter is the deduplication_filter loop: suppress
// retransmitted CONs (by short-term work id) and repeated blocks of a
// successful (2.xx) block-wise response (by long-term work id),
// dispatching everything else to the
// least-loaded worker (spec.md §8 invariant 3).
func (d *Dispatcher) deduplicationFilter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-d.validated:
			shortKey := p.ShortTermWorkID().String()

			var longKey string
			haveLong := false
			if p.Code.IsSuccess() {
				if long, ok := p.LongTermWorkID(); ok {
					longKey = long.String()
					haveLong = true
				}
			}

			switch {
			case haveLong && d.longTermWork.Has(longKey):
				d.metrics.IncDuplicateDropped()
				d.log.Debugf("duplicate long-term work suppressed: %s", p)
			case !haveLong && d.shortTermWork.Has(shortKey):
				d.metrics.IncDuplicateDropped()
				d.log.Debugf("duplicate short-term work suppressed: %s", p)
			default:
				d.chooseWorker().SubmitTask(p)
				now := time.Now()
				if haveLong {
					d.longTermWork.Set(longKey, now)
				} else {
					d.shortTermWork.Set(shortKey, now)
				}
			}
		}
	}
}

// transactionTick periodically calls Pool.SolveTransactions and sweeps
// the dedup work maps of stale entries (spec.md §4.2/§4.4).
func (d *Dispatcher) transactionTick(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	const exchangeLifetime = 247 * time.Second // RFC 7252 §4.8.2 EXCHANGE_LIFETIME

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.pool.SolveTransactions(now)
			d.shortTermWork.Sweep(now, exchangeLifetime)
			d.longTermWork.Sweep(now, exchangeLifetime)
			d.failedWork.Sweep(now, exchangeLifetime)
		}
	}
}

// workerLifecycle is the check_idle_workers loop: retire workers idle
// past the configured allowance, always keeping at least one alive
// (spec.md §4.3 edge case 1).
func (d *Dispatcher) workerLifecycle(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			allowed := d.config().AllowedIdleTime()

			d.workersMu.Lock()
			remaining := len(d.workers)
			kept := d.workers[:0]
			for _, w := range d.workers {
				if w.GetIdleTime() > allowed && remaining > 1 {
					w.Stop()
					remaining--
					continue
				}
				kept = append(kept, w)
			}
			d.workers = kept
			d.metrics.SetLiveWorkers(len(d.workers))
			d.workersMu.Unlock()
		}
	}
}
