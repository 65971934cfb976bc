package transaction_test

import (
	"net"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/coapcore/coapd/packet"
	"github.com/coapcore/coapd/transaction"
)

func TestTransaction(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "transaction suite")
}

type fakeSender struct {
	sent []*packet.Packet
}

func (f *fakeSender) Send(p *packet.Packet) error {
	f.sent = append(f.sent, p)
	return nil
}

func newCON(id uint16) *packet.Packet {
	p := packet.New(packet.CON, packet.GET, id, []byte{byte(id)})
	p.RemoteEndpoint = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5683}
	return p
}

var _ = Describe("Pool", func() {
	var (
		sender *fakeSender
		pool   *transaction.Pool
		cfg    transaction.Config
	)

	BeforeEach(func() {
		sender = &fakeSender{}
		cfg = transaction.Config{AckTimeout: 10 * time.Millisecond, AckRandomFactor: 1, MaxRetransmit: 2}
		pool = transaction.NewPool(cfg, sender)
	})

	It("acks a tracked transaction and clears it", func() {
		req := newCON(1)
		_, err := pool.AddTransaction(req, nil)
		Expect(err).NotTo(HaveOccurred())

		ack := packet.New(packet.ACK, packet.Content, 1, req.Token)
		ack.RemoteEndpoint = req.RemoteEndpoint
		Expect(pool.FinishTransaction(ack)).To(BeTrue())

		// Second ACK for the same message id is unknown now.
		Expect(pool.FinishTransaction(ack)).To(BeFalse())
	})

	It("retransmits overdue transactions with growing backoff", func() {
		req := newCON(2)
		_, err := pool.AddTransaction(req, nil)
		Expect(err).NotTo(HaveOccurred())

		time.Sleep(15 * time.Millisecond)
		now := time.Now()
		pool.SolveTransactions(now)
		Expect(sender.sent).To(HaveLen(1))

		// The interval doubled from 10ms to 20ms, so 15ms later it is not due yet.
		pool.SolveTransactions(now.Add(15 * time.Millisecond))
		Expect(sender.sent).To(HaveLen(1))

		pool.SolveTransactions(now.Add(25 * time.Millisecond))
		Expect(sender.sent).To(HaveLen(2))
	})

	It("fails the overall transaction after MaxRetransmit is exceeded", func() {
		req := newCON(3)
		_, err := pool.AddTransaction(req, nil)
		Expect(err).NotTo(HaveOccurred())

		deadline := time.Now()
		for i := 0; i < cfg.MaxRetransmit+2; i++ {
			deadline = deadline.Add(time.Second)
			pool.SolveTransactions(deadline)
		}

		Expect(pool.IsOverallTransactionFailed(req)).To(BeTrue())
	})

	It("rejects a duplicate transaction for the same short term work id", func() {
		req := newCON(4)
		_, err := pool.AddTransaction(req, nil)
		Expect(err).NotTo(HaveOccurred())

		dup := newCON(4)
		dup.RemoteEndpoint = req.RemoteEndpoint
		_, err = pool.AddTransaction(dup, nil)
		Expect(err).To(HaveOccurred())
	})
})
