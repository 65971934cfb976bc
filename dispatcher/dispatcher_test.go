package dispatcher_test

import (
	"context"
	"net"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/coapcore/coapd/config"
	"github.com/coapcore/coapd/dispatcher"
	"github.com/coapcore/coapd/packet"
	"github.com/coapcore/coapd/resource"
)

func TestDispatcher(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "dispatcher suite")
}

func startDispatcher() (*dispatcher.Dispatcher, *net.UDPAddr, func()) {
	cfg := config.Default()
	cfg.BindAddress = "127.0.0.1"
	cfg.BindPort = 0

	resources := resource.NewManager()
	resources.AddDefaultResource(resource.EchoResource{})

	d, err := dispatcher.New(cfg, resources)
	Expect(err).NotTo(HaveOccurred())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	return d, nil, func() {
		cancel()
		d.Stop()
		<-done
	}
}

var _ = Describe("Dispatcher", func() {
	It("ACKs a CON GET and answers with the echo resource's content", func() {
		d, _, stop := startDispatcher()
		defer stop()

		client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
		Expect(err).NotTo(HaveOccurred())
		defer client.Close()

		// Discover the dispatcher's bound port from its local address.
		serverAddr := dispatcherAddr(d)

		req := packet.New(packet.CON, packet.GET, 100, []byte{0x01})
		encoded, err := req.Encode()
		Expect(err).NotTo(HaveOccurred())

		_, err = client.WriteToUDP(encoded, serverAddr)
		Expect(err).NotTo(HaveOccurred())

		client.SetReadDeadline(time.Now().Add(2 * time.Second))
		buf := make([]byte, 2048)

		n, _, err := client.ReadFromUDP(buf)
		Expect(err).NotTo(HaveOccurred())
		ack := packet.Decode(buf[:n], nil)
		Expect(ack.Type).To(Equal(packet.ACK))

		n, _, err = client.ReadFromUDP(buf)
		Expect(err).NotTo(HaveOccurred())
		resp := packet.Decode(buf[:n], nil)
		Expect(resp.Code).To(Equal(packet.Content))
		Expect(string(resp.Payload)).To(ContainSubstring("echo"))
	})
})

func dispatcherAddr(d *dispatcher.Dispatcher) *net.UDPAddr {
	return d.LocalAddr()
}
