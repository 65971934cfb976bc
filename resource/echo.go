package resource

import "github.com/coapcore/coapd/packet"

// EchoResource is a demonstration resource (spec.md §4.5): GET returns
// 2.05 Content with a fixed banner, POST/PUT echo the request payload
// back as 2.05 Content, DELETE returns 2.02 Deleted, and FETCH is
// unsupported. It is not a filesystem handler (spec.md Non-goals).
type EchoResource struct{}

func (EchoResource) Name() string { return "echo" }

func (EchoResource) HandleGET(req *packet.Packet) (packet.Code, []byte) {
	return packet.Content, []byte("coapd echo resource")
}

func (EchoResource) HandlePOST(req *packet.Packet) (packet.Code, []byte) {
	return packet.Content, req.Payload
}

func (EchoResource) HandlePUT(req *packet.Packet) (packet.Code, []byte) {
	return packet.Content, req.Payload
}

func (EchoResource) HandleDELETE(req *packet.Packet) (packet.Code, []byte) {
	return packet.NewCode(2, 2), nil // 2.02 Deleted
}

func (EchoResource) HandleFETCH(req *packet.Packet) (packet.Code, []byte) {
	return packet.NewCode(4, 5), nil // 4.05 Method Not Allowed
}
