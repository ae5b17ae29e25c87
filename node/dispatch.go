// SPDX-FileCopyrightText: © 2026 Katzenpost Developers
// SPDX-License-Identifier: AGPL-3.0-only

package node

import (
	"github.com/katzenpost/dhtmail/packet"
	"github.com/katzenpost/dhtmail/relay"
	"github.com/katzenpost/dhtmail/transport"
)

var _ transport.Receiver = (*Node)(nil)

// OnDatagram dispatches a datagram received from sender.
func (n *Node) OnDatagram(sender string, b []byte) {
	if !n.running.Load() {
		return
	}
	env, err := packet.UnmarshalEnvelope(b)
	if err != nil {
		n.log.Debugf("Dropping invalid datagram from %v: %v", sender, err)
		return
	}

	var resp *packet.ResponsePacket
	switch p := env.Packet.(type) {
	case *packet.RelayRequest:
		n.relay.HandleRelayRequest(sender, env.RequestID, p)
		return
	case *packet.ResponsePacket:
		if !n.queue.HandleResponse(sender, env.RequestID, p) {
			n.log.Debugf("Dropping unsolicited response from %v.", sender)
		}
		return
	case *packet.StoreRequest:
		resp, err = n.onStore(p)
	case *packet.RetrieveRequest:
		resp, err = n.onRetrieve(p)
	case *packet.DeletionQuery:
		resp, err = n.onDeletionQuery(p)
	case packet.DeleteRequest:
		resp, err = n.onDelete(p)
	default:
		n.log.Debugf("Dropping unexpected %v packet from %v.", p.Type(), sender)
		return
	}
	if err != nil {
		n.log.Warningf("Failed to answer %v from %v: %v", env.Packet.Type(), sender, err)
		return
	}
	if _, err = n.queue.SendReply(env.RequestID, resp, sender); err != nil {
		n.log.Debugf("Failed to queue reply to %v: %v", sender, err)
	}
}

// onStore keeps a packet sent by a DHT member in the local folder.  A
// packet that was already deleted is answered with its delete request.
func (n *Node) onStore(req *packet.StoreRequest) (*packet.ResponsePacket, error) {
	if err := relay.VerifyStoreRequest(req, n.cfg.Relay.ProofOfWorkBits); err != nil {
		return packet.NewResponse(packet.StatusInvalidProofOfWork, nil)
	}
	f, ok := n.folders[req.Data.Type()]
	if !ok {
		return packet.NewResponse(packet.StatusInvalidPacket, nil)
	}
	echo, err := f.StoreAndCreateDeleteRequest(req.Data)
	if err != nil {
		n.log.Debugf("Failed to store %v %v: %v", req.Data.Type(), req.Data.DHTKey(), err)
		return packet.NewResponse(packet.StatusGeneralError, nil)
	}
	if echo != nil {
		return packet.NewResponse(packet.StatusOK, echo)
	}
	return packet.NewResponse(packet.StatusOK, nil)
}

func (n *Node) onRetrieve(req *packet.RetrieveRequest) (*packet.ResponsePacket, error) {
	f, ok := n.folders[req.DataType]
	if !ok {
		return packet.NewResponse(packet.StatusInvalidPacket, nil)
	}
	p, err := f.Retrieve(req.Key)
	if err != nil {
		return packet.NewResponse(packet.StatusNoDataFound, nil)
	}
	return packet.NewResponse(packet.StatusOK, packet.Sanitize(p))
}

func (n *Node) onDeletionQuery(req *packet.DeletionQuery) (*packet.ResponsePacket, error) {
	auth, ok := n.folders[packet.TypeEncryptedEmail].GetDeleteAuthorization(req.Key)
	if !ok {
		return packet.NewResponse(packet.StatusNoDataFound, nil)
	}
	info := &packet.DeletionInfoPacket{}
	info.Add(packet.DeletionRecord{Key: req.Key, DeleteAuthorization: auth})
	return packet.NewResponse(packet.StatusOK, info)
}

func (n *Node) onDelete(req packet.DeleteRequest) (*packet.ResponsePacket, error) {
	f, ok := n.folders[req.DataType()]
	if !ok {
		return packet.NewResponse(packet.StatusInvalidPacket, nil)
	}
	f.ProcessDeleteRequest(req)
	return packet.NewResponse(packet.StatusOK, nil)
}
