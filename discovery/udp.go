package discovery

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"time"

	"torrent-vault/apperrors"
	"torrent-vault/peerwire"
)

// UDP tracker protocol (BEP 15).
const (
	udpProtocolID = 0x41727101980

	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3

	connectLen     = 16
	announceReqLen = 98
	announceResLen = 20
)

var udpEvents = map[string]uint32{"": 0, "completed": 1, "started": 2, "stopped": 3}

func transactionID() []byte {
	b := make([]byte, 4)
	rand.Read(b)
	return b
}

func (c *TrackerClient) announceUDP(ctx context.Context, host string, req AnnounceRequest) (*AnnounceResponse, error) {
	const op = "announce"
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", host)
	if err != nil {
		return nil, apperrors.Transportf(op, err, "udp tracker %s", host)
	}
	defer conn.Close()
	deadline := time.Now().Add(c.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	tid := transactionID()
	connectReq := make([]byte, connectLen)
	binary.BigEndian.PutUint64(connectReq[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(connectReq[8:12], actionConnect)
	copy(connectReq[12:16], tid)
	if _, err := conn.Write(connectReq); err != nil {
		return nil, apperrors.Transportf(op, err, "udp tracker %s", host)
	}
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, apperrors.Transportf(op, err, "udp tracker %s", host)
	}
	if err := checkUDPResponse(buf[:n], actionConnect, tid, connectLen); err != nil {
		return nil, apperrors.Transportf(op, err, "udp tracker %s", host)
	}
	connectionID := append([]byte(nil), buf[8:16]...)

	tid = transactionID()
	ar := make([]byte, announceReqLen)
	copy(ar[0:8], connectionID)
	binary.BigEndian.PutUint32(ar[8:12], actionAnnounce)
	copy(ar[12:16], tid)
	copy(ar[16:36], req.InfoHash[:])
	copy(ar[36:56], req.PeerID[:])
	binary.BigEndian.PutUint64(ar[56:64], uint64(req.Downloaded))
	binary.BigEndian.PutUint64(ar[64:72], uint64(req.Left))
	binary.BigEndian.PutUint64(ar[72:80], uint64(req.Uploaded))
	binary.BigEndian.PutUint32(ar[80:84], udpEvents[req.Event])
	copy(ar[88:92], transactionID())
	// num_want -1 lets the tracker pick
	binary.BigEndian.PutUint32(ar[92:96], ^uint32(0))
	binary.BigEndian.PutUint16(ar[96:98], uint16(req.Port))
	if _, err := conn.Write(ar); err != nil {
		return nil, apperrors.Transportf(op, err, "udp tracker %s", host)
	}
	n, err = conn.Read(buf)
	if err != nil {
		return nil, apperrors.Transportf(op, err, "udp tracker %s", host)
	}
	if err := checkUDPResponse(buf[:n], actionAnnounce, tid, announceResLen); err != nil {
		return nil, apperrors.Transportf(op, err, "udp tracker %s", host)
	}
	res := buf[:n]
	peers, err := peerwire.ParseCompactPeers(res[announceResLen:])
	if err != nil {
		return nil, apperrors.Transportf(op, err, "udp tracker %s", host)
	}
	return &AnnounceResponse{
		Interval: time.Duration(binary.BigEndian.Uint32(res[8:12])) * time.Second,
		Leechers: int(binary.BigEndian.Uint32(res[12:16])),
		Seeders:  int(binary.BigEndian.Uint32(res[16:20])),
		Peers:    peers,
	}, nil
}

type udpError string

func (e udpError) Error() string { return string(e) }

func checkUDPResponse(res []byte, action uint32, tid []byte, minLen int) error {
	if len(res) >= 8 && binary.BigEndian.Uint32(res[0:4]) == actionError {
		return udpError("tracker error: " + string(res[8:]))
	}
	if len(res) < minLen {
		return udpError("short response")
	}
	if !bytes.Equal(res[4:8], tid) {
		return udpError("transaction id mismatch")
	}
	if got := binary.BigEndian.Uint32(res[0:4]); got != action {
		return udpError("unexpected action in response")
	}
	return nil
}
