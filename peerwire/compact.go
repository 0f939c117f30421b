package peerwire

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// ParseCompactPeers decodes the 6-byte ip:port form used by trackers and
// ut_pex. Addresses are returned as host:port strings.
func ParseCompactPeers(b []byte) ([]string, error) {
	const peerSize = 6
	if len(b)%peerSize != 0 {
		return nil, fmt.Errorf("received malformed binary of peers")
	}
	peers := make([]string, 0, len(b)/peerSize)
	for off := 0; off < len(b); off += peerSize {
		ip := net.IP(b[off : off+4])
		port := binary.BigEndian.Uint16(b[off+4 : off+6])
		if port == 0 {
			continue
		}
		peers = append(peers, net.JoinHostPort(ip.String(), strconv.Itoa(int(port))))
	}
	return peers, nil
}

// CompactPeer encodes an IPv4 host:port. It returns nil for anything else.
func CompactPeer(addr string) []byte {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil
	}
	ip := net.ParseIP(host).To4()
	port, err := strconv.Atoi(portStr)
	if ip == nil || err != nil || port <= 0 || port > 65535 {
		return nil
	}
	buf := make([]byte, 6)
	copy(buf, ip)
	binary.BigEndian.PutUint16(buf[4:], uint16(port))
	return buf
}
