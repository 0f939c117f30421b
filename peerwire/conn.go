package peerwire

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"torrent-vault/apperrors"
	"torrent-vault/bencode"
	"torrent-vault/torrentmeta"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type State int32

const (
	Connecting State = iota
	Handshaking
	ExtendedHandshaking
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Handshaking:
		return "HANDSHAKING"
	case ExtendedHandshaking:
		return "EXTENDED_HANDSHAKE"
	case Active:
		return "ACTIVE"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

type Config struct {
	InfoHash   torrentmeta.InfoHash
	PeerID     PeerID
	ListenPort int

	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	KeepAliveInterval time.Duration

	// InfoBytes returns our raw info dict, or nil while it is unknown.
	InfoBytes func() []byte
	// OnPeers receives addresses learned through ut_pex.
	OnPeers func(addrs []string)
	// NumPieces returns the torrent's piece count, or 0 while the info dict
	// is unknown.
	NumPieces func() int

	DownloadLimiter *rate.Limiter
	UploadLimiter   *rate.Limiter

	Logger zerolog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 90 * time.Second
	}
}

// Conn is one peer connection. Reads happen on a single goroutine; writes
// may come from any goroutine.
type Conn struct {
	cfg  Config
	nc   net.Conn
	addr string
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state   atomic.Int32
	writeMu sync.Mutex

	mu             sync.Mutex
	remote         *Handshake
	peerChoking    bool
	peerInterested bool
	pieces         PieceSet
	ext            map[string]int
	metadataSize   int
	client         string
	pending        []*Message

	downloaded atomic.Int64
	uploaded   atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(nc net.Conn, addr string, cfg Config) *Conn {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		cfg:         cfg,
		nc:          nc,
		addr:        addr,
		log:         cfg.Logger.With().Str("peer", addr).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		peerChoking: true,
		ext:         map[string]int{},
		done:        make(chan struct{}),
	}
	c.state.Store(int32(Connecting))
	return c
}

// Dial connects to addr and completes the handshake and, when the remote
// supports it, the extended handshake.
func Dial(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	c := newConn(nil, addr, cfg)
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.Close()
		return nil, apperrors.Transportf("dial peer", err, "%s", addr)
	}
	c.nc = nc
	if err := c.handshake(nil); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// Accept completes an inbound connection whose handshake the listener has
// already read.
func Accept(nc net.Conn, remote *Handshake, cfg Config) (*Conn, error) {
	c := newConn(nc, nc.RemoteAddr().String(), cfg)
	if err := c.handshake(remote); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(remote *Handshake) error {
	const op = "handshake"
	c.setState(Handshaking)
	c.nc.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer c.nc.SetDeadline(time.Time{})

	ours := NewHandshake(c.cfg.InfoHash, c.cfg.PeerID)
	if _, err := c.nc.Write(ours.Serialize()); err != nil {
		return apperrors.Transportf(op, err, "%s", c.addr)
	}
	if remote == nil {
		var err error
		remote, err = ReadHandshake(c.nc)
		if err != nil {
			return apperrors.Transportf(op, err, "%s", c.addr)
		}
	}
	if remote.InfoHash != c.cfg.InfoHash {
		return apperrors.Transportf(op, nil, "%s answered for info hash %s", c.addr, remote.InfoHash.HexString())
	}
	if remote.PeerID == c.cfg.PeerID {
		return apperrors.Transportf(op, nil, "connected to ourselves via %s", c.addr)
	}
	c.mu.Lock()
	c.remote = remote
	c.mu.Unlock()

	if remote.SupportsExtensions() {
		c.setState(ExtendedHandshaking)
		if err := c.sendExtendedHandshake(); err != nil {
			return err
		}
		if err := c.awaitExtendedHandshake(); err != nil {
			return err
		}
	}
	c.setState(Active)
	go c.keepAlive()
	return nil
}

func (c *Conn) sendExtendedHandshake() error {
	size := 0
	if c.cfg.InfoBytes != nil {
		size = len(c.cfg.InfoBytes())
	}
	payload, err := bencode.Marshal(localExtendedHandshake(size, c.cfg.ListenPort))
	if err != nil {
		return err
	}
	return c.Write(NewExtended(extHandshakeID, payload))
}

// awaitExtendedHandshake reads until the remote's extended handshake
// arrives. Anything else that shows up first is queued for ReadMessage.
func (c *Conn) awaitExtendedHandshake() error {
	const maxEarly = 64
	for i := 0; i < maxEarly; i++ {
		msg, err := c.readFrame()
		if err != nil {
			return apperrors.Transportf("extended handshake", err, "%s", c.addr)
		}
		if msg == nil {
			continue
		}
		if msg.ID == Extended && len(msg.Payload) > 0 && msg.Payload[0] == extHandshakeID {
			_, err := c.handle(msg)
			return err
		}
		consumed, err := c.handle(msg)
		if err != nil {
			return err
		}
		if !consumed {
			c.mu.Lock()
			c.pending = append(c.pending, msg)
			c.mu.Unlock()
		}
	}
	return apperrors.Transportf("extended handshake", nil, "%s never sent its extended handshake", c.addr)
}

func (c *Conn) readFrame() (*Message, error) {
	if c.State() != ExtendedHandshaking && c.State() != Handshaking {
		c.nc.SetReadDeadline(time.Now().Add(c.cfg.IdleTimeout))
	}
	msg, err := ReadMessage(c.nc)
	if err != nil {
		return nil, err
	}
	if msg != nil && msg.ID == Piece && len(msg.Payload) > 8 {
		n := len(msg.Payload) - 8
		c.downloaded.Add(int64(n))
		if err := waitN(c.ctx, c.cfg.DownloadLimiter, n); err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// ReadMessage returns the next message the caller has to act on. Keep-alives,
// the extended handshake, ut_pex and ut_metadata requests are handled here.
// Choke, unchoke, have and bitfield update the peer state and are returned
// as well.
func (c *Conn) ReadMessage() (*Message, error) {
	for {
		c.mu.Lock()
		if len(c.pending) > 0 {
			msg := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()
			return msg, nil
		}
		c.mu.Unlock()

		msg, err := c.readFrame()
		if err != nil {
			c.Close()
			return nil, apperrors.Transportf("read message", err, "%s", c.addr)
		}
		if msg == nil {
			continue
		}
		consumed, err := c.handle(msg)
		if err != nil {
			c.Close()
			return nil, err
		}
		if !consumed {
			return msg, nil
		}
	}
}

func (c *Conn) handle(msg *Message) (bool, error) {
	switch msg.ID {
	case Choke:
		c.mu.Lock()
		c.peerChoking = true
		c.mu.Unlock()
	case Unchoke:
		c.mu.Lock()
		c.peerChoking = false
		c.mu.Unlock()
	case Interested, NotInterested:
		c.mu.Lock()
		c.peerInterested = msg.ID == Interested
		c.mu.Unlock()
		return true, nil
	case Have:
		index, err := ParseHave(msg)
		if err != nil {
			return false, apperrors.Transportf("have", err, "%s", c.addr)
		}
		limit := c.pieceLimit()
		if index >= limit {
			return false, apperrors.Transportf("have", nil, "%s announced piece %d of %d", c.addr, index, limit)
		}
		c.mu.Lock()
		if need := index/8 + 1; need > len(c.pieces) {
			c.pieces = append(c.pieces, make(PieceSet, need-len(c.pieces))...)
		}
		c.pieces.Set(index)
		c.mu.Unlock()
	case Bitfield:
		limit := c.pieceLimit()
		if len(msg.Payload) > (limit+7)/8 {
			return false, apperrors.Transportf("bitfield", nil, "%s sent a %d byte bitfield for %d pieces", c.addr, len(msg.Payload), limit)
		}
		c.mu.Lock()
		c.pieces = append(PieceSet(nil), msg.Payload...)
		c.mu.Unlock()
	case Extended:
		return c.handleExtended(msg)
	}
	return false, nil
}

// maxPieces is the most pieces an info dict within MaxMetadataSize can list.
const maxPieces = MaxMetadataSize / torrentmeta.HashSize

// pieceLimit bounds piece indexes a peer may announce.
func (c *Conn) pieceLimit() int {
	if c.cfg.NumPieces != nil {
		if n := c.cfg.NumPieces(); n > 0 {
			return n
		}
	}
	return maxPieces
}

func (c *Conn) handleExtended(msg *Message) (bool, error) {
	if len(msg.Payload) == 0 {
		return true, apperrors.Transportf("extended message", nil, "%s sent an empty extended message", c.addr)
	}
	id, payload := msg.Payload[0], msg.Payload[1:]
	switch id {
	case extHandshakeID:
		h, err := parseExtendedHandshake(payload)
		if err != nil {
			return true, apperrors.Transportf("extended handshake", err, "%s", c.addr)
		}
		c.mu.Lock()
		c.ext = h.M
		if c.ext == nil {
			c.ext = map[string]int{}
		}
		c.metadataSize = h.MetadataSize
		c.client = h.V
		c.mu.Unlock()
		c.log.Debug().Str("client", h.V).Int("metadata_size", h.MetadataSize).Msg("extended handshake")
		return true, nil
	case localPexID:
		peers, err := parsePex(payload)
		if err != nil {
			c.log.Debug().Err(err).Msg("ignoring malformed pex")
			return true, nil
		}
		if len(peers) > 0 && c.cfg.OnPeers != nil {
			c.cfg.OnPeers(peers)
		}
		return true, nil
	case localMetadataID:
		m, _, err := splitMetadataMessage(payload)
		if err != nil {
			return true, apperrors.Transportf("metadata message", err, "%s", c.addr)
		}
		if m.MsgType == metadataRequest {
			return true, c.serveMetadata(m.Piece)
		}
		return false, nil
	}
	return true, nil
}

// serveMetadata answers a ut_metadata request from our own info dict, or
// rejects it while the info dict is unknown.
func (c *Conn) serveMetadata(piece int) error {
	var info []byte
	if c.cfg.InfoBytes != nil {
		info = c.cfg.InfoBytes()
	}
	numPieces := (len(info) + MetadataPieceSize - 1) / MetadataPieceSize
	if info == nil || piece < 0 || piece >= numPieces {
		hdr, err := bencode.Marshal(metadataMessage{MsgType: metadataReject, Piece: piece})
		if err != nil {
			return err
		}
		return c.SendExtended(ExtMetadata, hdr)
	}
	begin := piece * MetadataPieceSize
	end := min(begin+MetadataPieceSize, len(info))
	hdr, err := bencode.Marshal(metadataMessage{MsgType: metadataData, Piece: piece, TotalSize: len(info)})
	if err != nil {
		return err
	}
	return c.SendExtended(ExtMetadata, append(hdr, info[begin:end]...))
}

// Write sends msg. PIECE payloads are counted as upload and pass through
// the upload limiter.
func (c *Conn) Write(msg *Message) error {
	if msg != nil && msg.ID == Piece && len(msg.Payload) > 8 {
		n := len(msg.Payload) - 8
		if err := waitN(c.ctx, c.cfg.UploadLimiter, n); err != nil {
			return apperrors.Transportf("write message", err, "%s", c.addr)
		}
		c.uploaded.Add(int64(n))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.nc.SetWriteDeadline(time.Now().Add(c.cfg.HandshakeTimeout * 3))
	if _, err := c.nc.Write(msg.Serialize()); err != nil {
		c.Close()
		return apperrors.Transportf("write message", err, "%s", c.addr)
	}
	return nil
}

// SendExtended sends payload under the remote's id for the named extension.
// It is a no-op when the remote did not advertise the extension.
func (c *Conn) SendExtended(name string, payload []byte) error {
	c.mu.Lock()
	id := c.ext[name]
	c.mu.Unlock()
	if id <= 0 || id > 255 {
		return nil
	}
	return c.Write(NewExtended(byte(id), payload))
}

func (c *Conn) SendInterested() error   { return c.Write(&Message{ID: Interested}) }
func (c *Conn) SendUnchoke() error      { return c.Write(&Message{ID: Unchoke}) }
func (c *Conn) SendHave(index int) error { return c.Write(NewHave(index)) }

func (c *Conn) SendBitfield(bf []byte) error {
	return c.Write(&Message{ID: Bitfield, Payload: bf})
}

func (c *Conn) SendRequest(index, begin, length int) error {
	return c.Write(NewRequest(index, begin, length))
}

func (c *Conn) SendPiece(index, begin int, block []byte) error {
	return c.Write(NewPiece(index, begin, block))
}

// SendPex shares addresses with a peer that speaks ut_pex.
func (c *Conn) SendPex(addrs []string) error {
	payload, err := encodePex(addrs)
	if err != nil {
		return err
	}
	return c.SendExtended(ExtPex, payload)
}

func (c *Conn) keepAlive() {
	t := time.NewTicker(c.cfg.KeepAliveInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.Write(nil); err != nil {
				return
			}
		}
	}
}

// Close tears the socket down. It is safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.setState(Closed)
		c.cancel()
		close(c.done)
		if c.nc != nil {
			c.nc.Close()
		}
		c.log.Debug().Msg("peer closed")
	})
	return nil
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Conn) State() State          { return State(c.state.Load()) }
func (c *Conn) Addr() string          { return c.addr }
func (c *Conn) Done() <-chan struct{} { return c.done }
func (c *Conn) Downloaded() int64     { return c.downloaded.Load() }
func (c *Conn) Uploaded() int64       { return c.uploaded.Load() }

func (c *Conn) RemotePeerID() PeerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return PeerID{}
	}
	return c.remote.PeerID
}

func (c *Conn) PeerChoking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerChoking
}

func (c *Conn) PeerInterested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerInterested
}

func (c *Conn) HasPiece(index int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pieces.Has(index)
}

// SupportsExtension reports whether the remote advertised name in its
// extended handshake.
func (c *Conn) SupportsExtension(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ext[name] > 0
}

// MetadataSize is the info dict size the remote announced, 0 if unknown.
func (c *Conn) MetadataSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metadataSize
}

func (c *Conn) Client() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// waitN spends n tokens from l in chunks no larger than its burst.
func waitN(ctx context.Context, l *rate.Limiter, n int) error {
	if l == nil || l.Limit() == rate.Inf || l.Burst() <= 0 {
		return nil
	}
	for n > 0 {
		k := min(n, l.Burst())
		if err := l.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}
