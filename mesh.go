package meshcore

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshcore/certstore"
	"github.com/opd-ai/meshcore/descriptor"
	"github.com/opd-ai/meshcore/envelope"
	"github.com/opd-ai/meshcore/hashgossip"
	"github.com/opd-ai/meshcore/identity"
	"github.com/opd-ai/meshcore/meshiface"
	"github.com/opd-ai/meshcore/neighbor"
	"github.com/opd-ai/meshcore/transport"
)

// certValidity is the long-lived validity of generated plane certificates,
// rotated only by explicit operator action.
const certValidity = 5 * 365 * 24 * time.Hour

// descriptorRefreshInterval is how often the local descriptor is
// republished to keep its DHT TTL fresh.
const descriptorRefreshInterval = 15 * time.Minute

// registrySweepInterval and neighborSweepInterval drive the periodic
// janitor work for the endpoint registry and the neighbor set;
// gossipCycleInterval is how often the node considers peers for an
// outbound delta-sync round (the neighbor manager's own sync intervals
// decide which peers are actually due within a cycle).
const (
	registrySweepInterval = 5 * time.Minute
	neighborSweepInterval = 10 * time.Minute
	gossipCycleInterval   = 5 * time.Minute
)

// AnonConfig configures an optional Tor or I2P SOCKS5 dialer.
type AnonConfig struct {
	SocksHost             string
	SocksPort             uint16
	StreamIsolationSecret []byte
}

// Config is the single immutable configuration record for a Mesh instance.
// Every numeric knob the mesh exposes lives here; constructing a
// new Config (rather than mutating one) is the only supported way to
// reconfigure a node between tests or restarts.
type Config struct {
	// DataDir holds the identity key, plane certificates, and pin store.
	DataDir string
	// AllowIdentityRegenerate permits regenerating a corrupt identity file
	// instead of refusing to start. Default false.
	AllowIdentityRegenerate bool

	ControlListenAddr string
	DataListenAddr    string
	PublicHost        string // the host peers should dial us at

	// TransportKindOrder is the operator's preferred transport kinds, most
	// preferred first. A kind absent here is never dialed.
	TransportKindOrder []descriptor.TransportKind
	LocalNatType       descriptor.NatType
	RelayRequired      bool

	// Tor and I2P are nil to disable that transport entirely.
	Tor *AnonConfig
	I2P *AnonConfig

	// StrictPinning requires every pin to be descriptor-sourced; TOFU pins
	// are rejected outright when true.
	StrictPinning bool
	// PinRotationWindow is how long a rotated SPKI's previous value stays
	// valid. Zero uses the default of 30 days.
	PinRotationWindow time.Duration

	Throttle       transport.ThrottleConfig
	GossipLimits   hashgossip.Limits
	NeighborConfig neighbor.Config
	Consensus      hashgossip.ConsensusConfig
	QUICConfig     *quic.Config

	// MaxPeersPerCycle caps how many outbound delta-sync probes one gossip
	// cycle may start. Zero uses the default of 5.
	MaxPeersPerCycle int

	// DHT and HashDB are required collaborators. Resolver, Reputation and
	// Pop are optional; nil disables that feature (with a nil Resolver
	// every chunk request is answered with Success=false).
	DHT        meshiface.DHTClient
	HashDB     meshiface.HashDbService
	Resolver   meshiface.PathResolver
	Reputation meshiface.PeerReputation
	Pop        hashgossip.PopVerifier
}

func (c Config) withDefaults() Config {
	if len(c.TransportKindOrder) == 0 {
		c.TransportKindOrder = []descriptor.TransportKind{descriptor.TransportDirectQUIC}
	}
	if c.Throttle == (transport.ThrottleConfig{}) {
		c.Throttle = transport.DefaultThrottleConfig()
	}
	if c.GossipLimits == (hashgossip.Limits{}) {
		c.GossipLimits = hashgossip.DefaultLimits()
	}
	if c.NeighborConfig == (neighbor.Config{}) {
		c.NeighborConfig = neighbor.DefaultConfig()
	}
	if c.Consensus == (hashgossip.ConsensusConfig{}) {
		c.Consensus = hashgossip.DefaultConsensusConfig()
	}
	if c.QUICConfig == nil {
		c.QUICConfig = transport.DefaultQUICConfig()
	}
	if c.MaxPeersPerCycle == 0 {
		c.MaxPeersPerCycle = 5
	}
	return c
}

// Mesh is one running node: the composition root wiring identity through
// neighbor management in dependency order.
type Mesh struct {
	cfg Config
	log *logrus.Entry

	identity *identity.Store
	certs    *certstore.Store
	pins     *certstore.PinStore

	controlCert *certstore.Cert
	dataCert    *certstore.Cert

	directory *descriptor.Directory
	registry  *descriptor.EndpointRegistry

	throttle  *transport.Throttle
	selection transport.SelectionPolicy
	anonTor   *transport.AnonDialer
	anonI2P   *transport.AnonDialer
	dialer    *transport.Dialer

	controlListener *transport.PlaneListener
	dataListener    *transport.PlaneListener

	replay     *envelope.ReplayCache
	dispatcher *envelope.Dispatcher

	gossip    *hashgossip.Gossip
	neighbors *neighbor.Manager

	sessions *sessionManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds every collaborator in dependency order (identity and
// certstore first, as pure stores; descriptor next; transport; envelope;
// hashgossip and neighbor last) and returns a Mesh ready for Run.
func New(cfg Config) (*Mesh, error) {
	cfg = cfg.withDefaults()
	if cfg.DHT == nil || cfg.HashDB == nil {
		return nil, fmt.Errorf("meshcore: Config.DHT and Config.HashDB are required collaborators")
	}

	log := logrus.WithField("component", "meshcore")

	idStore, err := identity.Load(identity.Options{
		Path:            filepath.Join(cfg.DataDir, "mesh-identity.key"),
		AllowRegenerate: cfg.AllowIdentityRegenerate,
	})
	if err != nil {
		return nil, fmt.Errorf("meshcore: loading identity: %w", err)
	}

	certs, err := certstore.NewStore(cfg.DataDir, nil)
	if err != nil {
		return nil, fmt.Errorf("meshcore: opening cert store: %w", err)
	}
	controlCert, err := certs.LoadOrCreate(certstore.PlaneControl, idStore.PeerId(), certValidity)
	if err != nil {
		return nil, fmt.Errorf("meshcore: loading control certificate: %w", err)
	}
	dataCert, err := certs.LoadOrCreate(certstore.PlaneData, idStore.PeerId(), certValidity)
	if err != nil {
		return nil, fmt.Errorf("meshcore: loading data certificate: %w", err)
	}

	pins, err := certstore.NewPinStore(certstore.PinStoreOptions{
		Path:           filepath.Join(cfg.DataDir, "mesh-pins.json"),
		RotationWindow: cfg.PinRotationWindow,
		Strict:         cfg.StrictPinning,
	})
	if err != nil {
		return nil, fmt.Errorf("meshcore: opening pin store: %w", err)
	}

	directory := descriptor.NewDirectory(cfg.DHT, 0, nil)
	registry := descriptor.NewEndpointRegistry(30*time.Minute, nil)

	throttle := transport.NewThrottle(cfg.Throttle)
	selection := transport.SelectionPolicy{KindOrder: cfg.TransportKindOrder, LocalNat: cfg.LocalNatType}

	var anonTor, anonI2P *transport.AnonDialer
	if cfg.Tor != nil {
		anonTor, err = transport.NewAnonDialer(transport.AnonDialerConfig{
			Kind: transport.AnonTor, SocksHost: cfg.Tor.SocksHost, SocksPort: cfg.Tor.SocksPort,
			StreamIsolationSecret: cfg.Tor.StreamIsolationSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("meshcore: configuring Tor dialer: %w", err)
		}
	}
	if cfg.I2P != nil {
		anonI2P, err = transport.NewAnonDialer(transport.AnonDialerConfig{
			Kind: transport.AnonI2P, SocksHost: cfg.I2P.SocksHost, SocksPort: cfg.I2P.SocksPort,
			StreamIsolationSecret: cfg.I2P.StreamIsolationSecret,
		})
		if err != nil {
			return nil, fmt.Errorf("meshcore: configuring I2P dialer: %w", err)
		}
	}
	dialer := transport.NewDialer(pins, anonTor, anonI2P, cfg.QUICConfig)

	var controlListener, dataListener *transport.PlaneListener
	if cfg.ControlListenAddr != "" {
		controlListener, err = transport.Listen(transport.ListenConfig{
			Plane: certstore.PlaneControl, Cert: controlCert, Pins: pins,
			ListenAddr: cfg.ControlListenAddr, QUICConfig: cfg.QUICConfig,
		})
		if err != nil {
			return nil, fmt.Errorf("meshcore: listening on control plane: %w", err)
		}
	}
	if cfg.DataListenAddr != "" {
		dataListener, err = transport.Listen(transport.ListenConfig{
			Plane: certstore.PlaneData, Cert: dataCert, Pins: pins,
			ListenAddr: cfg.DataListenAddr, QUICConfig: cfg.QUICConfig,
		})
		if err != nil {
			return nil, fmt.Errorf("meshcore: listening on data plane: %w", err)
		}
	}

	replay := envelope.NewReplayCache(nil)
	nowMs := func() uint64 { return uint64(time.Now().UnixMilli()) }
	dispatcher := envelope.NewDispatcher(envelope.NewVerifier(replay, nowMs))

	neighbors := neighbor.NewManager(cfg.NeighborConfig, nil)

	m := &Mesh{
		cfg:             cfg,
		log:             log,
		identity:        idStore,
		certs:           certs,
		pins:            pins,
		controlCert:     controlCert,
		dataCert:        dataCert,
		directory:       directory,
		registry:        registry,
		throttle:        throttle,
		selection:       selection,
		anonTor:         anonTor,
		anonI2P:         anonI2P,
		dialer:          dialer,
		controlListener: controlListener,
		dataListener:    dataListener,
		replay:          replay,
		dispatcher:      dispatcher,
		neighbors:       neighbors,
	}
	m.sessions = newSessionManager(m)

	m.gossip = hashgossip.New(hashgossip.Config{
		DB:          cfg.HashDB,
		Resolver:    cfg.Resolver,
		Reputation:  cfg.Reputation,
		Limits:      cfg.GossipLimits,
		Sign:        idStore.Sign,
		SignerKeyId: signerKeyID(idStore.PublicKey()),
		Sender:      m.sessions,
		Pop:         cfg.Pop,
	})
	m.gossip.RegisterHandlers(dispatcher)

	// The worker context exists from construction so Connect can spawn a
	// session read loop before Run is ever called; Run ties it to the
	// caller's context.
	m.ctx, m.cancel = context.WithCancel(context.Background())

	return m, nil
}

// Counters is a read-copy snapshot of the node's aggregate monitoring
// tallies. No per-peer error detail is exported here; attribution lives in
// the structured logs.
type Counters struct {
	EnvelopesRejected         uint64
	SignaturesFailed          uint64
	ReplaysDetected           uint64
	PinsMismatched            uint64
	QuarantinesActive         int
	ChunksServed              uint64
	EntriesRejected           uint64
	ProofOfPossessionFailures uint64
}

// Counters snapshots the current monitoring counters across the dispatcher,
// pin store, and gossip layers.
func (m *Mesh) Counters() Counters {
	es := m.dispatcher.Stats()
	gs := m.gossip.Stats()
	return Counters{
		EnvelopesRejected:         es.EnvelopesRejected,
		SignaturesFailed:          es.SignaturesFailed,
		ReplaysDetected:           es.ReplaysDetected,
		PinsMismatched:            m.pins.Mismatches(),
		QuarantinesActive:         gs.QuarantinesActive,
		ChunksServed:              gs.ChunksServed,
		EntriesRejected:           gs.EntriesRejected,
		ProofOfPossessionFailures: gs.ProofOfPossessionFailures,
	}
}

// signerKeyID derives the SignerKeyId hint from the signing key: the
// first 8 bytes of its SHA-256, enough to
// disambiguate among the 1-3 keys a descriptor carries without leaking the
// full key in every envelope.
func signerKeyID(pub ed25519.PublicKey) []byte {
	sum := sha256.Sum256(pub)
	return sum[:8]
}

// PeerId returns this node's stable identifier.
func (m *Mesh) PeerId() string { return m.identity.PeerId() }

// Descriptor builds and signs the local node's current PeerDescriptor from
// its listen addresses, certificates, and identity.
func (m *Mesh) Descriptor() (*descriptor.Descriptor, error) {
	controlSpki, err := certstore.SpkiSha256(m.controlCert.Leaf)
	if err != nil {
		return nil, fmt.Errorf("meshcore: hashing control SPKI: %w", err)
	}
	dataSpki, err := certstore.SpkiSha256(m.dataCert.Leaf)
	if err != nil {
		return nil, fmt.Errorf("meshcore: hashing data SPKI: %w", err)
	}

	var endpoints []descriptor.Endpoint
	if m.cfg.PublicHost != "" && m.controlListener != nil {
		endpoints = append(endpoints, descriptor.Endpoint{
			TransportKind: descriptor.TransportDirectQUIC,
			Host:          m.cfg.PublicHost,
			Port:          udpPort(m.controlListener.Addr()),
			Scope:         descriptor.ScopeControl,
		})
	}
	if m.cfg.PublicHost != "" && m.dataListener != nil {
		endpoints = append(endpoints, descriptor.Endpoint{
			TransportKind: descriptor.TransportDirectQUIC,
			Host:          m.cfg.PublicHost,
			Port:          udpPort(m.dataListener.Addr()),
			Scope:         descriptor.ScopeData,
		})
	}

	var idPub [32]byte
	copy(idPub[:], m.identity.PublicKey())

	d := &descriptor.Descriptor{
		PeerId:                   m.identity.PeerId(),
		Endpoints:                endpoints,
		NatType:                  m.cfg.LocalNatType,
		RelayRequired:            m.cfg.RelayRequired,
		TimestampMs:              uint64(time.Now().UnixMilli()),
		IdentityPublicKey:        idPub,
		TlsControlSpkiSha256:     controlSpki,
		TlsDataSpkiSha256:        dataSpki,
		ControlSigningPublicKeys: [][]byte{append([]byte(nil), m.identity.PublicKey()...)},
	}
	descriptor.Sign(d, m.identity.Sign)
	return d, nil
}

// Publish signs and republishes the local descriptor to the DHT.
func (m *Mesh) Publish(ctx context.Context) error {
	d, err := m.Descriptor()
	if err != nil {
		return err
	}
	return m.directory.Publish(ctx, d)
}

// LookupHash returns a function, bound to ctx, that resolves a flacKey by
// trying the local database first and falling back to a k-of-n consensus
// lookup among the neighbor manager's recent peers.
func (m *Mesh) LookupHash(ctx context.Context) func(flacKey string) (meshiface.HashEntry, bool, error) {
	return func(flacKey string) (meshiface.HashEntry, bool, error) {
		return m.gossip.LookupHash(ctx, flacKey, m.neighbors, m.cfg.Consensus)
	}
}

// Connect dials peerId, verifying its descriptor and SPKI pin, and begins a
// delta-sync round. See session.go for the bootstrap handshake.
func (m *Mesh) Connect(ctx context.Context, peerId string) error {
	return m.sessions.connect(ctx, peerId)
}

// Run starts the background workers (accept loops, descriptor refresh,
// registry/neighbor sweeps) and blocks until ctx is cancelled or Close is
// called. Each worker runs under a supervisor that logs and restarts it on
// panic rather than taking the whole node down.
func (m *Mesh) Run(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
			m.cancel()
		case <-m.ctx.Done():
		}
	}()

	m.spawn("descriptor-refresh", m.descriptorRefreshLoop)
	m.spawn("registry-sweep", m.registrySweepLoop)
	m.spawn("neighbor-sweep", m.neighborSweepLoop)
	m.spawn("gossip-cycle", m.gossipCycleLoop)
	if m.controlListener != nil {
		m.spawn("control-accept", m.acceptLoop(m.controlListener, certstore.PlaneControl))
	}
	if m.dataListener != nil {
		m.spawn("data-accept", m.acceptLoop(m.dataListener, certstore.PlaneData))
	}

	<-m.ctx.Done()
}

// Close stops all background workers and releases listeners/the replay
// cache janitor.
func (m *Mesh) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.sessions.closeAll()
	if m.controlListener != nil {
		m.controlListener.Close()
	}
	if m.dataListener != nil {
		m.dataListener.Close()
	}
	m.wg.Wait()
	m.replay.Close()
	m.identity.Close()
	return nil
}

// spawn runs fn in a goroutine under a panic-recovering supervisor: a crash
// is logged and the worker is restarted after a short backoff rather than
// taking the whole node down.
func (m *Mesh) spawn(name string, fn func(ctx context.Context)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			if m.runSupervised(name, fn) {
				return
			}
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()
}

// runSupervised runs fn once, recovering a panic into a logged error.
// Returns true if the worker exited cleanly (ctx cancellation) and should
// not be restarted.
func (m *Mesh) runSupervised(name string, fn func(ctx context.Context)) (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithFields(logrus.Fields{"worker": name, "panic": r}).Error("worker panicked; restarting")
			stopped = false
		}
	}()
	fn(m.ctx)
	return true
}

func (m *Mesh) descriptorRefreshLoop(ctx context.Context) {
	ticker := time.NewTicker(descriptorRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Publish(ctx); err != nil {
				m.log.WithError(err).Warn("periodic descriptor refresh failed")
			}
		}
	}
}

func (m *Mesh) registrySweepLoop(ctx context.Context) {
	ticker := time.NewTicker(registrySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.registry.Sweep()
		}
	}
}

func (m *Mesh) neighborSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(neighborSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.neighbors.Sweep()
		}
	}
}

// gossipCycleLoop periodically starts outbound delta-sync rounds with the
// peers the neighbor manager says are due, capped at MaxPeersPerCycle
// probes per cycle.
func (m *Mesh) gossipCycleLoop(ctx context.Context) {
	ticker := time.NewTicker(gossipCycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runGossipCycle(ctx)
		}
	}
}

func (m *Mesh) runGossipCycle(ctx context.Context) {
	for _, peerId := range m.neighbors.SyncCandidates(m.cfg.MaxPeersPerCycle) {
		if !m.sessions.has(peerId) {
			// connect starts a delta sync itself once the session is up.
			if err := m.sessions.connect(ctx, peerId); err != nil {
				m.log.WithError(err).WithField("peer_id", peerId).Debug("gossip cycle dial failed")
			}
			continue
		}
		if err := m.gossip.StartSync(peerId); err != nil {
			continue // mid-sync or cooling down; the next cycle retries
		}
		m.neighbors.MarkSynced(peerId)
	}
}

func udpPort(addr interface{ String() string }) uint16 {
	// net.UDPAddr/quic listener addresses stringify as "host:port"; the
	// descriptor only needs the numeric port, which PublicHost pairs with.
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}
