package swarm

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

// PeerDialer returns the `Dialer` reaching the server that advertised
// addr in its gossip metadata.
type PeerDialer func(addr string) Dialer

type discoveryConfig struct {
	mlCfg      *memberlist.Config
	advertise  string
	peerDialer PeerDialer
	pipeOpts   []PipeOption
	seeds      []string
	leaveGrace time.Duration
}

// DiscoveryOption to pass to `NewDiscovery`.
type DiscoveryOption func(*discoveryConfig) error

// WithGossipBind specifies the interface the gossip protocol listens on.
// Port 0 picks a free port.
func WithGossipBind(addr string, port int) DiscoveryOption {
	return func(c *discoveryConfig) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithAdvertise sets the address other servers dial to open a pipe to
// this host, a websocket URL for instance.
func WithAdvertise(addr string) DiscoveryOption {
	return func(c *discoveryConfig) error {
		if len(addr) > memberlist.MetaMaxSize {
			return fmt.Errorf("advertised address longer than %d bytes", memberlist.MetaMaxSize)
		}
		c.advertise = addr
		return nil
	}
}

// WithPeerDialer sets how advertised addresses are dialed.
func WithPeerDialer(pd PeerDialer) DiscoveryOption {
	return func(c *discoveryConfig) error {
		if pd == nil {
			return ErrNoDialer
		}
		c.peerDialer = pd
		return nil
	}
}

// WithPeerPipeOptions are applied to every pipe opened to a discovered
// server.
func WithPeerPipeOptions(opts ...PipeOption) DiscoveryOption {
	return func(c *discoveryConfig) error {
		c.pipeOpts = append(c.pipeOpts, opts...)
		return nil
	}
}

// WithSeeds controls which gossip addresses are tried by `Discovery.Join`.
func WithSeeds(seeds []string) DiscoveryOption {
	return func(c *discoveryConfig) error {
		c.seeds = seeds
		return nil
	}
}

// WithGossipMetricLabels labels the metrics memberlist emits.
func WithGossipMetricLabels(labels []metrics.Label) DiscoveryOption {
	return func(c *discoveryConfig) error {
		// memberlist still speaks armon's labels.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// Discovery keeps a full mesh of pipes between the servers of a swarm.
// Servers find each other through memberlist gossip, and for every pair
// the host with the smaller id dials the other one.
type Discovery struct {
	host   *Host
	cfg    discoveryConfig
	logger *slog.Logger
	ml     *memberlist.Memberlist

	lk       sync.Mutex
	pipes    map[string]*Pipe
	shutdown bool
	wg       sync.WaitGroup
}

// NewDiscovery starts gossiping on behalf of host. The gossip node name
// is the host id.
func NewDiscovery(host *Host, opts ...DiscoveryOption) (*Discovery, error) {
	d := &Discovery{
		host:  host,
		pipes: make(map[string]*Pipe),
		cfg: discoveryConfig{
			mlCfg:      memberlist.DefaultLANConfig(),
			leaveGrace: 2 * time.Second,
		},
	}
	d.cfg.mlCfg.ProbeTimeout = 2 * time.Second

	for _, opt := range opts {
		if err := opt(&d.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if d.cfg.peerDialer == nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoDialer)
	}

	d.logger = host.logger.With("component", "discovery")
	if host.cfg.logHandler != nil {
		d.cfg.mlCfg.Logger = slog.NewLogLogger(host.cfg.logHandler, slog.LevelDebug)
	} else {
		d.cfg.mlCfg.Logger = slog.NewLogLogger(slog.Default().Handler(), slog.LevelDebug)
	}
	d.cfg.mlCfg.Name = host.ID()
	d.cfg.mlCfg.Delegate = d
	d.cfg.mlCfg.Events = d

	ml, err := memberlist.Create(d.cfg.mlCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	d.ml = ml
	return d, nil
}

// Join contacts the configured seeds, plus extra ones.
func (d *Discovery) Join(extra ...string) error {
	seeds := append(append([]string{}, d.cfg.seeds...), extra...)
	if len(seeds) == 0 {
		return nil
	}
	joined, err := d.ml.Join(seeds)
	if err != nil {
		return fmt.Errorf("gossip: join: %w", err)
	}
	if joined != len(seeds) {
		d.logger.Warn("not all seeds are reachable", "joined", joined, "expected", len(seeds))
	}
	return nil
}

// GossipAddr is the address other nodes use as a seed.
func (d *Discovery) GossipAddr() string {
	node := d.ml.LocalNode()
	return fmt.Sprintf("%s:%d", node.Addr, node.Port)
}

// Members returns the ids of the live gossip members, this host included.
func (d *Discovery) Members() []string {
	nodes := d.ml.Members()
	ids := make([]string, len(nodes))
	for i, node := range nodes {
		ids[i] = node.Name
	}
	return ids
}

// Pipe returns the pipe this host dialed to peer, if any.
func (d *Discovery) Pipe(peer string) (*Pipe, bool) {
	d.lk.Lock()
	defer d.lk.Unlock()
	p, ok := d.pipes[peer]
	return p, ok
}

// Shutdown leaves the gossip and closes the pipes discovery opened. It
// MUST NOT be called with the host held.
func (d *Discovery) Shutdown() error {
	d.lk.Lock()
	if d.shutdown {
		d.lk.Unlock()
		return nil
	}
	d.shutdown = true
	pipes := d.pipes
	d.pipes = make(map[string]*Pipe)
	d.lk.Unlock()

	if err := d.ml.Leave(d.cfg.leaveGrace); err != nil {
		d.logger.Warn("leave not propagated", LabelError.L(err))
	}
	err := d.ml.Shutdown()

	d.wg.Wait()
	for _, p := range pipes {
		p.Close()
	}
	return err
}

// NodeMeta advertises where to dial this host.
func (d *Discovery) NodeMeta(limit int) []byte {
	if len(d.cfg.advertise) > limit {
		d.logger.Error("advertised address does not fit node meta", "limit", limit)
		return nil
	}
	return []byte(d.cfg.advertise)
}

func (d *Discovery) NotifyMsg([]byte)                           {}
func (d *Discovery) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (d *Discovery) LocalState(join bool) []byte                { return nil }
func (d *Discovery) MergeRemoteState(buf []byte, join bool)     {}

// NotifyJoin is invoked by memberlist with its own locks held, the pipe
// dials in the background.
func (d *Discovery) NotifyJoin(node *memberlist.Node) {
	d.event("join", node)
	if !d.shouldDial(node) {
		return
	}

	d.lk.Lock()
	defer d.lk.Unlock()
	if d.shutdown {
		return
	}
	if _, exists := d.pipes[node.Name]; exists {
		return
	}
	p, err := NewPipe(d.host, append([]PipeOption{WithDialer(d.cfg.peerDialer(string(node.Meta)))}, d.cfg.pipeOpts...)...)
	if err != nil {
		d.logger.Error("cannot create pipe", LabelPeerName.L(node.Name), LabelError.L(err))
		return
	}
	if err := p.Start(); err != nil {
		d.logger.Error("cannot start pipe", LabelPeerName.L(node.Name), LabelError.L(err))
		return
	}
	d.pipes[node.Name] = p
	d.logger.Debug("dialing peer", LabelPeerName.L(node.Name), LabelPeerAddr.L(string(node.Meta)))
}

func (d *Discovery) NotifyLeave(node *memberlist.Node) {
	d.event("leave", node)

	d.lk.Lock()
	p, ok := d.pipes[node.Name]
	delete(d.pipes, node.Name)
	d.lk.Unlock()
	if !ok {
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		p.Close()
	}()
}

func (d *Discovery) NotifyUpdate(node *memberlist.Node) {
	d.event("update", node)
}

func (d *Discovery) shouldDial(node *memberlist.Node) bool {
	id := d.host.ID()
	return node.Name != id &&
		id < node.Name &&
		d.host.IsServer() &&
		d.host.cfg.isServer(node.Name) &&
		len(node.Meta) > 0
}

func (d *Discovery) event(kind string, node *memberlist.Node) {
	d.host.msink.IncrCounterWithLabels(
		MetricSwarmGossipEventCount,
		1.0,
		withLabels(d.host.cfg.metricLabels, LabelEvent.M(kind)),
	)
	d.logger.Info("gossip event",
		LabelEvent.L(kind),
		LabelPeerName.L(node.Name),
		LabelPeerAddr.L(node.Address()),
	)
}
