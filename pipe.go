package swarm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/swarm/pkg/codec"
	"github.com/raskyld/swarm/pkg/link"
	"github.com/raskyld/swarm/pkg/spec"
)

const (
	DefaultKeepalive         = 8 * time.Second
	DefaultReconnectDelay    = 1 * time.Second
	DefaultMaxReconnectDelay = 30 * time.Second
	DefaultPipeQueueSize     = 1024

	// unherd spreads the flushes of pipes that were idle for long.
	unherd = 20 * time.Millisecond
)

var (
	errPipeDead = errors.New("pipe: peer silent for too long")
	errPipeBusy = errors.New("pipe: already connected")
)

// Dialer opens a new link to the remote host, for pipes that reconnect.
type Dialer func(ctx context.Context) (link.Stream, error)

type pipeConfig struct {
	dialer            Dialer
	codec             codec.Codec
	flushWindow       time.Duration
	keepalive         time.Duration
	reconnectDelay    time.Duration
	maxReconnectDelay time.Duration
	queueSize         int
}

// PipeOption to pass to `NewPipe`.
type PipeOption func(*pipeConfig) error

// WithDialer makes the pipe active: it dials, says hello first and
// reconnects with an exponential backoff when the link drops.
func WithDialer(dialer Dialer) PipeOption {
	return func(c *pipeConfig) error {
		if dialer == nil {
			return ErrNoDialer
		}
		c.dialer = dialer
		return nil
	}
}

// WithCodec sets how bundles are framed, JSON by default.
func WithCodec(cd codec.Codec) PipeOption {
	return func(c *pipeConfig) error {
		if cd == nil {
			return fmt.Errorf("nil codec")
		}
		c.codec = cd
		return nil
	}
}

// WithFlushWindow coalesces the operations sent within window into a
// single bundle. With 0, every operation is sent right away.
func WithFlushWindow(window time.Duration) PipeOption {
	return func(c *pipeConfig) error {
		if window < 0 {
			return fmt.Errorf("negative flush window")
		}
		c.flushWindow = window
		return nil
	}
}

// WithKeepalive sets the keepalive period: an empty bundle is sent after
// half a period of silence and the link is dropped after four periods
// without receiving anything.
func WithKeepalive(period time.Duration) PipeOption {
	return func(c *pipeConfig) error {
		if period <= 0 {
			return fmt.Errorf("keepalive period must be positive")
		}
		c.keepalive = period
		return nil
	}
}

// WithReconnectDelay bounds the reconnection backoff: it starts at base,
// doubles on every failure and never exceeds maximum.
func WithReconnectDelay(base, maximum time.Duration) PipeOption {
	return func(c *pipeConfig) error {
		if base <= 0 || maximum < base {
			return fmt.Errorf("invalid reconnect delays %s, %s", base, maximum)
		}
		c.reconnectDelay = base
		c.maxReconnectDelay = maximum
		return nil
	}
}

// WithQueueSize bounds the frames waiting to be written. A pipe whose
// queue overflows drops its link, the resync on reconnection catches up.
func WithQueueSize(size int) PipeOption {
	return func(c *pipeConfig) error {
		if size <= 0 {
			return fmt.Errorf("queue size must be positive")
		}
		c.queueSize = size
		return nil
	}
}

// pipeConn is the state of one link, a pipe goes through many of them
// when it reconnects.
type pipeConn struct {
	stream link.Stream
	outCh  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// Pipe relays operations between its host and a remote host over a
// `link.Stream`. It is the remote host's proxy: once the handshake is
// over the local host sees it as the source registered for the remote id.
type Pipe struct {
	host   *Host
	cfg    pipeConfig
	logger *slog.Logger

	lk         sync.Mutex
	conn       *pipeConn
	peerID     string
	bundle     map[string]any
	flushTimer *time.Timer
	lastSend   time.Time
	lastRecv   time.Time
	stuck      bool
	delay      time.Duration
	closed     bool

	done chan struct{}
	wg   sync.WaitGroup
}

// NewPipe creates a pipe for host. Call `Pipe.Dial` on active pipes,
// `Pipe.Serve` with an accepted stream on passive ones.
func NewPipe(host *Host, opts ...PipeOption) (*Pipe, error) {
	cfg := pipeConfig{
		codec:             codec.JSON{},
		keepalive:         DefaultKeepalive,
		reconnectDelay:    DefaultReconnectDelay,
		maxReconnectDelay: DefaultMaxReconnectDelay,
		queueSize:         DefaultPipeQueueSize,
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	p := &Pipe{
		host:   host,
		cfg:    cfg,
		logger: host.logger.With("component", "pipe"),
		bundle: make(map[string]any),
		delay:  cfg.reconnectDelay,
		done:   make(chan struct{}),
	}
	host.trackPipe(p)
	return p, nil
}

// PeerID is the remote host id, empty until the handshake is done.
func (p *Pipe) PeerID() string {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.peerID
}

// Stuck tells whether the peer was silent for more than 1.5 keepalive
// periods. It is reset by the next received frame.
func (p *Pipe) Stuck() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.stuck
}

// Connected tells whether a link is up.
func (p *Pipe) Connected() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.conn != nil
}

// Dial establishes the first link of an active pipe and sends the
// handshake. Later links are re-established in the background.
func (p *Pipe) Dial(ctx context.Context) error {
	if p.cfg.dialer == nil {
		return ErrNoDialer
	}
	stream, err := p.cfg.dialer(ctx)
	if err != nil {
		p.host.msink.IncrCounterWithLabels(
			MetricSwarmPipeErrorCount,
			1.0,
			withLabels(p.host.cfg.metricLabels, LabelError.M("dial")),
		)
		return err
	}
	return p.open(stream, true)
}

// Start connects an active pipe in the background: the first dial is
// immediate, failures are retried with the reconnection backoff.
func (p *Pipe) Start() error {
	if p.cfg.dialer == nil {
		return ErrNoDialer
	}
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closed {
		return ErrPipeClosed
	}
	p.wg.Add(1)
	go p.reconnect(true)
	return nil
}

// Serve runs a passive pipe over an accepted stream: the remote side is
// expected to say hello first.
func (p *Pipe) Serve(stream link.Stream) error {
	return p.open(stream, false)
}

func (p *Pipe) open(stream link.Stream, active bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	c := &pipeConn{
		stream: stream,
		outCh:  make(chan []byte, p.cfg.queueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	p.lk.Lock()
	if p.closed || p.conn != nil {
		closed := p.closed
		p.lk.Unlock()
		cancel()
		stream.Close()
		if closed {
			return ErrPipeClosed
		}
		return errPipeBusy
	}
	p.conn = c
	p.peerID = ""
	p.stuck = false
	p.lastSend = time.Now()
	p.lastRecv = p.lastSend
	p.wg.Add(3)
	p.lk.Unlock()

	go p.writeLoop(c)
	go p.readLoop(c)
	go p.keepaliveLoop(c)

	if active {
		return p.host.Exec(func() {
			p.host.Connect(p)
		})
	}
	return nil
}

// Deliver queues op for the remote host.
func (p *Pipe) Deliver(op spec.Spec, value any, _ Receiver) {
	if sp, ok := value.(spec.Spec); ok {
		value = sp.String()
	}

	p.lk.Lock()
	defer p.lk.Unlock()
	c := p.conn
	if c == nil {
		p.logger.Debug("no link, dropping", LabelOp.L(op.String()))
		return
	}
	p.bundle[op.String()] = cloneValue(value)

	if p.cfg.flushWindow == 0 {
		p.flushLocked(c)
		return
	}
	if p.flushTimer != nil {
		return
	}
	delay := p.cfg.flushWindow - time.Since(p.lastSend)
	if delay <= 0 {
		delay = rand.N(unherd)
	}
	p.flushTimer = time.AfterFunc(delay, func() {
		p.lk.Lock()
		defer p.lk.Unlock()
		p.flushTimer = nil
		if p.conn == c {
			p.flushLocked(c)
		}
	})
}

// flushLocked encodes the pending bundle, possibly empty, and hands it to
// the writer. p.lk MUST be held.
func (p *Pipe) flushLocked(c *pipeConn) {
	bundle := p.bundle
	p.bundle = make(map[string]any)
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}

	frame, err := p.cfg.codec.Encode(bundle)
	if err != nil {
		p.logger.Error("cannot encode bundle, dropping it", LabelError.L(err))
		p.host.msink.IncrCounterWithLabels(
			MetricSwarmPipeErrorCount,
			1.0,
			withLabels(p.host.cfg.metricLabels, LabelError.M("encode")),
		)
		return
	}

	select {
	case c.outCh <- frame:
		p.lastSend = time.Now()
	default:
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.drop(c, ErrPipeOverflow)
		}()
	}
}

func (p *Pipe) writeLoop(c *pipeConn) {
	defer p.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case frame := <-c.outCh:
			if err := c.stream.Send(c.ctx, frame); err != nil {
				p.drop(c, err)
				return
			}
			p.host.msink.IncrCounterWithLabels(
				MetricSwarmPipeOutBytes,
				float32(len(frame)),
				p.metricLabels(),
			)
		}
	}
}

func (p *Pipe) readLoop(c *pipeConn) {
	defer p.wg.Done()
	for {
		frame, err := c.stream.Recv(c.ctx)
		if err != nil {
			p.drop(c, err)
			return
		}

		p.lk.Lock()
		if p.conn != c {
			p.lk.Unlock()
			return
		}
		p.lastRecv = time.Now()
		p.stuck = false
		p.delay = p.cfg.reconnectDelay
		p.lk.Unlock()

		p.host.msink.IncrCounterWithLabels(MetricSwarmPipeInBytes, float32(len(frame)), p.metricLabels())

		bundle, err := p.cfg.codec.Decode(frame)
		if err != nil {
			p.host.msink.IncrCounterWithLabels(
				MetricSwarmPipeErrorCount,
				1.0,
				withLabels(p.host.cfg.metricLabels, LabelError.M("decode")),
			)
			p.drop(c, err)
			return
		}

		var failure error
		err = p.host.Exec(func() {
			failure = p.receive(c, bundle)
		})
		if err == nil {
			err = failure
		}
		if err != nil {
			p.drop(c, err)
			return
		}
	}
}

// receive runs with the host held.
func (p *Pipe) receive(c *pipeConn, bundle map[string]any) error {
	p.lk.Lock()
	current, peer := p.conn == c, p.peerID
	p.lk.Unlock()
	if !current {
		return nil
	}
	if peer == "" {
		return p.parseHandshake(c, bundle)
	}
	p.parseBundle(bundle)
	return nil
}

// parseHandshake expects exactly one `/Host#peer!version.on` or `.reon`
// and hands it to the host. Empty bundles are keepalives.
func (p *Pipe) parseHandshake(c *pipeConn, bundle map[string]any) error {
	if len(bundle) == 0 {
		return nil
	}

	var hello spec.Spec
	var helloKey string
	for key := range bundle {
		sp, err := spec.Parse(key)
		if err != nil || sp.Type() != HostTypeName {
			continue
		}
		if m := sp.Method(); m != MethodOn && m != MethodReOn {
			continue
		}
		if helloKey != "" {
			return fmt.Errorf("%w: several hellos", ErrHandshake)
		}
		hello, helloKey = sp, key
	}
	if helloKey == "" || hello.Pattern() != spec.FullPattern || hello.ID() == "" {
		p.host.msink.IncrCounterWithLabels(
			MetricSwarmPipeErrorCount,
			1.0,
			withLabels(p.host.cfg.metricLabels, LabelError.M("handshake")),
		)
		return fmt.Errorf("%w: no hello in %d operations", ErrHandshake, len(bundle))
	}

	p.lk.Lock()
	if p.conn != c {
		p.lk.Unlock()
		return nil
	}
	p.peerID = hello.ID()
	p.lk.Unlock()

	p.host.msink.IncrCounterWithLabels(MetricSwarmPipeHandshakeCount, 1.0, p.metricLabels())
	p.logger.Info("handshake done", LabelPeerName.L(hello.ID()), LabelMethod.L(hello.Method()))
	p.host.Deliver(hello, bundle[helloKey], p)

	delete(bundle, helloKey)
	p.parseBundle(bundle)
	return nil
}

// parseBundle delivers the operations of a bundle oldest first.
func (p *Pipe) parseBundle(bundle map[string]any) {
	ops := make([]spec.Spec, 0, len(bundle))
	for key := range bundle {
		sp, err := spec.Parse(key)
		if err != nil {
			p.logger.Warn("skipping malformed operation", LabelOp.L(key), LabelError.L(err))
			continue
		}
		ops = append(ops, sp)
	}
	slices.SortFunc(ops, func(a, b spec.Spec) int {
		return strings.Compare(b.String(), a.String())
	})
	for len(ops) > 0 {
		op := ops[len(ops)-1]
		ops = ops[:len(ops)-1]
		p.host.Deliver(op, bundle[op.String()], p)
	}
}

func (p *Pipe) keepaliveLoop(c *pipeConn) {
	defer p.wg.Done()
	interval := p.cfg.keepalive/2 + rand.N(10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var now time.Time
		select {
		case <-c.ctx.Done():
			return
		case now = <-ticker.C:
		}

		p.lk.Lock()
		if p.conn != c {
			p.lk.Unlock()
			return
		}
		if now.Sub(p.lastSend) > p.cfg.keepalive/2 {
			p.flushLocked(c)
		}
		silent := now.Sub(p.lastRecv)
		becameStuck := silent > p.cfg.keepalive*3/2 && !p.stuck
		if becameStuck {
			p.stuck = true
		}
		peer := p.peerID
		p.lk.Unlock()

		labels := withLabels(p.host.cfg.metricLabels, LabelPeerName.M(peer))
		if becameStuck {
			p.logger.Warn("peer is stuck", LabelPeerName.L(peer), "silent", silent)
			p.host.msink.IncrCounterWithLabels(MetricSwarmPipeStuckCount, 1.0, labels)
		}
		if silent > p.cfg.keepalive*4 {
			p.host.msink.IncrCounterWithLabels(MetricSwarmPipeDeadCount, 1.0, labels)
			p.drop(c, errPipeDead)
			return
		}
	}
}

// drop tears c down, unregisters the peer and schedules a reconnection
// for active pipes. It MUST NOT be called with the host held.
func (p *Pipe) drop(c *pipeConn, cause error) {
	p.lk.Lock()
	if p.conn != c {
		p.lk.Unlock()
		return
	}
	p.conn = nil
	peer := p.peerID
	p.peerID = ""
	p.bundle = make(map[string]any)
	if p.flushTimer != nil {
		p.flushTimer.Stop()
		p.flushTimer = nil
	}
	closed := p.closed
	reconnect := !closed && p.cfg.dialer != nil
	if reconnect {
		p.wg.Add(1)
	}
	p.lk.Unlock()

	c.cancel()
	c.stream.Close()

	if !closed {
		p.logger.Warn("link dropped", LabelPeerName.L(peer), LabelError.L(cause))
		p.host.msink.IncrCounterWithLabels(
			MetricSwarmPipeErrorCount,
			1.0,
			withLabels(p.host.cfg.metricLabels, LabelError.M("link")),
		)
	}
	if peer != "" {
		_ = p.host.Exec(func() {
			p.host.RemoveSource(p)
		})
	}

	if reconnect {
		go p.reconnect(false)
	} else if !closed {
		p.host.forgetPipe(p)
	}
}

func (p *Pipe) reconnect(immediate bool) {
	defer p.wg.Done()
	for {
		p.lk.Lock()
		delay := p.delay
		if !immediate {
			p.delay = min(p.delay*2, p.cfg.maxReconnectDelay)
			delay = p.delay
		}
		p.lk.Unlock()

		if !immediate {
			timer := time.NewTimer(delay)
			select {
			case <-p.done:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		immediate = false

		p.host.msink.IncrCounterWithLabels(MetricSwarmPipeReconnectCount, 1.0, p.host.cfg.metricLabels)
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.maxReconnectDelay)
		err := p.Dial(ctx)
		cancel()
		switch {
		case err == nil:
			p.logger.Info("reconnected")
			return
		case errors.Is(err, ErrPipeClosed), errors.Is(err, ErrHostClosed), errors.Is(err, errPipeBusy):
			return
		default:
			p.logger.Warn("reconnection failed", LabelError.L(err), "retry_in", min(delay*2, p.cfg.maxReconnectDelay))
		}
	}
}

// Close drops the link for good and waits for the pipe goroutines. It
// MUST NOT be called with the host held.
func (p *Pipe) Close() error {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	c := p.conn
	p.lk.Unlock()

	if c != nil {
		p.drop(c, ErrPipeClosed)
	}
	p.wg.Wait()
	p.host.forgetPipe(p)
	return nil
}

func (p *Pipe) metricLabels() []metrics.Label {
	p.lk.Lock()
	peer := p.peerID
	p.lk.Unlock()
	return withLabels(p.host.cfg.metricLabels, LabelPeerName.M(peer))
}

func (p *Pipe) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("peer", p.PeerID()),
		slog.Bool("connected", p.Connected()),
	)
}
