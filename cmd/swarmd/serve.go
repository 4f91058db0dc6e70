package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	promsink "github.com/hashicorp/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/raskyld/swarm"
	"github.com/raskyld/swarm/pkg/codec"
	"github.com/raskyld/swarm/pkg/link"
	"github.com/raskyld/swarm/pkg/storage"
	"gopkg.in/yaml.v3"
)

const shutdownGrace = 10 * time.Second

func printConfig(w io.Writer, cfg Config) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(cfg)
}

func serve(ctx context.Context, cfg Config) error {
	lvl, err := cfg.logLevel()
	if err != nil {
		return err
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	logger := slog.New(handler).With(swarm.LabelHost.L(cfg.ID))

	tlsConf, err := cfg.tlsConfig()
	if err != nil {
		return err
	}

	cd, ok := codec.ByName(cfg.Codec)
	if !ok {
		return fmt.Errorf("unknown codec %q", cfg.Codec)
	}

	sink, err := promsink.NewPrometheusSink()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	labels := []metrics.Label{swarm.LabelHost.M(cfg.ID)}

	var backend storage.Backend
	if cfg.Storage != "" {
		backend, err = storage.OpenBolt(cfg.Storage, cd)
		if err != nil {
			return err
		}
	} else {
		backend = storage.NewMemory(cd)
	}
	store := storage.New(backend, logger)
	defer store.Close()

	host, err := swarm.NewHost(
		cfg.ID,
		swarm.WithLog(handler),
		swarm.WithMetricSink(sink),
		swarm.WithMetricLabels(labels),
		swarm.WithStorage(store),
	)
	if err != nil {
		return err
	}
	defer host.Close()

	pipeOpts := []swarm.PipeOption{
		swarm.WithCodec(cd),
		swarm.WithKeepalive(cfg.Keepalive),
		swarm.WithFlushWindow(cfg.FlushWindow),
	}

	accept := func(stream link.Stream) {
		p, err := swarm.NewPipe(host, pipeOpts...)
		if err == nil {
			err = p.Serve(stream)
		}
		if err != nil {
			logger.Warn("cannot serve pipe", swarm.LabelError.L(err))
			stream.Close()
		}
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	mux := http.NewServeMux()
	mux.Handle("/swarm", link.WebSocketHandler(accept, logger))
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		TLSConfig:         tlsConf,
		ReadHeaderTimeout: 5 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		var err error
		if tlsConf != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", swarm.LabelError.L(err))
		}
	}()
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	logger.Info("listening", "addr", cfg.Listen)

	if cfg.QUICListen != "" {
		ql, err := link.ListenQUIC(cfg.QUICListen, tlsConf)
		if err != nil {
			return err
		}
		defer ql.Close()
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				stream, err := ql.Accept(ctx)
				if err != nil {
					if ctx.Err() == nil {
						logger.Error("quic listener failed", swarm.LabelError.L(err))
					}
					return
				}
				accept(stream)
			}
		}()
		logger.Info("listening", "addr", ql.Addr().String(), "transport", "quic")
	}

	for _, uplink := range cfg.Uplinks {
		dialer, err := dialerFor(uplink, tlsConf)
		if err != nil {
			return err
		}
		p, err := swarm.NewPipe(host, append([]swarm.PipeOption{swarm.WithDialer(dialer)}, pipeOpts...)...)
		if err != nil {
			return err
		}
		if err := p.Start(); err != nil {
			return err
		}
		logger.Info("dialing uplink", swarm.LabelPeerAddr.L(uplink))
	}

	if cfg.Gossip.Enabled {
		disco, err := swarm.NewDiscovery(
			host,
			swarm.WithGossipBind(cfg.Gossip.Bind, cfg.Gossip.Port),
			swarm.WithAdvertise(cfg.Gossip.Advertise),
			swarm.WithSeeds(cfg.Gossip.Seeds),
			swarm.WithGossipMetricLabels(labels),
			swarm.WithPeerPipeOptions(pipeOpts...),
			swarm.WithPeerDialer(func(addr string) swarm.Dialer {
				dialer, err := dialerFor(addr, tlsConf)
				if err != nil {
					return func(context.Context) (link.Stream, error) { return nil, err }
				}
				return dialer
			}),
		)
		if err != nil {
			return err
		}
		defer disco.Shutdown()
		if err := disco.Join(); err != nil {
			logger.Warn("gossip join failed", swarm.LabelError.L(err))
		}
	}

	<-ctx.Done()
	logger.Info("terminating...")
	return nil
}

// dialerFor maps `ws://`, `wss://` and `quic://` URLs to a link dialer.
func dialerFor(raw string, tlsConf *tls.Config) (swarm.Dialer, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bad uplink %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
		return func(ctx context.Context) (link.Stream, error) {
			if u.Scheme == "wss" && tlsConf != nil {
				return link.DialWebSocketTLS(ctx, raw, tlsConf)
			}
			return link.DialWebSocket(ctx, raw, nil)
		}, nil
	case "quic":
		if tlsConf == nil {
			return nil, fmt.Errorf("uplink %q: QUIC requires TLS", raw)
		}
		return func(ctx context.Context) (link.Stream, error) {
			return link.DialQUIC(ctx, u.Host, tlsConf)
		}, nil
	}
	return nil, fmt.Errorf("uplink %q: unsupported scheme %q", raw, u.Scheme)
}
