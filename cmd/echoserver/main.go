// Command echoserver serves a length-prefixed echo protocol, demonstrating
// how to assemble a server pipeline: terminal socket handler, frame
// decoder, length prepender, string codec and a pipelined dispatcher over
// a plain echo service.
package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	wangle "github.com/shili1992/wangle"
)

func main() {
	addr := flag.String("addr", ":11222", "address to listen on")
	metricsAddr := flag.String("metrics", "", "address to serve /metrics on (empty disables)")
	configPath := flag.String("config", "", "optional yaml config file")
	flag.Parse()

	maxConns := 0
	eventBases := 0
	if *configPath != "" {
		cfg, err := wangle.LoadServerConfig(*configPath)
		if err != nil {
			slog.Error("load config", "err", err)
			os.Exit(1)
		}
		*addr = cfg.ListenAddr
		maxConns = cfg.MaxConns
		eventBases = cfg.EventBases
	}

	reg := prometheus.NewRegistry()
	stats := wangle.NewPrometheusStats(reg, "echo")

	echo := wangle.ServiceFunc[string, string](func(req string) *wangle.Future[string] {
		return wangle.CompletedFuture(req)
	})

	factory := wangle.PipelineFactoryFunc(func(t wangle.Transport) (*wangle.Pipeline, error) {
		p := wangle.NewPipeline()
		if err := wangle.AddBack[*wangle.ByteQueue, *wangle.ByteQueue, []byte, []byte](
			p, wangle.NewAsyncSocketHandler(t)); err != nil {
			return nil, err
		}
		if err := wangle.AddInboundBack[*wangle.ByteQueue, []byte](
			p, wangle.NewByteToMessageDecoder(
				wangle.NewLengthFieldBasedFrameDecoder(4, 1<<20, 0, 0, 4, true))); err != nil {
			return nil, err
		}
		if err := wangle.AddOutboundBack[[]byte, []byte](
			p, wangle.NewLengthFieldPrepender(4, 0, false, true)); err != nil {
			return nil, err
		}
		if err := wangle.AddBack[[]byte, string, string, []byte](
			p, &wangle.StringCodec{}); err != nil {
			return nil, err
		}
		if err := wangle.AddBack[string, string, string, string](
			p, wangle.NewPipelinedServerDispatcher[string, string](echo)); err != nil {
			return nil, err
		}
		if err := p.Finalize(); err != nil {
			return nil, err
		}
		return p, nil
	})

	srv := wangle.NewServerBootstrap().
		ChildPipeline(factory).
		Stats(stats).
		Observer(stats.Observer())
	srv.MaxConns = maxConns
	if eventBases > 0 {
		srv.Group(wangle.NewEventBaseGroup(eventBases))
	}

	if err := srv.Bind(*addr); err != nil {
		slog.Error("bind", "err", err)
		os.Exit(1)
	}
	slog.Info("echo server listening", "addr", srv.Addr)

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				slog.Error("metrics server", "err", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	slog.Info("shutting down")
	srv.Stop()
}
