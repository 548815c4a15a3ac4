// Command echoclient connects to an echoserver, sends each stdin line as a
// length-prefixed frame through a serial client dispatcher and prints the
// response.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	wangle "github.com/shili1992/wangle"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:11222", "server address")
	timeout := flag.Duration("timeout", 10*time.Second, "connect and call timeout")
	flag.Parse()

	dispatcher := wangle.NewSerialClientDispatcher[string, string]()

	factory := wangle.PipelineFactoryFunc(func(t wangle.Transport) (*wangle.Pipeline, error) {
		p := wangle.NewPipeline()
		if err := wangle.AddBack[*wangle.ByteQueue, *wangle.ByteQueue, []byte, []byte](
			p, wangle.NewAsyncSocketHandler(t)); err != nil {
			return nil, err
		}
		if err := wangle.AddOutboundBack[[]byte, []byte](
			p, &wangle.EventBaseHandler{}); err != nil {
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
		if err := p.Finalize(); err != nil {
			return nil, err
		}
		return p, nil
	})

	client := wangle.NewClientBootstrap().PipelineFactory(factory)
	defer client.Close()

	pipeline, err := client.Connect(*addr, *timeout).Wait(*timeout)
	if err != nil {
		slog.Error("connect", "addr", *addr, "err", err)
		os.Exit(1)
	}
	// Pipeline state belongs to its event base; hop there for anything
	// that touches it.
	loop := pipeline.Transport().EventBase()
	var attachErr error
	loop.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
		attachErr = dispatcher.SetPipeline(pipeline)
	})
	if attachErr != nil {
		slog.Error("attach dispatcher", "err", attachErr)
		os.Exit(1)
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		var fut *wangle.Future[string]
		loop.RunImmediatelyOrRunInEventBaseThreadAndWait(func() {
			fut = dispatcher.Call(line)
		})
		resp, err := fut.Wait(*timeout)
		if err != nil {
			slog.Error("call", "err", err)
			os.Exit(1)
		}
		fmt.Println(resp)
	}
}
