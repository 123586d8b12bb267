// Command wrpcbench is a sample load-test client: it dials a wrpcd-style
// server over TCP or HTTP and fires concurrent "sum" calls, reporting
// throughput and how many calls succeeded and failed.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	_ "github.com/wrpc/wrpc/codec/binary"
	_ "github.com/wrpc/wrpc/codec/json"

	"github.com/wrpc/wrpc/client/httpclient"
	"github.com/wrpc/wrpc/client/tcpclient"
	"github.com/wrpc/wrpc/client/wrapper"
	"github.com/wrpc/wrpc/codec"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr        string
		transport   string
		concurrency int
		duration    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "wrpcbench",
		Short: "Load-test a wrpc server's demo sum service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return bench(cmd.Context(), addr, transport, concurrency, duration)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "localhost:9090", "server address (host:port for tcp, URL for http)")
	cmd.Flags().StringVar(&transport, "transport", "tcp", "tcp or http")
	cmd.Flags().IntVar(&concurrency, "concurrency", 16, "number of concurrent callers")
	cmd.Flags().DurationVar(&duration, "duration", 5*time.Second, "how long to run")

	return cmd
}

func bench(ctx context.Context, addr, transport string, concurrency int, duration time.Duration) error {
	w, closeFn, err := newWrapper(ctx, addr, transport)
	if err != nil {
		return err
	}
	defer closeFn()

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var completed, failed int64
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runCaller(runCtx, w, &completed, &failed)
		}()
	}
	wg.Wait()

	elapsed := duration.Seconds()
	fmt.Printf("completed=%d failed=%d elapsed=%.1fs rate=%.0f/s\n",
		completed, failed, elapsed, float64(completed)/elapsed)
	return nil
}

func runCaller(ctx context.Context, w *wrapper.Wrapper, completed, failed *int64) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		params, err := encodeArgs(2, 3)
		if err != nil {
			atomic.AddInt64(failed, 1)
			continue
		}
		result := wrapper.Call[int64](ctx, w, "sum", "sum", params, 2*time.Second)
		if result.OK {
			atomic.AddInt64(completed, 1)
		} else {
			atomic.AddInt64(failed, 1)
		}
	}
}

func encodeArgs(a, b int64) ([]byte, error) {
	c, err := codec.ByID(codec.Binary)
	if err != nil {
		return nil, err
	}
	var buf byteBuf
	enc := c.NewArgEncoder(&buf)
	if err := enc.Begin(2); err != nil {
		return nil, err
	}
	if err := enc.Arg(a); err != nil {
		return nil, err
	}
	if err := enc.Arg(b); err != nil {
		return nil, err
	}
	if err := enc.End(); err != nil {
		return nil, err
	}
	return buf.b, nil
}

type byteBuf struct{ b []byte }

func (w *byteBuf) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

func newWrapper(ctx context.Context, addr, transport string) (*wrapper.Wrapper, func(), error) {
	switch transport {
	case "tcp":
		conn, err := tcpclient.Dial(ctx, addr)
		if err != nil {
			return nil, nil, err
		}
		return wrapper.New(conn.Conn), func() { conn.Close() }, nil
	case "http":
		bin, err := codec.ByID(codec.Binary)
		if err != nil {
			return nil, nil, err
		}
		conn := httpclient.New(addr, httpclient.WithCodec(bin))
		return wrapper.New(conn.Conn), func() { conn.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("wrpcbench: unknown transport %q", transport)
	}
}
