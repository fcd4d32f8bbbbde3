// Command algolab-stream-demo logs into AlgoLab, subscribes to tick, depth,
// and order-status updates for a symbol, and prints them as they arrive.
//
// Credentials come from ALGOLAB_API_KEY / ALGOLAB_USERNAME / ALGOLAB_PASSWORD
// / ALGOLAB_HOSTNAME; the SMS code is read from stdin.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/bisttrading/algolab-adapter/algolab"
	"github.com/bisttrading/algolab-adapter/broker"
	"github.com/bisttrading/algolab-adapter/stream"
)

func main() {
	symbol := "GARAN"
	if len(os.Args) > 1 {
		symbol = os.Args[1]
	}

	adapter, err := broker.New(broker.Options{RestOpts: algolab.ClientOpts{}})
	if err != nil {
		fmt.Fprintln(os.Stderr, "algolab-stream-demo: constructing adapter:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := adapter.Authenticate(ctx, os.Getenv("ALGOLAB_USERNAME"), os.Getenv("ALGOLAB_PASSWORD")); err != nil {
		fmt.Fprintln(os.Stderr, "algolab-stream-demo: login:", err)
		os.Exit(1)
	}

	fmt.Print("SMS code: ")
	code, _ := bufio.NewReader(os.Stdin).ReadString('\n')
	if err := adapter.CompleteAuthentication(ctx, trimNewline(code)); err != nil {
		fmt.Fprintln(os.Stderr, "algolab-stream-demo: SMS verification:", err)
		os.Exit(1)
	}

	if err := adapter.Connect(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "algolab-stream-demo: stream connect:", err)
		os.Exit(1)
	}

	if _, err := adapter.Subscribe(stream.ChannelTick, symbol, tickHandler); err != nil {
		panic(err)
	}
	if _, err := adapter.Subscribe(stream.ChannelDepth, symbol, depthHandler); err != nil {
		panic(err)
	}
	if _, err := adapter.Subscribe(stream.ChannelOrderStatus, symbol, orderHandler); err != nil {
		panic(err)
	}

	<-ctx.Done()
	fmt.Println("algolab-stream-demo: shutting down")
	_ = adapter.Close(context.Background())
}

func tickHandler(f stream.Frame) {
	fmt.Printf("tick  %s last=%s bid=%s ask=%s\n", f.Tick.Symbol, f.Tick.LastPrice, f.Tick.BidPrice, f.Tick.AskPrice)
}

func depthHandler(f stream.Frame) {
	fmt.Printf("depth %s bids=%d asks=%d\n", f.Depth.Symbol, len(f.Depth.Bids), len(f.Depth.Asks))
}

func orderHandler(f stream.Frame) {
	fmt.Printf("order %s %s -> %s filled=%s\n", f.Order.Symbol, f.Order.BrokerOrderID, f.Order.Status, f.Order.FilledQty)
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
