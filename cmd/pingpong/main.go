// pingpong starts two mesh nodes on localhost, spawns an echo actor on one
// and a pinger on the other, and bounces a few messages between them.
//
// Run:  go run ./cmd/pingpong
package main

import (
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/geofmureithi/rabble"
)

func main() {
	rabble.InitLogger(slog.LevelWarn)

	a := rabble.NewNode("node-a")
	if err := a.Start(); err != nil {
		log.Fatalf("start node-a: %v", err)
	}
	defer a.Shutdown()

	b := rabble.NewNode("node-b")
	if err := b.Start(); err != nil {
		log.Fatalf("start node-b: %v", err)
	}
	defer b.Shutdown()

	// Introduce the nodes to each other; the mesh connects in the
	// background, with the lower NodeID initiating.
	a.AddNode(b.ID(), b.Addr())
	b.AddNode(a.ID(), a.Addr())

	sub := a.SubscribeMembership(func(ev interface{}) {
		switch e := ev.(type) {
		case rabble.NodeUp:
			fmt.Printf("[node-a] peer up:   %s\n", e.ID)
		case rabble.NodeDown:
			fmt.Printf("[node-a] peer down: %s\n", e.ID)
		}
	})
	defer sub.Stop()

	// Echo actor on B: replies with the payload it received, keeping the
	// correlation token.
	echoPid, err := b.Spawn("echo", rabble.ReceiverFunc(func(ctx *rabble.Context) error {
		fmt.Printf("[echo]   %s  corr=%s\n", ctx.Payload(), ctx.Correlation())
		return ctx.Reply(append([]byte("pong: "), ctx.Payload()...))
	}))
	if err != nil {
		log.Fatalf("spawn echo: %v", err)
	}

	done := make(chan struct{})
	const rounds = 5
	got := 0

	// Pinger on A: fires the first ping once the peer comes up, then one
	// more per reply.
	pingerPid, err := a.Spawn("pinger", rabble.ReceiverFunc(func(ctx *rabble.Context) error {
		fmt.Printf("[pinger] %s  corr=%s\n", ctx.Payload(), ctx.Correlation())
		got++
		if got >= rounds {
			close(done)
			return nil
		}
		return ctx.Send(echoPid, []byte(fmt.Sprintf("ping %d", got+1)))
	}))
	if err != nil {
		log.Fatalf("spawn pinger: %v", err)
	}

	// Sends fail with ErrNodeUnreachable until the connection is up, so
	// retry the opening ping briefly.
	for {
		if err := a.Send(pingerPid, echoPid, []byte("ping 1")); err == nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Fatal("timed out waiting for replies")
	}

	fmt.Printf("[node-a] metrics: %v\n", a.Metrics().Snapshot())
}
