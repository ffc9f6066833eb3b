// Package main implements fakensqd — a deterministic nsqd-protocol TCP
// responder for integration testing of consumer clients. It models the
// behaviors a consumer exercises: IDENTIFY feature negotiation, AUTH,
// SUB/RDY credit-aware delivery, FIN/REQ/TOUCH in-flight accounting,
// heartbeats with NOP liveness checks, snappy and deflate stream
// compression, and PUB/MPUB so producers can feed it.
package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

type pumpFlags []string

func (p *pumpFlags) String() string { return fmt.Sprintf("%v", *p) }
func (p *pumpFlags) Set(s string) error {
	*p = append(*p, s)
	return nil
}

var (
	flagAddr       = flag.String("addr", "127.0.0.1:4150", "listen address")
	flagVersion    = flag.String("version", "1.2.1", "nsqd version echoed in the IDENTIFY response")
	flagMaxRdy     = flag.Int64("max-rdy", 2500, "max_rdy_count advertised to consumers")
	flagAuth       = flag.String("auth", "", "require AUTH with this secret (empty disables auth)")
	flagMsgTimeout = flag.Duration("msg-timeout", 60*time.Second, "in-flight timeout before automatic requeue")
	flagMaxFrame   = flag.Int("max-body", 1024*1024, "maximum PUB body size in bytes")
	flagLogConn    = flag.Bool("log-conn", true, "log connect/disconnect events")
	flagHBGrace    = flag.Int("hb-grace", 2, "heartbeats without a NOP before the connection is dropped")

	flagPumps pumpFlags
)

var (
	globalConnectionsAccepted atomic.Uint64
	globalConnectionsCurrent  atomic.Int64
	globalMessagesPublished   atomic.Uint64
)

func main() {
	flag.Var(&flagPumps, "pump", "publish a counter message to a topic on an interval: 'topic:250ms' (repeatable)")
	flag.Parse()

	registry := newTopicRegistry(*flagMsgTimeout)

	for _, spec := range flagPumps {
		topicName, interval, err := parsePumpSpec(spec)
		if err != nil {
			log.Fatalf("fakensqd: invalid pump spec %q: %v", spec, err)
		}
		go runPump(registry, topicName, interval)
	}

	listener, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		log.Fatalf("fakensqd: listen %s failed: %v", *flagAddr, err)
	}
	log.Printf("fakensqd: listening on %s (max-rdy=%d auth=%v)", *flagAddr, *flagMaxRdy, *flagAuth != "")

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Printf("fakensqd: shutting down (%d connections served, %d messages published)",
			globalConnectionsAccepted.Load(), globalMessagesPublished.Load())
		_ = listener.Close()
		os.Exit(0)
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		globalConnectionsAccepted.Add(1)
		globalConnectionsCurrent.Add(1)
		if *flagLogConn {
			log.Printf("fakensqd: connect %s", conn.RemoteAddr())
		}
		go func() {
			handleConn(conn, registry)
			globalConnectionsCurrent.Add(-1)
			if *flagLogConn {
				log.Printf("fakensqd: disconnect %s", conn.RemoteAddr())
			}
		}()
	}
}

func parsePumpSpec(spec string) (string, time.Duration, error) {
	idx := strings.LastIndex(spec, ":")
	if idx <= 0 || idx == len(spec)-1 {
		return "", 0, fmt.Errorf("want 'topic:interval'")
	}
	interval, err := time.ParseDuration(spec[idx+1:])
	if err != nil {
		return "", 0, err
	}
	return spec[:idx], interval, nil
}

// runPump publishes a monotonically numbered message to the topic forever.
func runPump(registry *topicRegistry, topicName string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seq := uint64(0)
	for range ticker.C {
		seq++
		body := []byte(fmt.Sprintf(`{"topic":%q,"seq":%d,"ts":%d}`, topicName, seq, time.Now().UnixNano()))
		registry.topic(topicName).publish(body)
		globalMessagesPublished.Add(1)
	}
}
