package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"gwire/internal/config"
	"gwire/internal/hostcache"
	"gwire/internal/logger"
	"gwire/internal/node"
	"gwire/internal/stats"
	"gwire/pkg/gnet/qhit"
)

// udpTransport sends serialized messages over a connected UDP socket.
type udpTransport struct {
	conn *net.UDPConn
}

func (t *udpTransport) Send(b []byte) error {
	_, err := t.conn.Write(b)
	return err
}

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	peer := flag.String("peer", "", "Ultrapeer address to connect to (host:port)")
	flag.Parse()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("Error getting home directory: %v\n", err)
	}

	stateDir := filepath.Join(homeDir, ".gwire")

	err = os.MkdirAll(stateDir, 0o755)
	if err != nil {
		log.Fatalf("Error creating state directory: %v\n", err)
	}

	err = logger.Open(filepath.Join(stateDir, "gwire.log"), *debug)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v\n", err)
	}

	hosts, err := hostcache.Open(filepath.Join(stateDir, "hosts.db"), cfg.Network.HostilePrefixes())
	if err != nil {
		log.Fatalf("Error opening host cache: %v\n", err)
	}
	defer hosts.Close()

	if *peer == "" {
		log.Fatal("no -peer given")
	}

	raddr, err := net.ResolveUDPAddr("udp", *peer)
	if err != nil {
		log.Fatalf("Error resolving peer address: %v\n", err)
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		log.Fatalf("Error connecting to peer: %v\n", err)
	}
	defer conn.Close()

	parser := &qhit.Parser{
		Hostiles: hosts,
		Pushless: hosts,
		Stats:    stats.Default(),
	}

	n := node.New(cfg, parser, &udpTransport{conn: conn})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go readLoop(ctx, conn, n)

	if err := n.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Node stopped: %v\n", err)
	}
}

// readLoop feeds inbound datagrams into the node.
func readLoop(ctx context.Context, conn *net.UDPConn, n *node.Node) {
	buf := make([]byte, 64*1024)

	for ctx.Err() == nil {
		sz, addr, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			logger.Warnf("read failed: %v", err)
			return
		}

		data := make([]byte, sz)
		copy(data, buf[:sz])

		n.Deliver(node.Packet{Data: data, FromUDP: true, Sender: addr.Addr()})
	}
}
