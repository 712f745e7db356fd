package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/DEMCON/libstored-sub002/channel"
	"github.com/DEMCON/libstored-sub002/store"
	"github.com/DEMCON/libstored-sub002/syncer"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Store synchronization daemon.

Keeps the configured store consistent with every connected peer. Listens
for incoming peers and dials configured ones; a node can do both and
redistribute updates between them.

Usage:
    storesyncd --config=<config> [--listen=<listen>] [--verbose]
    storesyncd -h | --help
    storesyncd --version

Options:
    -c --config=<config>  TOML configuration file.
    --listen=<listen>     Override the configured listen address.
    -v --verbose          Per-frame trace logging.
    -h --help             Show this screen.
    --version             Show version.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], LocalVersion)
	if err != nil {
		panic(err)
	}

	flag.Set("logtostderr", "true")
	if verbose, _ := opts.Bool("--verbose"); verbose {
		flag.Set("v", "2")
	}
	flag.CommandLine.Parse([]string{})

	configPath, _ := opts.String("--config")
	config, err := LoadConfig(configPath)
	if err != nil {
		glog.Errorf("config: %s\n", err)
		os.Exit(1)
	}
	if listen, err := opts.String("--listen"); err == nil && listen != "" {
		config.Listen = listen
	}

	if err := run(config); err != nil {
		glog.Errorf("%s\n", err)
		os.Exit(1)
	}
}

// events funnel every channel's receive path into the main loop, so
// decode and process share one logical thread as the core requires
type connEvent struct {
	conn *syncer.Conn
	p    []byte
	// the channel reader exited
	closed bool
}

func run(config *Config) error {
	defs, err := config.FieldDefs()
	if err != nil {
		return err
	}
	st, err := store.NewStore(config.StoreName, defs)
	if err != nil {
		return err
	}
	syn := syncer.NewSynchronizer()
	syn.Map(st)

	connSettings := &syncer.ConnSettings{
		Mtu:      config.Mtu,
		CrcWidth: config.CrcWidth,
		Compress: config.Compress,
		// tcp is a byte stream, frames need their own boundaries
		Ascii: true,
		OutOfFrame: func(p []byte) {
			glog.V(1).Infof("out-of-frame bytes from peer: %q\n", p)
		},
	}
	// websocket messages already carry frame boundaries
	wsSettings := &syncer.ConnSettings{
		CrcWidth: config.CrcWidth,
		Compress: config.Compress,
	}

	events := make(chan connEvent, 64)
	accepted := make(chan net.Conn)

	if config.Listen != "" {
		listener, err := net.Listen("tcp", config.Listen)
		if err != nil {
			return err
		}
		defer listener.Close()
		glog.Infof("listening on %s\n", config.Listen)
		go func() {
			for {
				conn, err := listener.Accept()
				if err != nil {
					return
				}
				accepted <- conn
			}
		}()
	}

	attach := func(netConn net.Conn) (*syncer.Conn, error) {
		ch := channel.NewNetChannel(netConn)
		conn, err := syn.Connect(ch, connSettings)
		if err != nil {
			ch.Close()
			return nil, err
		}
		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := ch.Read(buf)
				if 0 < n {
					p := make([]byte, n)
					copy(p, buf[:n])
					events <- connEvent{conn: conn, p: p}
				}
				if err != nil {
					events <- connEvent{conn: conn, closed: true}
					return
				}
			}
		}()
		return conn, nil
	}

	attachWs := func(url string) (*syncer.Conn, error) {
		ch, err := channel.DialWs(url)
		if err != nil {
			return nil, err
		}
		conn, err := syn.Connect(ch, wsSettings)
		if err != nil {
			ch.Close()
			return nil, err
		}
		go func() {
			for {
				p, err := ch.Recv()
				if err != nil {
					events <- connEvent{conn: conn, closed: true}
					return
				}
				events <- connEvent{conn: conn, p: p}
			}
		}()
		return conn, nil
	}

	for _, peer := range config.Peers {
		var conn *syncer.Conn
		if strings.HasPrefix(peer, "ws://") || strings.HasPrefix(peer, "wss://") {
			wsConn, err := attachWs(peer)
			if err != nil {
				return fmt.Errorf("dial %s: %w", peer, err)
			}
			conn = wsConn
		} else {
			netConn, err := net.DialTimeout("tcp", peer, 5*time.Second)
			if err != nil {
				return fmt.Errorf("dial %s: %w", peer, err)
			}
			tcpConn, err := attach(netConn)
			if err != nil {
				return fmt.Errorf("connect %s: %w", peer, err)
			}
			conn = tcpConn
		}
		if err := syn.SyncFrom(st, conn); err != nil {
			return fmt.Errorf("sync from %s: %w", peer, err)
		}
		glog.Infof("syncing from %s\n", peer)
	}

	processTicker := time.NewTicker(config.ProcessInterval)
	defer processTicker.Stop()
	retransmitTicker := time.NewTicker(config.RetransmitInterval)
	defer retransmitTicker.Stop()
	keepAliveTicker := time.NewTicker(config.KeepAliveInterval)
	defer keepAliveTicker.Stop()

	for {
		select {
		case netConn := <-accepted:
			if _, err := attach(netConn); err != nil {
				glog.Infof("attach %s: %s\n", netConn.RemoteAddr(), err)
				netConn.Close()
			} else {
				glog.Infof("peer connected: %s\n", netConn.RemoteAddr())
			}
		case event := <-events:
			if event.closed {
				glog.Infof("peer disconnected\n")
				syn.Disconnect(event.conn)
				continue
			}
			event.conn.Decode(event.p)
			if err := event.conn.Err(); err != nil {
				glog.Warningf("dropping failed peer: %s\n", err)
				syn.Disconnect(event.conn)
			}
		case <-processTicker.C:
			syn.Process()
		case <-retransmitTicker.C:
			syn.Retransmit()
		case <-keepAliveTicker.C:
			syn.KeepAlive()
		}
	}
}
