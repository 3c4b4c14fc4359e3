// Command node runs one group replica: the Master, or a Slave tablet
// host, depending on -group. Grounded on the teacher's cmd/server/main.go
// (flag-bound config.DefaultConfig(), construct, then block on Start).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/raft"

	"github.com/mnohosten/shardsql/pkg/admin"
	"github.com/mnohosten/shardsql/pkg/config"
	"github.com/mnohosten/shardsql/pkg/consensus"
	"github.com/mnohosten/shardsql/pkg/engine"
	"github.com/mnohosten/shardsql/pkg/freenode"
	"github.com/mnohosten/shardsql/pkg/gossip"
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/master"
	"github.com/mnohosten/shardsql/pkg/network"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/tablet"
	"github.com/mnohosten/shardsql/pkg/wire"
)

func main() {
	host := flag.String("host", "localhost", "Admin/debug HTTP host")
	port := flag.Int("port", 8090, "Admin/debug HTTP port")
	groupKind := flag.String("group", "master", "Group this node belongs to: \"master\" or \"slave\"")
	slaveID := flag.String("slave-id", "", "SlaveId, required when -group=slave")
	dataDir := flag.String("data-dir", "./data", "Consensus log directory (raft-boltdb + snapshots)")
	raftBind := flag.String("raft-bind", "localhost:9090", "Address this node's raft transport listens on")
	wireBind := flag.String("wire-bind", "localhost:9190", "Address this node's wire transport listens on")
	raftPeers := flag.String("raft-peers", "", "Comma-separated id=addr pairs forming the initial raft voter set (empty: single-node bootstrap)")
	gossipTick := flag.Duration("gossip-tick", gossip.DefaultInterval, "Leader-gossip broadcast period")
	abortRate := flag.Float64("abort-rate", 0, "CreateTable abort-vote probability (spec scenario 2; 0 in production); handed only to the Master's CreateTable family, which coordinates and never validates a Prepare, so no RM of this binary rejects on it")
	conflictRate := flag.Float64("conflict-rate", 0, "Probability an RM votes a retriable abort on a MutateRows Prepare (spec scenario 6; 0 in production)")
	freeNodesFlag := flag.String("free-nodes", "", "Comma-separated slaveId=endpoint pairs the Master can claim for new tables (master only)")
	flag.Parse()

	cfg := config.DefaultConfig()
	cfg.Host, cfg.Port = *host, *port
	cfg.GroupKind, cfg.SlaveID = *groupKind, *slaveID
	cfg.DataDir, cfg.RaftBind = *dataDir, *raftBind
	cfg.GossipTick = *gossipTick
	cfg.AbortRate = *abortRate
	cfg.ConflictRate = *conflictRate

	var self ids.GroupID
	switch cfg.GroupKind {
	case "master":
		self = ids.Master
	case "slave":
		if cfg.SlaveID == "" {
			fmt.Fprintln(os.Stderr, "node: -slave-id is required when -group=slave")
			os.Exit(1)
		}
		self = ids.Slave(cfg.SlaveID)
	default:
		fmt.Fprintf(os.Stderr, "node: unknown -group %q (want \"master\" or \"slave\")\n", cfg.GroupKind)
		os.Exit(1)
	}

	servers, err := parseRaftServers(*raftPeers, cfg.RaftBind)
	if err != nil {
		fmt.Fprintf(os.Stderr, "node: %v\n", err)
		os.Exit(1)
	}

	// driver and netDriver are referenced by closures below before either
	// is assigned; both are only ever invoked after Start(), by which
	// point both vars hold their real value (same deferred-init pattern
	// consensus.Open's own sink uses).
	var driver *node.Driver
	var netDriver *network.Driver

	log, err := consensus.Open(consensus.Config{
		GroupID:  self,
		LocalID:  cfg.RaftBind,
		BindAddr: cfg.RaftBind,
		DataDir:  cfg.DataDir,
		Servers:  servers,
	}, sinkFunc(func(entry consensus.LogEntry) { driver.OnLogEntry(entry) }))
	if err != nil {
		fmt.Fprintf(os.Stderr, "node: open consensus log: %v\n", err)
		os.Exit(1)
	}
	defer log.Shutdown()

	transport, err := wire.Listen(*wireBind, func(env wire.Envelope) {
		netDriver.Receive(driver, env)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "node: listen on wire transport: %v\n", err)
		os.Exit(1)
	}
	defer transport.Close()

	netDriver = network.New(network.Config{
		Self:            self,
		LocalLeadership: log.LeadershipID,
		Sender:          transport,
	})

	driver = node.New(node.Config{
		Self:    self,
		Log:     log,
		Network: netDriver,
	})

	var directory *master.Directory
	switch cfg.GroupKind {
	case "master":
		directory = master.NewDirectory()
		entries := parseFreeNodes(*freeNodesFlag)
		master.New(master.Config{
			Driver:       driver,
			Directory:    directory,
			FreeNodes:    freenode.Static{Entries: entries},
			Storage:      nil,
			AbortRate:    cfg.AbortRate,
			ConflictRate: cfg.ConflictRate,
		}, nil)
	case "slave":
		tablet.New(tablet.Config{
			Driver:       driver,
			Self:         ids.TabletNode(self, 0),
			Storage:      engine.NewMemStore(),
			ConflictRate: cfg.ConflictRate,
		})
	}

	peers := staticPeers{groups: peerGroups(cfg.GroupKind, servers)}
	ticker := gossip.New(self, log.LeadershipID, peers, cfg.GossipTick)
	driver.RegisterMessageHandler(&gossip.Handler{CurrentKnown: netDriver.KnownLeadership})

	driver.Start(cfg.GossipTick, ticker.Tick)

	adminSrv := admin.New(admin.Config{
		Cfg:       cfg,
		Self:      self,
		Driver:    driver,
		Directory: directory,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("node: %s listening admin=%s:%d raft=%s wire=%s\n", self, cfg.Host, cfg.Port, cfg.RaftBind, *wireBind)
	if err := adminSrv.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "node: admin server error: %v\n", err)
		os.Exit(1)
	}
}

type sinkFunc func(consensus.LogEntry)

func (f sinkFunc) OnLogEntry(entry consensus.LogEntry) { f(entry) }

func parseRaftServers(spec string, self string) ([]raft.Server, error) {
	if spec == "" {
		return []raft.Server{{ID: raft.ServerID(self), Address: raft.ServerAddress(self)}}, nil
	}
	var servers []raft.Server
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid -raft-peers entry %q (want id=addr)", pair)
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(kv[0]), Address: raft.ServerAddress(kv[1])})
	}
	return servers, nil
}

func parseFreeNodes(spec string) []freenode.Entry {
	if spec == "" {
		return nil
	}
	var entries []freenode.Entry
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		entries = append(entries, freenode.Entry{SlaveID: kv[0], Endpoint: kv[1]})
	}
	return entries
}

// staticPeers implements gossip.Directory over a fixed list of peer
// groups computed once at startup by peerGroups: the Master for a Slave,
// and no peer at all for the Master. The raft voter set is not consulted.
type staticPeers struct {
	groups []ids.GroupID
}

func (p staticPeers) Peers() []ids.GroupID { return p.groups }

func peerGroups(groupKind string, servers []raft.Server) []ids.GroupID {
	// Without an external service directory, this node's only statically
	// knowable peer is the Master (for a Slave) or nothing in particular
	// (for the Master, which instead discovers Slaves via -free-nodes);
	// real peer discovery is out of scope for this entrypoint.
	if groupKind == "slave" {
		return []ids.GroupID{ids.Master}
	}
	return nil
}
