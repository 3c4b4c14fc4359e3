// Package tablet is a Slave group's domain glue: the RM side of every
// DDL family (CreateTable, AlterTable, DropTable, over pkg/stmtpc) and
// the RM side of row-mutation traffic (ShardingMutation, over
// pkg/paxos2pc), both applying to a single engine.Storage partition.
package tablet

import (
	"github.com/mnohosten/shardsql/pkg/engine"
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/master"
	"github.com/mnohosten/shardsql/pkg/node"
	"github.com/mnohosten/shardsql/pkg/paxos2pc"
	"github.com/mnohosten/shardsql/pkg/sharding"
	"github.com/mnohosten/shardsql/pkg/stmtpc"
)

// Tablet is one addressable partition within a Slave group.
type Tablet struct {
	self    ids.NodePath
	storage engine.Storage

	createTable *stmtpc.RM[*master.CreateTableFamily]
	alterTable  *stmtpc.RM[*master.AlterTableFamily]
	dropTable   *stmtpc.RM[*master.DropTableFamily]
	sharding    *paxos2pc.RM[*sharding.MutationFamily]
}

// Config wires a Tablet to its dependencies. Each DDL family gets its own
// fresh TSOracle: RM-side application never computes a timestamp itself,
// only applies the one the TM already chose. ConflictRate injects a
// synthetic retriable-abort rate on this tablet's row mutations; the DDL
// families are built without an AbortRate, so they never vote abort.
type Config struct {
	Driver       *node.Driver
	Self         ids.NodePath
	Storage      engine.Storage
	ConflictRate float64
}

func New(cfg Config) *Tablet {
	t := &Tablet{self: cfg.Self, storage: cfg.Storage}

	t.createTable = stmtpc.NewRM[*master.CreateTableFamily](&master.CreateTableFamily{Storage: cfg.Storage, Oracle: master.NewTSOracle()}, cfg.Self)
	t.alterTable = stmtpc.NewRM[*master.AlterTableFamily](&master.AlterTableFamily{Storage: cfg.Storage, Oracle: master.NewTSOracle()}, cfg.Self)
	t.dropTable = stmtpc.NewRM[*master.DropTableFamily](&master.DropTableFamily{Storage: cfg.Storage, Oracle: master.NewTSOracle()}, cfg.Self)
	t.sharding = paxos2pc.NewRM[*sharding.MutationFamily](&sharding.MutationFamily{Storage: cfg.Storage, ConflictRate: cfg.ConflictRate}, cfg.Self)

	cfg.Driver.RegisterPLMHandler(t.createTable)
	cfg.Driver.RegisterPLMHandler(t.alterTable)
	cfg.Driver.RegisterPLMHandler(t.dropTable)
	cfg.Driver.RegisterPLMHandler(t.sharding)
	cfg.Driver.RegisterMessageHandler(t.createTable)
	cfg.Driver.RegisterMessageHandler(t.alterTable)
	cfg.Driver.RegisterMessageHandler(t.dropTable)
	cfg.Driver.RegisterMessageHandler(t.sharding)
	cfg.Driver.RegisterLeaderChangeHandler(t.createTable)
	cfg.Driver.RegisterLeaderChangeHandler(t.alterTable)
	cfg.Driver.RegisterLeaderChangeHandler(t.dropTable)
	cfg.Driver.RegisterLeaderChangeHandler(t.sharding)

	return t
}
