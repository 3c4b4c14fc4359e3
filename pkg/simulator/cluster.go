package simulator

import (
	"math/rand"

	"github.com/mnohosten/shardsql/pkg/engine"
	"github.com/mnohosten/shardsql/pkg/ids"
	"github.com/mnohosten/shardsql/pkg/master"
	"github.com/mnohosten/shardsql/pkg/paxos2pc"
	"github.com/mnohosten/shardsql/pkg/plm"
	"github.com/mnohosten/shardsql/pkg/sharding"
	"github.com/mnohosten/shardsql/pkg/stmtpc"
)

// Cluster is a single-Master, N-single-node-Slave deployment wired
// directly over a Bus, matching every spec.md §8 scenario's topology.
type Cluster struct {
	Bus    *Bus
	Stores map[string]*engine.MemStore // slaveID -> its tablet's storage

	createTableTM *stmtpc.TM[*master.CreateTableFamily]
	createTableRM map[string]*stmtpc.RM[*master.CreateTableFamily]

	mutateRowsTM *paxos2pc.TM[*sharding.MutationFamily]
	mutateRowsRM map[string]*paxos2pc.RM[*sharding.MutationFamily]

	seed int64
}

// NewCluster builds a cluster with the given Slave IDs. abortRate
// configures scenario 2's RM-side Prepare rejection probability; zero
// reproduces scenario 1's happy path. conflictRate is the analogous
// Paxos-2PC injection rate for scenario 6's retriable DML abort.
func NewCluster(slaveIDs []string, abortRate, conflictRate float64, seed int64) *Cluster {
	bus := NewBus()
	c := &Cluster{
		Bus:           bus,
		Stores:        make(map[string]*engine.MemStore),
		createTableRM: make(map[string]*stmtpc.RM[*master.CreateTableFamily]),
		mutateRowsRM:  make(map[string]*paxos2pc.RM[*sharding.MutationFamily]),
		seed:          seed,
	}

	oracle := master.NewTSOracle()
	tmFamily := &master.CreateTableFamily{Oracle: oracle}
	c.createTableTM = stmtpc.NewTM[*master.CreateTableFamily](tmFamily, ids.Master)
	bus.RegisterMessageHandler(ids.Master, c.createTableTM)
	bus.RegisterPLMHandler(ids.Master, c.createTableTM)

	mutateFamily := &sharding.MutationFamily{}
	c.mutateRowsTM = paxos2pc.NewTM[*sharding.MutationFamily](mutateFamily, ids.Master)
	bus.RegisterMessageHandler(ids.Master, c.mutateRowsTM)

	for _, id := range slaveIDs {
		store := engine.NewMemStore()
		c.Stores[id] = store
		rmFamily := &master.CreateTableFamily{Storage: store, Oracle: oracle, AbortRate: abortRate, Rand: rand.New(rand.NewSource(seed))}
		slave := ids.Slave(id)
		rmPath := ids.TabletNode(slave, 0)
		rm := stmtpc.NewRM[*master.CreateTableFamily](rmFamily, rmPath)
		c.createTableRM[id] = rm
		bus.RegisterMessageHandler(slave, rm)
		bus.RegisterPLMHandler(slave, rm)

		mutationRMFamily := &sharding.MutationFamily{Storage: store, ConflictRate: conflictRate, Rand: rand.New(rand.NewSource(seed + 1))}
		mutationRM := paxos2pc.NewRM[*sharding.MutationFamily](mutationRMFamily, rmPath)
		c.mutateRowsRM[id] = mutationRM
		bus.RegisterMessageHandler(slave, mutationRM)
		bus.RegisterPLMHandler(slave, mutationRM)
	}

	return c
}

// CreateTable submits a CreateTable transaction against the named
// Slaves' tablet 0, drains the Bus until the handshake settles, and
// returns whether it committed.
func (c *Cluster) CreateTable(table string, columns []engine.Column, slaveIDs []string) bool {
	var rms []ids.NodePath
	for _, id := range slaveIDs {
		rms = append(rms, ids.TabletNode(ids.Slave(id), 0))
	}
	qid := ids.NewQueryID()
	preparePayload, err := plm.EncodePayload(master.CreateTablePrepare{Table: table, Columns: columns, RMs: rms})
	if err != nil {
		return false
	}

	var committed bool
	io := c.Bus.IOFor(ids.Master, c.seed)
	c.createTableTM.Submit(io, qid, preparePayload, func(ok bool) {
		committed = ok
	})
	c.Bus.Run()
	return committed
}

// MutateRows submits a row mutation against the named Slaves' tablet 0
// over Paxos-2PC, drains the Bus until the handshake (including any
// retriable-abort retries) settles, and reports whether it ultimately
// committed (spec.md §8 scenario 6).
func (c *Cluster) MutateRows(table string, upserts, deletes []engine.Row, timestamp uint64, slaveIDs []string) (committed bool, err error) {
	var rms []ids.NodePath
	for _, id := range slaveIDs {
		rms = append(rms, ids.TabletNode(ids.Slave(id), 0))
	}
	qid := ids.NewQueryID()
	payload, encErr := plm.EncodePayload(sharding.RowMutation{Table: table, Upserts: upserts, Deletes: deletes, Timestamp: timestamp})
	if encErr != nil {
		return false, encErr
	}

	io := c.Bus.IOFor(ids.Master, c.seed)
	c.mutateRowsTM.StartOrig(io, qid, rms, payload, func(ok bool, e error) {
		committed = ok
		err = e
	})
	c.Bus.Run()
	return committed, err
}
