package dht

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/dhtnode/dht/krpc"
)

// transactionIDLen is the length of a KRPC transaction ID in bytes.
const transactionIDLen = 4

// defaultQueryTimeout is the RPC layer's default per-query timeout; zero
// disables it.
const defaultQueryTimeout = 2 * time.Second

// queryResult is what a pending transaction resolves to: a successful reply
// or a remote-signaled (or teardown) KRPC error. Timeouts never resolve a
// transaction; the waiting query detects them with its own timer, so no
// current path sets Timeout.
type queryResult struct {
	Reply   *krpc.Msg
	RErr    *krpc.Error
	Timeout bool
}

// transaction is a single outstanding outbound query: a locally-allocated
// transaction ID bound to a result channel. resolve stops timer if one is
// set; query keeps its own timer and leaves this field nil.
type transaction struct {
	id     string
	peer   krpc.NodeAddr
	result chan queryResult

	mu     sync.Mutex
	done   bool
	timer  *time.Timer
}

func newTransaction(id string, peer krpc.NodeAddr) *transaction {
	return &transaction{id: id, peer: peer, result: make(chan queryResult, 1)}
}

// resolve delivers r exactly once; subsequent calls are no-ops. A
// transaction lives strictly from query send to the first of response,
// error, timeout, or teardown.
func (tr *transaction) resolve(r queryResult) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.done {
		return
	}
	tr.done = true
	if tr.timer != nil {
		tr.timer.Stop()
	}
	tr.result <- r
}

// transactionTable is the process-local map from transaction ID to pending
// transaction, guarded against collisions by rejection sampling.
type transactionTable struct {
	mu   sync.Mutex
	byID map[string]*transaction
}

func newTransactionTable() *transactionTable {
	return &transactionTable{byID: make(map[string]*transaction)}
}

// newID rejection-samples a transactionIDLen-byte ID against the outstanding
// set, so IDs are unique across all currently-pending outbound queries.
func (tt *transactionTable) newID() string {
	b := make([]byte, transactionIDLen)
	tt.mu.Lock()
	defer tt.mu.Unlock()
	for {
		if _, err := rand.Read(b); err != nil {
			panic(err)
		}
		id := string(b)
		if _, exists := tt.byID[id]; !exists {
			return id
		}
	}
}

func (tt *transactionTable) add(tr *transaction) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tt.byID[tr.id] = tr
}

func (tt *transactionTable) remove(id string) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	delete(tt.byID, id)
}

func (tt *transactionTable) get(id string) (*transaction, bool) {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	tr, ok := tt.byID[id]
	return tr, ok
}

// drain resolves every outstanding transaction with the teardown sentinel
// and clears the table.
func (tt *transactionTable) drain() {
	tt.mu.Lock()
	all := make([]*transaction, 0, len(tt.byID))
	for _, tr := range tt.byID {
		all = append(all, tr)
	}
	tt.byID = make(map[string]*transaction)
	tt.mu.Unlock()

	for _, tr := range all {
		tr.resolve(queryResult{RErr: &ErrDisposing})
	}
}

// ErrDisposing is the well-known sentinel every pending transaction rejects
// with on node teardown.
var ErrDisposing = krpc.Error{Code: krpc.ErrorCodeGenericError, Msg: "node disposing"}
