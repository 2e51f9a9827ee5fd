package barrier

import (
	"context"
	"strings"
	"sync"
)

// Outcome is the result of one completed round on a chain.
type Outcome struct {
	// OK is true only if every contract processed its sub-range successfully.
	OK bool
	// ToBlock is the lowest block every contract has fully processed.
	ToBlock uint64
}

type arrival struct {
	toBlock uint64
	ok      bool
}

type round struct {
	arrivals map[string]arrival
	done     chan struct{}
	outcome  Outcome
}

func newRound() *round {
	return &round{arrivals: map[string]arrival{}, done: make(chan struct{})}
}

type chainState struct {
	contracts map[string]struct{}
	current   *round
}

// Ticket identifies one contract's arrival in a round.
type Ticket struct {
	chainID  int64
	contract string
	r        *round
}

// Barrier holds the per-chain progress of every polled contract. A chain's cursor may
// only move once all its contracts have finished the current round.
type Barrier struct {
	mu     sync.Mutex
	chains map[int64]*chainState
}

func New() *Barrier {
	return &Barrier{chains: map[int64]*chainState{}}
}

func (b *Barrier) state(chainID int64) *chainState {
	cs, ok := b.chains[chainID]
	if !ok {
		cs = &chainState{contracts: map[string]struct{}{}, current: newRound()}
		b.chains[chainID] = cs
	}
	return cs
}

// Register adds a contract to the set a chain's rounds wait for.
func (b *Barrier) Register(chainID int64, contract string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state(chainID).contracts[strings.ToLower(contract)] = struct{}{}
}

// Contracts returns how many contracts a chain's rounds wait for.
func (b *Barrier) Contracts(chainID int64) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.state(chainID).contracts)
}

// MarkFinished records that contract finished its sub-range up to toBlock, successfully
// or not. The last arrival completes the round and opens the next one.
func (b *Barrier) MarkFinished(chainID int64, contract string, toBlock uint64, ok bool) Ticket {
	contract = strings.ToLower(contract)

	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.state(chainID)
	cs.contracts[contract] = struct{}{}

	r := cs.current
	r.arrivals[contract] = arrival{toBlock: toBlock, ok: ok}

	if len(r.arrivals) == len(cs.contracts) {
		r.outcome = outcomeOf(r.arrivals)
		close(r.done)
		cs.current = newRound()
	}

	return Ticket{chainID: chainID, contract: contract, r: r}
}

func outcomeOf(arrivals map[string]arrival) Outcome {
	out := Outcome{OK: true}
	first := true
	for _, a := range arrivals {
		if !a.ok {
			out.OK = false
		}
		if first || a.toBlock < out.ToBlock {
			out.ToBlock = a.toBlock
			first = false
		}
	}
	return out
}

// AwaitAllFinished blocks until the ticket's round completes. If ctx ends first, the
// arrival is withdrawn so the round cannot complete without this contract.
func (b *Barrier) AwaitAllFinished(ctx context.Context, t Ticket) (Outcome, error) {
	select {
	case <-t.r.done:
		return t.r.outcome, nil
	case <-ctx.Done():
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-t.r.done:
		return t.r.outcome, nil
	default:
	}

	if cs, ok := b.chains[t.chainID]; ok && cs.current == t.r {
		delete(t.r.arrivals, t.contract)
	}
	return Outcome{}, ctx.Err()
}
