package eth

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BestBlock is the head a peer advertised.
type BestBlock struct {
	Hash            common.Hash
	Number          uint64
	TotalDifficulty *uint256.Int
}

// ChainState tracks what a peer told us about its chain. The height is an
// estimate: it only moves forward as announcements arrive.
type ChainState struct {
	mu              sync.RWMutex
	best            BestBlock
	estimatedHeight uint64
}

// NewChainState returns an empty chain state with zero difficulty.
func NewChainState() *ChainState {
	return &ChainState{best: BestBlock{TotalDifficulty: new(uint256.Int)}}
}

// StatusReceived records the head from the peer's Status message.
func (cs *ChainState) StatusReceived(hash common.Hash, td *uint256.Int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.best.Hash = hash
	cs.best.TotalDifficulty = cloneTD(td)
}

// UpdateForAnnouncedBlock advances the best block when the announcement is
// higher than what is known.
func (cs *ChainState) UpdateForAnnouncedBlock(hash common.Hash, number uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if number > cs.best.Number {
		cs.best.Hash = hash
		cs.best.Number = number
	}
	if number > cs.estimatedHeight {
		cs.estimatedHeight = number
	}
}

// UpdateTotalDifficulty raises the advertised difficulty. Lower values are
// ignored.
func (cs *ChainState) UpdateTotalDifficulty(td *uint256.Int) {
	if td == nil {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if td.Gt(cs.best.TotalDifficulty) {
		cs.best.TotalDifficulty = cloneTD(td)
	}
}

// UpdateHeightEstimate raises the estimated height.
func (cs *ChainState) UpdateHeightEstimate(height uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if height > cs.estimatedHeight {
		cs.estimatedHeight = height
	}
}

// EstimatedHeight returns the highest block number the peer is known to have.
func (cs *ChainState) EstimatedHeight() uint64 {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.estimatedHeight
}

// BestBlock returns a copy of the advertised head.
func (cs *ChainState) BestBlock() BestBlock {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	best := cs.best
	best.TotalDifficulty = cloneTD(best.TotalDifficulty)
	return best
}

// TotalDifficulty returns a copy of the advertised total difficulty.
func (cs *ChainState) TotalDifficulty() *uint256.Int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cloneTD(cs.best.TotalDifficulty)
}

// compareChains orders by estimated height, then total difficulty.
func compareChains(a, b *ChainState) int {
	ha, hb := a.EstimatedHeight(), b.EstimatedHeight()
	switch {
	case ha < hb:
		return -1
	case ha > hb:
		return 1
	}
	return a.TotalDifficulty().Cmp(b.TotalDifficulty())
}

func cloneTD(td *uint256.Int) *uint256.Int {
	if td == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(td)
}
