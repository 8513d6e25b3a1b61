package main

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"rlpxnet/config"
	"rlpxnet/eth"
)

// genesisChain advertises the configured genesis block as the local head.
// The daemon carries no block store, so the head never moves.
type genesisChain struct {
	genesis    common.Hash
	difficulty *uint256.Int
}

var _ eth.Chain = (*genesisChain)(nil)

func newGenesisChain(cfg *config.Config) *genesisChain {
	return &genesisChain{
		genesis:    common.HexToHash(cfg.GenesisHash),
		difficulty: uint256.NewInt(cfg.GenesisDifficulty),
	}
}

func (c *genesisChain) Genesis() common.Hash { return c.genesis }

func (c *genesisChain) Head() (common.Hash, uint64, *uint256.Int) {
	return c.genesis, 0, c.difficulty
}
