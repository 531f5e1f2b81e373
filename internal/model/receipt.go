package model

import "math/big"

// Receipt carries the post-execution gas data of a transaction.
type Receipt struct {
	GasUsed           uint64
	EffectiveGasPrice *big.Int
}
