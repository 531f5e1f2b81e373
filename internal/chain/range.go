package chain

import "errors"

var (
	errZeroBatch     = errors.New("batch size must be greater than zero")
	errInvertedRange = errors.New("to block must be >= from block")
)

// BlockRange is an inclusive span of blocks for one log query.
type BlockRange struct {
	From uint64
	To   uint64
}

// SplitRange cuts [from, to] into consecutive windows of at most batchSize
// blocks. The last window may be shorter.
func SplitRange(from, to, batchSize uint64) ([]BlockRange, error) {
	if batchSize == 0 {
		return nil, errZeroBatch
	}
	if to < from {
		return nil, errInvertedRange
	}

	ranges := make([]BlockRange, 0, (to-from)/batchSize+1)
	for start := from; ; start += batchSize {
		// comparing the distance to to keeps start+batchSize from wrapping
		if to-start < batchSize {
			return append(ranges, BlockRange{From: start, To: to}), nil
		}
		ranges = append(ranges, BlockRange{From: start, To: start + batchSize - 1})
	}
}
