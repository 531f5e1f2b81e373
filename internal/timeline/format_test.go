package timeline

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"covdev/internal/model"
)

func TestNativeCostFormatsLikeEther(t *testing.T) {
	cost := NativeCost(model.Receipt{GasUsed: 21000, EffectiveGasPrice: big.NewInt(50_000_000_000)})
	assert.Equal(t, "0.00105", FormatEther(cost))
}

func TestNativeCostZeroGasPrice(t *testing.T) {
	assert.Equal(t, "0.0", FormatEther(NativeCost(model.Receipt{GasUsed: 21000})))
	assert.Equal(t, "0.0", FormatEther(NativeCost(model.Receipt{GasUsed: 21000, EffectiveGasPrice: big.NewInt(0)})))
}

func TestFormatEther(t *testing.T) {
	oneEther := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	cases := []struct {
		wei  *big.Int
		want string
	}{
		{big.NewInt(0), "0.0"},
		{big.NewInt(1), "0.000000000000000001"},
		{oneEther, "1.0"},
		{new(big.Int).Mul(oneEther, big.NewInt(12)), "12.0"},
		{new(big.Int).Add(oneEther, big.NewInt(500_000_000_000_000_000)), "1.5"},
		{nil, "0.0"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, FormatEther(tc.wei))
	}
}

func TestFiatCost(t *testing.T) {
	price, err := PriceRat(2945.37)
	require.NoError(t, err)

	got, err := FiatCost("0.00105", price)
	require.NoError(t, err)
	assert.Equal(t, "3.0926", got)

	_, err = FiatCost("not-a-number", price)
	assert.Error(t, err)
}

func TestAnnotateFiatIsIdempotent(t *testing.T) {
	native := "0.00105"
	existing := "1.0000"
	records := []model.EventRecord{
		{TxHash: "0x01", CostNative: &native},
		{TxHash: "0x02", CostNative: &native, CostFiat: &existing},
		{TxHash: "0x03"},
	}

	price, err := PriceRat(2000)
	require.NoError(t, err)

	assert.Equal(t, 1, AnnotateFiat(records, price))
	require.NotNil(t, records[0].CostFiat)
	assert.Equal(t, "2.1000", *records[0].CostFiat)
	assert.Equal(t, "1.0000", *records[1].CostFiat)
	assert.Nil(t, records[2].CostFiat)

	first := *records[0].CostFiat
	assert.Equal(t, 0, AnnotateFiat(records, price))
	assert.Equal(t, first, *records[0].CostFiat)

	// a later price does not rewrite costs computed with the first one
	higher, err := PriceRat(3000)
	require.NoError(t, err)
	assert.Equal(t, 0, AnnotateFiat(records, higher))
	assert.Equal(t, "2.1000", *records[0].CostFiat)

	assert.Equal(t, 0, AnnotateFiat(records, nil))
}

func TestNormalizeSortsDescendingAndKeepsTies(t *testing.T) {
	raw := []model.RawEvent{
		{Name: "ProposalCreated", BlockNumber: 10, TxHash: "0xa"},
		{Name: "VoteCast", BlockNumber: 30, TxHash: "0xb"},
		{Name: "VoteCast", BlockNumber: 20, TxHash: "0xc", LogIndex: 0},
		{Name: "FundTransferExecuted", BlockNumber: 20, TxHash: "0xc", LogIndex: 1},
		{Name: "RepresentativeAdded", BlockNumber: 5, TxHash: "0xd"},
	}

	records := Normalize(raw)
	require.Len(t, records, len(raw))
	for i := 1; i < len(records); i++ {
		assert.GreaterOrEqual(t, records[i-1].BlockNumber, records[i].BlockNumber)
	}

	assert.Equal(t, "0xb", records[0].TxHash)
	assert.Equal(t, "VoteCast", records[1].Name)
	assert.Equal(t, "FundTransferExecuted", records[2].Name)
	assert.Equal(t, "0xd", records[4].TxHash)

	// input left untouched
	assert.Equal(t, "0xa", raw[0].TxHash)
}

func TestNormalizeFallbackNameAndNamedArgs(t *testing.T) {
	voter := common.HexToAddress("0x2222222222222222222222222222222222222222")
	raw := []model.RawEvent{
		{
			Name:        "VoteCast",
			BlockNumber: 2,
			Args: map[string]interface{}{
				"0":          big.NewInt(7),
				"1":          voter,
				"2":          true,
				"proposalId": big.NewInt(7),
				"voter":      voter,
				"support":    true,
			},
		},
		{BlockNumber: 1, Args: map[string]interface{}{"0": "x"}},
		{Name: "   ", BlockNumber: 0},
	}

	records := Normalize(raw)
	require.Len(t, records, 3)

	assert.Equal(t, map[string]string{
		"proposalId": "7",
		"voter":      voter.Hex(),
		"support":    "true",
	}, records[0].Args)

	assert.Equal(t, model.UnknownEventName, records[1].Name)
	assert.Empty(t, records[1].Args)
	assert.Equal(t, model.UnknownEventName, records[2].Name)

	for _, record := range records {
		for key := range record.Args {
			assert.False(t, model.IsPositionalKey(key), "positional key %q leaked", key)
		}
	}
}

func TestFormatArg(t *testing.T) {
	addrA := common.HexToAddress("0x1111111111111111111111111111111111111111")
	addrB := common.HexToAddress("0x2222222222222222222222222222222222222222")

	assert.Equal(t, "", FormatArg(nil))
	assert.Equal(t, "42", FormatArg(big.NewInt(42)))
	assert.Equal(t, "false", FormatArg(false))
	assert.Equal(t, "0xdead", FormatArg([]byte{0xde, 0xad}))
	assert.Equal(t, "0x0102", FormatArg([2]byte{1, 2}))
	assert.Equal(t, addrA.Hex()+","+addrB.Hex(), FormatArg([]common.Address{addrA, addrB}))
	assert.Equal(t, "12", FormatArg(uint8(12)))
}
