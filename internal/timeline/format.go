package timeline

import (
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"covdev/internal/model"
)

const (
	etherDecimals = 18
	fiatDecimals  = 4
)

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(etherDecimals), nil)

// NativeCost returns gasUsed × effectiveGasPrice in wei. A missing price
// counts as zero.
func NativeCost(receipt model.Receipt) *big.Int {
	cost := new(big.Int).SetUint64(receipt.GasUsed)
	if receipt.EffectiveGasPrice == nil {
		return cost.SetInt64(0)
	}
	return cost.Mul(cost, receipt.EffectiveGasPrice)
}

// FormatEther renders a wei amount as an ether decimal string with trailing
// zeros trimmed and at least one fractional digit, e.g. "0.00105" or "2.0".
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0.0"
	}
	sign := wei.Sign()
	abs := new(big.Int).Abs(wei)
	rat := new(big.Rat).SetFrac(abs, weiPerEther)
	text := strings.TrimRight(rat.FloatString(etherDecimals), "0")
	if strings.HasSuffix(text, ".") {
		text += "0"
	}
	if sign < 0 {
		return "-" + text
	}
	return text
}

// PriceRat converts a fiat price into an exact decimal rational.
func PriceRat(value float64) (*big.Rat, error) {
	rat, ok := new(big.Rat).SetString(strconv.FormatFloat(value, 'f', -1, 64))
	if !ok {
		return nil, fmt.Errorf("invalid price: %v", value)
	}
	return rat, nil
}

// FiatCost multiplies a native decimal cost by price, rounded to 4 places.
func FiatCost(native string, price *big.Rat) (string, error) {
	if price == nil {
		return "", fmt.Errorf("price is nil")
	}
	rat, ok := new(big.Rat).SetString(native)
	if !ok {
		return "", fmt.Errorf("invalid native cost: %s", native)
	}
	rat.Mul(rat, price)
	return rat.FloatString(fiatDecimals), nil
}

// AnnotateFiat sets CostFiat on every record that has a native cost but no
// fiat cost yet. Records already carrying a fiat cost are left untouched. It
// returns how many records were annotated.
func AnnotateFiat(records []model.EventRecord, price *big.Rat) int {
	if price == nil {
		return 0
	}
	n := 0
	for i := range records {
		if !records[i].HasCost() || records[i].CostFiat != nil {
			continue
		}
		fiat, err := FiatCost(*records[i].CostNative, price)
		if err != nil {
			continue
		}
		records[i].CostFiat = &fiat
		n++
	}
	return n
}

// Normalize sorts raw events by block number, most recent first (ties keep
// source order), and maps them to timeline records.
func Normalize(raw []model.RawEvent) []model.EventRecord {
	sorted := make([]model.RawEvent, len(raw))
	copy(sorted, raw)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].BlockNumber > sorted[j].BlockNumber
	})

	records := make([]model.EventRecord, 0, len(sorted))
	for _, ev := range sorted {
		name := strings.TrimSpace(ev.Name)
		if name == "" {
			name = model.UnknownEventName
		}
		records = append(records, model.EventRecord{
			Name:        name,
			BlockNumber: ev.BlockNumber,
			TxHash:      ev.TxHash,
			LogIndex:    ev.LogIndex,
			Args:        namedArgs(ev.Args),
		})
	}
	return records
}

func namedArgs(args map[string]interface{}) map[string]string {
	out := make(map[string]string, len(args))
	for key, value := range args {
		if model.IsPositionalKey(key) {
			continue
		}
		out[key] = FormatArg(value)
	}
	return out
}

// FormatArg renders a decoded ABI value as display text.
func FormatArg(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case *big.Int:
		if v == nil {
			return "0"
		}
		return v.String()
	case common.Address:
		return v.Hex()
	case common.Hash:
		return v.Hex()
	case []byte:
		return hexutil.Encode(v)
	case [32]byte:
		return hexutil.Encode(v[:])
	case fmt.Stringer:
		return v.String()
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			buf := make([]byte, rv.Len())
			for i := range buf {
				buf[i] = byte(rv.Index(i).Uint())
			}
			return hexutil.Encode(buf)
		}
		parts := make([]string, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			parts[i] = FormatArg(rv.Index(i).Interface())
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(value)
	}
}
