package contract

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"covdev/internal/model"
)

// Decoder turns contract logs into raw events using an ABI.
type Decoder struct {
	contractABI abi.ABI
	logger      *zap.Logger
}

func NewDecoder(contractABI abi.ABI, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{contractABI: contractABI, logger: logger}
}

// Decode resolves the log against the ABI. Logs that match no event, or whose
// payload does not unpack, come back with an empty name and no args.
func (d *Decoder) Decode(log types.Log) model.RawEvent {
	raw := model.RawEvent{
		BlockNumber: log.BlockNumber,
		TxHash:      log.TxHash.Hex(),
		LogIndex:    uint64(log.Index),
		Args:        map[string]interface{}{},
	}
	if len(log.Topics) == 0 {
		return raw
	}

	event, err := d.contractABI.EventByID(log.Topics[0])
	if err != nil {
		d.logger.Debug("unknown event topic", zap.String("topic0", log.Topics[0].Hex()), zap.String("tx_hash", raw.TxHash))
		return raw
	}

	values, err := d.unpack(event, log)
	if err != nil {
		d.logger.Debug("decode event failed", zap.String("event", event.Name), zap.String("tx_hash", raw.TxHash), zap.Error(err))
		return raw
	}

	raw.Name = event.Name
	for i, input := range event.Inputs {
		value, ok := values[argKey(input, i)]
		if !ok {
			continue
		}
		raw.Args[strconv.Itoa(i)] = value
		if input.Name != "" {
			raw.Args[input.Name] = value
		}
	}
	return raw
}

func (d *Decoder) unpack(event *abi.Event, log types.Log) (map[string]interface{}, error) {
	values := make(map[string]interface{}, len(event.Inputs))

	nonIndexed := event.Inputs.NonIndexed()
	if len(nonIndexed) > 0 {
		unpacked, err := nonIndexed.Unpack(log.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack %s: %w", event.Name, err)
		}
		if len(unpacked) != len(nonIndexed) {
			return nil, fmt.Errorf("unexpected %s values: %d", event.Name, len(unpacked))
		}
		pos := 0
		for i, input := range event.Inputs {
			if input.Indexed {
				continue
			}
			values[argKey(input, i)] = unpacked[pos]
			pos++
		}
	}

	indexed := indexedArguments(event.Inputs)
	if len(indexed) > 0 {
		if len(log.Topics) != len(indexed)+1 {
			return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(log.Topics))
		}
		topicValues := make(map[string]interface{}, len(indexed))
		named := renameUnnamed(event.Inputs)
		if err := abi.ParseTopicsIntoMap(topicValues, named, log.Topics[1:]); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
		for k, v := range topicValues {
			values[k] = v
		}
	}

	return values, nil
}

// argKey is the lookup key of input i in the unpacked value map. Unnamed
// inputs get a synthetic key so they keep their positional slot.
func argKey(input abi.Argument, i int) string {
	if input.Name != "" {
		return input.Name
	}
	return fmt.Sprintf("_arg%d", i)
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

// renameUnnamed returns the indexed arguments of all, naming unnamed ones by argKey.
func renameUnnamed(all abi.Arguments) abi.Arguments {
	out := make(abi.Arguments, 0, len(all))
	for i, arg := range all {
		if !arg.Indexed {
			continue
		}
		arg.Name = argKey(arg, i)
		out = append(out, arg)
	}
	return out
}
