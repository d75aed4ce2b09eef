package chain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Event names emitted by the escrow that the mirror consumes.
const (
	EventTaskCreated  = "TaskCreated"
	EventTaskAccepted = "TaskAccepted"
)

// TaskEvent is a decoded TaskCreated or TaskAccepted log.
type TaskEvent struct {
	Name        string         `json:"name"`
	TaskID      uint64         `json:"task_id"`
	Party       common.Address `json:"party"` // creator or helper
	TaskURI     string         `json:"task_uri,omitempty"`
	BlockNumber uint64         `json:"block_number"`
	TxHash      common.Hash    `json:"tx_hash"`
	LogIndex    uint           `json:"log_index"`
}

var (
	topicTaskCreated  = EscrowABI.Events[EventTaskCreated].ID
	topicTaskAccepted = EscrowABI.Events[EventTaskAccepted].ID
)

var errUnknownEvent = errors.New("chain: log is not an escrow task event")

// DecodeTaskEvent decodes a raw escrow log.
func DecodeTaskEvent(lg types.Log) (TaskEvent, error) {
	ev := TaskEvent{BlockNumber: lg.BlockNumber, TxHash: lg.TxHash, LogIndex: lg.Index}
	if len(lg.Topics) != 3 {
		return ev, errUnknownEvent
	}
	id := new(big.Int).SetBytes(lg.Topics[1].Bytes())
	if !id.IsUint64() {
		return ev, fmt.Errorf("chain: task id %s overflows uint64", id)
	}
	ev.TaskID = id.Uint64()
	ev.Party = common.BytesToAddress(lg.Topics[2].Bytes())

	switch lg.Topics[0] {
	case topicTaskCreated:
		ev.Name = EventTaskCreated
		out, err := EscrowABI.Unpack(EventTaskCreated, lg.Data)
		if err != nil {
			return ev, fmt.Errorf("unpack TaskCreated: %w", err)
		}
		if len(out) != 1 {
			return ev, errDecode
		}
		uri, ok := out[0].(string)
		if !ok {
			return ev, errDecode
		}
		ev.TaskURI = uri
	case topicTaskAccepted:
		ev.Name = EventTaskAccepted
	default:
		return ev, errUnknownEvent
	}
	return ev, nil
}
