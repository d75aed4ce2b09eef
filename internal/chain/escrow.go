// Package chain reads the TaskEscrow contract over JSON-RPC. All access is
// read-only: view calls, log filters and signature recovery.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// TaskStatus mirrors the contract's status enum.
type TaskStatus uint8

const (
	StatusOpen TaskStatus = iota
	StatusInProgress
	StatusSubmitted
	StatusCompleted
	StatusCancelled
)

func (s TaskStatus) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusInProgress:
		return "InProgress"
	case StatusSubmitted:
		return "Submitted"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	default:
		return "Unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// AllowsDecryption reports whether participants may read contacts in this
// status. Contacts stay sealed while a task is open or after cancellation.
func (s TaskStatus) AllowsDecryption() bool {
	return s == StatusInProgress || s == StatusSubmitted || s == StatusCompleted
}

// OnChainTask is the decoded return value of tasks(uint256).
type OnChainTask struct {
	TaskID               uint64         `json:"task_id"`
	Creator              common.Address `json:"creator"`
	Helper               common.Address `json:"helper"`
	Reward               *big.Int       `json:"reward"`
	TaskURI              string         `json:"task_uri"`
	Status               TaskStatus     `json:"status"`
	CreatedAt            uint64         `json:"created_at"`
	AcceptedAt           uint64         `json:"accepted_at"`
	SubmittedAt          uint64         `json:"submitted_at"`
	TerminateRequestedBy common.Address `json:"terminate_requested_by"`
	TerminateRequestedAt uint64         `json:"terminate_requested_at"`
	FixRequested         bool           `json:"fix_requested"`
	FixRequestedAt       uint64         `json:"fix_requested_at"`
}

// Exists reports whether the slot holds a created task. Unused slots decode
// to a zero creator.
func (t OnChainTask) Exists() bool {
	return t.Creator != (common.Address{})
}

// HasHelper reports whether a helper accepted the task.
func (t OnChainTask) HasHelper() bool {
	return t.Helper != (common.Address{})
}

// Reader is the read surface of the escrow used by the reconciler, the
// listener, the doctor and the gateway.
type Reader interface {
	ChainID(ctx context.Context) (uint64, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TaskCounter(ctx context.Context) (uint64, error)
	Task(ctx context.Context, taskID uint64) (OnChainTask, error)
	HasCode(ctx context.Context) (bool, error)
	FilterTaskEvents(ctx context.Context, fromBlock, toBlock uint64) ([]TaskEvent, error)
}

const escrowABIJSON = `[
	{"type":"function","name":"taskCounter","stateMutability":"view","inputs":[],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"tasks","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],
	 "outputs":[
		{"name":"taskId","type":"uint256"},
		{"name":"creator","type":"address"},
		{"name":"helper","type":"address"},
		{"name":"reward","type":"uint256"},
		{"name":"taskURI","type":"string"},
		{"name":"status","type":"uint8"},
		{"name":"createdAt","type":"uint256"},
		{"name":"acceptedAt","type":"uint256"},
		{"name":"submittedAt","type":"uint256"},
		{"name":"terminateRequestedBy","type":"address"},
		{"name":"terminateRequestedAt","type":"uint256"},
		{"name":"fixRequested","type":"bool"},
		{"name":"fixRequestedAt","type":"uint256"}]},
	{"type":"event","name":"TaskCreated","anonymous":false,"inputs":[
		{"name":"taskId","type":"uint256","indexed":true},
		{"name":"creator","type":"address","indexed":true},
		{"name":"taskURI","type":"string","indexed":false}]},
	{"type":"event","name":"TaskAccepted","anonymous":false,"inputs":[
		{"name":"taskId","type":"uint256","indexed":true},
		{"name":"helper","type":"address","indexed":true}]}
]`

// EscrowABI is the subset of the TaskEscrow ABI this package uses.
var EscrowABI = mustParseABI(escrowABIJSON)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse escrow abi: %v", err))
	}
	return parsed
}

var errDecode = errors.New("chain: unexpected ABI output")

func bigToUint64(v any) (uint64, error) {
	b, ok := v.(*big.Int)
	if !ok || b == nil {
		return 0, errDecode
	}
	if !b.IsUint64() {
		return 0, fmt.Errorf("chain: value %s overflows uint64", b)
	}
	return b.Uint64(), nil
}

func decodeTaskCounter(data []byte) (uint64, error) {
	out, err := EscrowABI.Unpack("taskCounter", data)
	if err != nil {
		return 0, fmt.Errorf("unpack taskCounter: %w", err)
	}
	if len(out) != 1 {
		return 0, errDecode
	}
	return bigToUint64(out[0])
}

func decodeTask(data []byte) (OnChainTask, error) {
	var t OnChainTask
	out, err := EscrowABI.Unpack("tasks", data)
	if err != nil {
		return t, fmt.Errorf("unpack tasks: %w", err)
	}
	if len(out) != 13 {
		return t, errDecode
	}

	uints := []struct {
		idx int
		dst *uint64
	}{
		{0, &t.TaskID}, {6, &t.CreatedAt}, {7, &t.AcceptedAt}, {8, &t.SubmittedAt},
		{10, &t.TerminateRequestedAt}, {12, &t.FixRequestedAt},
	}
	for _, u := range uints {
		if *u.dst, err = bigToUint64(out[u.idx]); err != nil {
			return t, fmt.Errorf("tasks field %d: %w", u.idx, err)
		}
	}

	var ok bool
	if t.Creator, ok = out[1].(common.Address); !ok {
		return t, errDecode
	}
	if t.Helper, ok = out[2].(common.Address); !ok {
		return t, errDecode
	}
	if t.Reward, ok = out[3].(*big.Int); !ok {
		return t, errDecode
	}
	if t.TaskURI, ok = out[4].(string); !ok {
		return t, errDecode
	}
	status, ok := out[5].(uint8)
	if !ok {
		return t, errDecode
	}
	t.Status = TaskStatus(status)
	if t.TerminateRequestedBy, ok = out[9].(common.Address); !ok {
		return t, errDecode
	}
	if t.FixRequested, ok = out[11].(bool); !ok {
		return t, errDecode
	}
	return t, nil
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// IsParticipant reports whether address is the task's creator or helper.
func IsParticipant(address string, t OnChainTask) bool {
	if SameAddress(address, t.Creator.Hex()) {
		return true
	}
	return t.HasHelper() && SameAddress(address, t.Helper.Hex())
}

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}
