package state

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Transfer is the stored view of one user transfer, keyed by TransferID.
type Transfer struct {
	TransferID           common.Hash    `json:"transferId"`
	Token                string         `json:"token"`
	SourceChainID        uint64         `json:"sourceChainId"`
	DestinationChainID   uint64         `json:"destinationChainId"`
	Recipient            common.Address `json:"recipient"`
	Amount               *big.Int       `json:"amount"`
	BonderFee            *big.Int       `json:"bonderFee"`
	AmountOutMin         *big.Int       `json:"amountOutMin"`
	Deadline             *big.Int       `json:"deadline"`
	TransferNonce        common.Hash    `json:"transferNonce"`
	TransferSentIndex    uint64         `json:"transferSentIndex"`
	SentTxHash           common.Hash    `json:"transferSentTxHash"`
	SentBlockNumber      uint64         `json:"transferSentBlockNumber"`
	SentBlockHash        common.Hash    `json:"transferSentBlockHash"`
	SentLogIndex         uint           `json:"transferSentLogIndex"`
	SentTimestamp        int64          `json:"transferSentTimestamp"`
	IsBondable           bool           `json:"isBondable"`
	TransferRootHash     common.Hash    `json:"transferRootHash"`
	TransferRootID       common.Hash    `json:"transferRootId"`
	WithdrawalBonded     bool           `json:"withdrawalBonded"`
	WithdrawalBonder     common.Address `json:"withdrawalBonder"`
	WithdrawalBondedTx   common.Hash    `json:"withdrawalBondedTxHash"`
	SentBondWithdrawalAt time.Time      `json:"sentBondWithdrawalTxAt"`
	BondBackoffIndex     int            `json:"withdrawalBondBackoffIndex"`
	BondAttemptedAt      time.Time      `json:"bondWithdrawalAttemptedAt"`
	BondTxError          string         `json:"withdrawalBondTxError"`
	Settled              bool           `json:"withdrawalBondSettled"`
	SettleTxSentAt       time.Time      `json:"withdrawalBondSettleTxSentAt"`
	SettleTxHash         common.Hash    `json:"withdrawalBondSettleTxHash"`
	RecordVersion        int            `json:"recordVersion"`
}

// Observed reports whether the source-chain send event has been ingested.
func (t Transfer) Observed() bool { return t.SentTxHash != (common.Hash{}) }

// HasRoot reports whether the transfer has been assigned to a committed root.
func (t Transfer) HasRoot() bool { return t.TransferRootID != (common.Hash{}) }

// TransferPatch is a partial update. Nil fields are left untouched.
type TransferPatch struct {
	TransferID           *common.Hash    `json:"transferId,omitempty"`
	Token                *string         `json:"token,omitempty"`
	SourceChainID        *uint64         `json:"sourceChainId,omitempty"`
	DestinationChainID   *uint64         `json:"destinationChainId,omitempty"`
	Recipient            *common.Address `json:"recipient,omitempty"`
	Amount               *big.Int        `json:"amount,omitempty"`
	BonderFee            *big.Int        `json:"bonderFee,omitempty"`
	AmountOutMin         *big.Int        `json:"amountOutMin,omitempty"`
	Deadline             *big.Int        `json:"deadline,omitempty"`
	TransferNonce        *common.Hash    `json:"transferNonce,omitempty"`
	TransferSentIndex    *uint64         `json:"transferSentIndex,omitempty"`
	SentTxHash           *common.Hash    `json:"transferSentTxHash,omitempty"`
	SentBlockNumber      *uint64         `json:"transferSentBlockNumber,omitempty"`
	SentBlockHash        *common.Hash    `json:"transferSentBlockHash,omitempty"`
	SentLogIndex         *uint           `json:"transferSentLogIndex,omitempty"`
	SentTimestamp        *int64          `json:"transferSentTimestamp,omitempty"`
	IsBondable           *bool           `json:"isBondable,omitempty"`
	TransferRootHash     *common.Hash    `json:"transferRootHash,omitempty"`
	TransferRootID       *common.Hash    `json:"transferRootId,omitempty"`
	WithdrawalBonded     *bool           `json:"withdrawalBonded,omitempty"`
	WithdrawalBonder     *common.Address `json:"withdrawalBonder,omitempty"`
	WithdrawalBondedTx   *common.Hash    `json:"withdrawalBondedTxHash,omitempty"`
	SentBondWithdrawalAt *time.Time      `json:"sentBondWithdrawalTxAt,omitempty"`
	BondBackoffIndex     *int            `json:"withdrawalBondBackoffIndex,omitempty"`
	BondAttemptedAt      *time.Time      `json:"bondWithdrawalAttemptedAt,omitempty"`
	BondTxError          *string         `json:"withdrawalBondTxError,omitempty"`
	Settled              *bool           `json:"withdrawalBondSettled,omitempty"`
	SettleTxSentAt       *time.Time      `json:"withdrawalBondSettleTxSentAt,omitempty"`
	SettleTxHash         *common.Hash    `json:"withdrawalBondSettleTxHash,omitempty"`
}

// TransferRoot is the stored view of one committed batch, keyed by TransferRootID.
type TransferRoot struct {
	TransferRootID     common.Hash            `json:"transferRootId"`
	TransferRootHash   common.Hash            `json:"transferRootHash"`
	Token              string                 `json:"token"`
	SourceChainID      uint64                 `json:"sourceChainId"`
	DestinationChainID uint64                 `json:"destinationChainId"`
	TotalAmount        *big.Int               `json:"totalAmount"`
	TransferIDs        []common.Hash          `json:"transferIds"`
	Committed          bool                   `json:"committed"`
	CommittedAt        int64                  `json:"committedAt"`
	CommitTxHash       common.Hash            `json:"commitTxHash"`
	CommitBlockNumber  uint64                 `json:"commitTxBlockNumber"`
	CommitLogIndex     uint                   `json:"commitTxLogIndex"`
	Bonded             bool                   `json:"bonded"`
	BondedAt           int64                  `json:"bondedAt"`
	BondTxHash         common.Hash            `json:"bondTxHash"`
	BondBlockNumber    uint64                 `json:"bondBlockNumber"`
	Bonder             common.Address         `json:"bonder"`
	SentBondTxAt       time.Time              `json:"sentBondTxAt"`
	BondAttemptTxHash  common.Hash            `json:"bondAttemptTxHash"`
	Confirmed          bool                   `json:"confirmed"`
	ConfirmedAt        int64                  `json:"confirmedAt"`
	ConfirmTxHash      common.Hash            `json:"confirmTxHash"`
	SentConfirmTxAt    time.Time              `json:"sentConfirmTxAt"`
	ConfirmRelayTxHash common.Hash            `json:"confirmRelayTxHash"`
	RootSetTxHashes    map[string]common.Hash `json:"rootSetTxHashes"`
	Challenged         bool                   `json:"challenged"`
	ChallengeResolved  bool                   `json:"challengeResolved"`
	SentChallengeTxAt  time.Time              `json:"sentChallengeTxAt"`
	ChallengeTxHash    common.Hash            `json:"challengeTxHash"`
	SentResolveTxAt    time.Time              `json:"sentResolveTxAt"`
	ResolveTxHash      common.Hash            `json:"resolveTxHash"`
	SettleAttemptedAt  time.Time              `json:"settleAttemptedAt"`
	SettleTxHash       common.Hash            `json:"settleTxHash"`
	AllSettled         bool                   `json:"allSettled"`
	RecordVersion      int                    `json:"recordVersion"`
}

// TransferRootPatch is a partial update. Nil fields are left untouched.
type TransferRootPatch struct {
	TransferRootID     *common.Hash           `json:"transferRootId,omitempty"`
	TransferRootHash   *common.Hash           `json:"transferRootHash,omitempty"`
	Token              *string                `json:"token,omitempty"`
	SourceChainID      *uint64                `json:"sourceChainId,omitempty"`
	DestinationChainID *uint64                `json:"destinationChainId,omitempty"`
	TotalAmount        *big.Int               `json:"totalAmount,omitempty"`
	TransferIDs        []common.Hash          `json:"transferIds,omitempty"`
	Committed          *bool                  `json:"committed,omitempty"`
	CommittedAt        *int64                 `json:"committedAt,omitempty"`
	CommitTxHash       *common.Hash           `json:"commitTxHash,omitempty"`
	CommitBlockNumber  *uint64                `json:"commitTxBlockNumber,omitempty"`
	CommitLogIndex     *uint                  `json:"commitTxLogIndex,omitempty"`
	Bonded             *bool                  `json:"bonded,omitempty"`
	BondedAt           *int64                 `json:"bondedAt,omitempty"`
	BondTxHash         *common.Hash           `json:"bondTxHash,omitempty"`
	BondBlockNumber    *uint64                `json:"bondBlockNumber,omitempty"`
	Bonder             *common.Address        `json:"bonder,omitempty"`
	SentBondTxAt       *time.Time             `json:"sentBondTxAt,omitempty"`
	BondAttemptTxHash  *common.Hash           `json:"bondAttemptTxHash,omitempty"`
	Confirmed          *bool                  `json:"confirmed,omitempty"`
	ConfirmedAt        *int64                 `json:"confirmedAt,omitempty"`
	ConfirmTxHash      *common.Hash           `json:"confirmTxHash,omitempty"`
	SentConfirmTxAt    *time.Time             `json:"sentConfirmTxAt,omitempty"`
	ConfirmRelayTxHash *common.Hash           `json:"confirmRelayTxHash,omitempty"`
	RootSetTxHashes    map[string]common.Hash `json:"rootSetTxHashes,omitempty"`
	Challenged         *bool                  `json:"challenged,omitempty"`
	ChallengeResolved  *bool                  `json:"challengeResolved,omitempty"`
	SentChallengeTxAt  *time.Time             `json:"sentChallengeTxAt,omitempty"`
	ChallengeTxHash    *common.Hash           `json:"challengeTxHash,omitempty"`
	SentResolveTxAt    *time.Time             `json:"sentResolveTxAt,omitempty"`
	ResolveTxHash      *common.Hash           `json:"resolveTxHash,omitempty"`
	SettleAttemptedAt  *time.Time             `json:"settleAttemptedAt,omitempty"`
	SettleTxHash       *common.Hash           `json:"settleTxHash,omitempty"`
	AllSettled         *bool                  `json:"allSettled,omitempty"`
}

// Status is a transfer's position in its lifecycle.
type Status int

const (
	StatusUnseen Status = iota
	StatusSent
	StatusBonded
	StatusRootAssigned
	StatusRootConfirmed
	StatusSettled
)

func (s Status) String() string {
	switch s {
	case StatusUnseen:
		return "unseen"
	case StatusSent:
		return "sent"
	case StatusBonded:
		return "bonded"
	case StatusRootAssigned:
		return "root_assigned"
	case StatusRootConfirmed:
		return "root_confirmed"
	case StatusSettled:
		return "settled"
	default:
		return "unknown"
	}
}

// StatusOf derives a transfer's lifecycle status. root may be nil when unknown.
func StatusOf(t Transfer, root *TransferRoot) Status {
	switch {
	case !t.Observed():
		return StatusUnseen
	case t.Settled:
		return StatusSettled
	case t.HasRoot() && root != nil && root.Confirmed:
		return StatusRootConfirmed
	case t.HasRoot():
		return StatusRootAssigned
	case t.WithdrawalBonded:
		return StatusBonded
	default:
		return StatusSent
	}
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T { return &v }
