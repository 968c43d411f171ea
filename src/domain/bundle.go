package domain

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// OpResult is the outcome of one operation inside a bundle.
type OpResult struct {
	UserOpHash    common.Hash    `json:"userOpHash"`
	Success       bool           `json:"success"`
	RevertReason  string         `json:"revertReason,omitempty"`
	Sender        common.Address `json:"sender"`
	Paymaster     common.Address `json:"paymaster"`
	Nonce         *big.Int       `json:"nonce,omitempty"`
	ActualGasCost *big.Int       `json:"actualGasCost,omitempty"`
	ActualGasUsed *big.Int       `json:"actualGasUsed,omitempty"`
}

// BundleResult is the outcome of one bundle cycle. Success is the status of
// the handleOps transaction; each PerOpResults entry carries its own outcome.
type BundleResult struct {
	BundleID        uuid.UUID      `json:"bundleId"`
	EntryPoint      common.Address `json:"entryPoint"`
	TransactionHash *common.Hash   `json:"transactionHash,omitempty"`
	Success         bool           `json:"success"`
	GasUsed         uint64         `json:"gasUsed"`
	GasCost         *big.Int       `json:"gasCost,omitempty"`
	Error           string         `json:"error,omitempty"`
	PerOpResults    []OpResult     `json:"perOpResults"`
}

// Empty reports whether the cycle had nothing to submit.
func (r *BundleResult) Empty() bool {
	return r.TransactionHash == nil && len(r.PerOpResults) == 0
}

func (r *BundleResult) ToSummary() *erc4337.BundleSummary {
	summary := &erc4337.BundleSummary{
		TransactionHash: r.TransactionHash,
		Success:         r.Success,
		GasUsed:         hexutil.Uint64(r.GasUsed),
		Error:           r.Error,
		Results: lo.Map(r.PerOpResults, func(op OpResult, _ int) erc4337.OpOutcome {
			return erc4337.OpOutcome{UserOpHash: op.UserOpHash, Success: op.Success, RevertReason: op.RevertReason}
		}),
	}
	if r.BundleID != uuid.Nil {
		summary.BundleID = r.BundleID.String()
	}
	return summary
}

// BundleRecord is the persisted history of a submitted bundle.
type BundleRecord struct {
	ID              uuid.UUID       `gorm:"primaryKey;type:uuid"`
	EntryPoint      string          `gorm:"type:varchar(42);not null"`
	ChainId         int64           `gorm:"not null"`
	TransactionHash string          `gorm:"type:varchar(66);not null;index"`
	Success         bool            `gorm:"not null"`
	GasUsed         int64           `gorm:"not null"`
	GasCost         decimal.Decimal `gorm:"type:numeric(78,18);not null"`
	Error           string          `gorm:"type:text"`
	OpCount         int             `gorm:"not null"`
	Results         json.RawMessage `gorm:"type:jsonb;not null"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (BundleRecord) TableName() string {
	return "bundles"
}

// NewBundleRecord converts a submitted bundle result for storage.
func NewBundleRecord(chainId int64, result *BundleResult) (*BundleRecord, error) {
	if result.TransactionHash == nil {
		return nil, fmt.Errorf("bundle %s has no transaction", result.BundleID)
	}
	results, err := json.Marshal(result.PerOpResults)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal op results: %w", err)
	}
	return &BundleRecord{
		ID:              result.BundleID,
		EntryPoint:      result.EntryPoint.Hex(),
		ChainId:         chainId,
		TransactionHash: result.TransactionHash.Hex(),
		Success:         result.Success,
		GasUsed:         int64(result.GasUsed),
		GasCost:         WeiToEther(result.GasCost),
		Error:           result.Error,
		OpCount:         len(result.PerOpResults),
		Results:         results,
	}, nil
}

// GetResults returns the stored per-op results as typed structs
func (b *BundleRecord) GetResults() ([]OpResult, error) {
	var results []OpResult
	if err := json.Unmarshal(b.Results, &results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal op results: %w", err)
	}
	return results, nil
}

// WeiToEther converts a wei amount to ether.
func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -18)
}
