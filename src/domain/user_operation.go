package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a submitted user operation.
type Status string

const (
	StatusPending  Status = "pending"
	StatusIncluded Status = "included"
	StatusFailed   Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusIncluded || s == StatusFailed
}

// StatusRecord is what the bundler knows about a user operation hash.
type StatusRecord struct {
	UserOpHash      common.Hash                   `json:"userOpHash"`
	EntryPoint      common.Address                `json:"entryPoint"`
	State           Status                        `json:"state"`
	TransactionHash *common.Hash                  `json:"transactionHash,omitempty"`
	Receipt         *erc4337.UserOperationReceipt `json:"receipt,omitempty"`
	Reason          string                        `json:"reason,omitempty"`
	UserOp          *erc4337.PackedUserOp         `json:"userOp,omitempty"`
	UpdatedAt       time.Time                     `json:"updatedAt"`
}

// ToJSON serializes the record for the status cache.
func (r *StatusRecord) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}

// FromJSON deserializes a cached record.
func (r *StatusRecord) FromJSON(data []byte) error {
	if err := json.Unmarshal(data, r); err != nil {
		return fmt.Errorf("failed to unmarshal status record: %w", err)
	}
	return nil
}

// ToStatus renders the record for JSON-RPC clients.
func (r *StatusRecord) ToStatus() *erc4337.UserOperationStatus {
	return &erc4337.UserOperationStatus{
		UserOpHash:      r.UserOpHash,
		Status:          string(r.State),
		TransactionHash: r.TransactionHash,
		Reason:          r.Reason,
	}
}
