package service

import (
	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// LogEventDecoder reads UserOperationEvent and revert reason logs emitted by an EntryPoint.
type LogEventDecoder struct{}

var _ EventDecoder = LogEventDecoder{}

// DecodeOpResults returns one result per UserOperationEvent, in log order,
// followed by operations named only by a revert reason. An operation is
// failed when its event says so or a revert reason names it.
func (LogEventDecoder) DecodeOpResults(receipt *types.Receipt, entryPoint common.Address) ([]domain.OpResult, error) {
	reasons := make(map[common.Hash]string)
	var events []*erc4337.UserOperationEvent
	var orphans []*erc4337.UserOperationRevertReason

	for _, log := range receipt.Logs {
		if log.Address != entryPoint || len(log.Topics) == 0 {
			continue
		}
		switch log.Topics[0] {
		case erc4337.UserOperationEventTopic:
			ev, err := erc4337.ParseUserOperationEvent(log)
			if err != nil {
				return nil, err
			}
			events = append(events, ev)
		case erc4337.UserOperationRevertReasonTopic, erc4337.PostOpRevertReasonTopic:
			rr, err := erc4337.ParseUserOperationRevertReason(log)
			if err != nil {
				return nil, err
			}
			// the call's own reason wins over a later postOp reason
			if _, seen := reasons[rr.UserOpHash]; !seen {
				reasons[rr.UserOpHash] = erc4337.DecodeRevertReason(rr.RevertReason)
				orphans = append(orphans, rr)
			}
		}
	}

	results := make([]domain.OpResult, 0, len(events))
	covered := make(map[common.Hash]bool, len(events))
	for _, ev := range events {
		covered[ev.UserOpHash] = true
		reason, reverted := reasons[ev.UserOpHash]
		success := ev.Success && !reverted
		if !success && reason == "" {
			reason = "execution reverted"
		}
		result := domain.OpResult{
			UserOpHash:    ev.UserOpHash,
			Success:       success,
			Sender:        ev.Sender,
			Paymaster:     ev.Paymaster,
			Nonce:         ev.Nonce,
			ActualGasCost: ev.ActualGasCost,
			ActualGasUsed: ev.ActualGasUsed,
		}
		if !success {
			result.RevertReason = reason
		}
		results = append(results, result)
	}
	for _, rr := range orphans {
		if covered[rr.UserOpHash] {
			continue
		}
		results = append(results, domain.OpResult{
			UserOpHash:   rr.UserOpHash,
			Sender:       rr.Sender,
			Nonce:        rr.Nonce,
			RevertReason: reasons[rr.UserOpHash],
		})
	}
	return results, nil
}
