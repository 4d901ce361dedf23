package service

import "github.com/escrow-ledger/internal/constants"

// payoutTransitions 打款状态邻接表
var payoutTransitions = map[string][]string{
	constants.PayoutStatusPending:    {constants.PayoutStatusProcessing, constants.PayoutStatusCompleted, constants.PayoutStatusFailed},
	constants.PayoutStatusProcessing: {constants.PayoutStatusCompleted, constants.PayoutStatusFailed},
}

// CanTransitionPayout 判断打款状态迁移是否合法
func CanTransitionPayout(from, to string) bool {
	return hasEdge(payoutTransitions, from, to)
}

// IsPayoutTerminal 打款是否处于终态
func IsPayoutTerminal(status string) bool {
	return status == constants.PayoutStatusCompleted || status == constants.PayoutStatusFailed
}

// IsPayoutActive 打款是否仍在进行中
func IsPayoutActive(status string) bool {
	return status == constants.PayoutStatusPending || status == constants.PayoutStatusProcessing
}

func classifyPayoutMismatch(current, target string) error {
	return classifyMismatch(payoutTransitions, current, target)
}
