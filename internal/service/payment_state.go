package service

import (
	"errors"

	"github.com/escrow-ledger/internal/constants"
)

// paymentTransitions 支付状态邻接表
var paymentTransitions = map[string][]string{
	constants.PaymentStatusPending:           {constants.PaymentStatusHeldInEscrow, constants.PaymentStatusFailed},
	constants.PaymentStatusHeldInEscrow:      {constants.PaymentStatusProcessingRelease, constants.PaymentStatusRefunded},
	constants.PaymentStatusProcessingRelease: {constants.PaymentStatusReleased},
}

// CanTransitionPayment 判断支付状态迁移是否合法
func CanTransitionPayment(from, to string) bool {
	return hasEdge(paymentTransitions, from, to)
}

// IsPaymentTerminal 支付是否处于终态
func IsPaymentTerminal(status string) bool {
	switch status {
	case constants.PaymentStatusReleased, constants.PaymentStatusFailed, constants.PaymentStatusRefunded:
		return true
	}
	return false
}

func hasEdge(graph map[string][]string, from, to string) bool {
	for _, next := range graph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// reachable 判断 to 是否可由 from 经至少一步迁移到达
func reachable(graph map[string][]string, from, to string) bool {
	visited := map[string]bool{from: true}
	queue := append([]string(nil), graph[from]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == to {
			return true
		}
		if visited[current] {
			continue
		}
		visited[current] = true
		queue = append(queue, graph[current]...)
	}
	return false
}

// classifyMismatch 当前状态不是动作要求的源状态时给出错误类型
// 当前状态已到达或越过目标状态视为过期，其余视为非法迁移
func classifyMismatch(graph map[string][]string, current, target string) error {
	if current == target || reachable(graph, target, current) {
		return ErrStaleState
	}
	return ErrInvalidTransition
}

func classifyPaymentMismatch(current, target string) error {
	return classifyMismatch(paymentTransitions, current, target)
}

// recordOutcomeForError 将状态机错误映射为审计记录结果
func recordOutcomeForError(err error) string {
	switch {
	case errors.Is(err, ErrStaleState):
		return constants.ReconcileOutcomeStale
	case IsStateMachineError(err):
		return constants.ReconcileOutcomeRejected
	}
	return constants.ReconcileOutcomeFailed
}
