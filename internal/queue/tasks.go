package queue

import (
	"encoding/json"

	"github.com/escrow-ledger/internal/constants"

	"github.com/hibiken/asynq"
)

const (
	// TaskWebhookProcess 处理网关回调投递
	TaskWebhookProcess = constants.TaskWebhookProcess
	// TaskPayoutTransfer 发起打款转账
	TaskPayoutTransfer = constants.TaskPayoutTransfer
	// TaskReconcilePass 执行一次对账批次
	TaskReconcilePass = constants.TaskReconcilePass
)

// WebhookProcessPayload 回调处理任务载荷
type WebhookProcessPayload struct {
	DeliveryID uint `json:"delivery_id"`
}

// PayoutTransferPayload 打款转账任务载荷
type PayoutTransferPayload struct {
	PayoutID uint   `json:"payout_id"`
	Operator string `json:"operator,omitempty"`
}

// ReconcilePassPayload 对账批次任务载荷
type ReconcilePassPayload struct {
	Pass     string `json:"pass"`
	Source   string `json:"source"`
	Operator string `json:"operator,omitempty"`
	RunID    string `json:"run_id,omitempty"`
}

// NewWebhookProcessTask 创建回调处理任务
func NewWebhookProcessTask(payload WebhookProcessPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskWebhookProcess, body), nil
}

// NewPayoutTransferTask 创建打款转账任务
func NewPayoutTransferTask(payload PayoutTransferPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPayoutTransfer, body), nil
}

// NewReconcilePassTask 创建对账批次任务
func NewReconcilePassTask(payload ReconcilePassPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcilePass, body), nil
}
