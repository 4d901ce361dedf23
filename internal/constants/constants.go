package constants

// 支付状态常量
const (
	PaymentStatusPending           = "pending"
	PaymentStatusHeldInEscrow      = "held_in_escrow"
	PaymentStatusProcessingRelease = "processing_release"
	PaymentStatusReleased          = "released"
	PaymentStatusFailed            = "failed"
	PaymentStatusRefunded          = "refunded"
)

// 打款状态常量
const (
	PayoutStatusPending    = "pending"
	PayoutStatusProcessing = "processing"
	PayoutStatusCompleted  = "completed"
	PayoutStatusFailed     = "failed"
)

// 网关回调事件类型
const (
	WebhookEventCaptured   = "captured"
	WebhookEventEscrowHeld = "escrow_held"
	WebhookEventReleased   = "released"
	WebhookEventFailed     = "failed"
	WebhookEventRefunded   = "refunded"
)

// 回调投递状态
const (
	WebhookDeliveryStatusReceived  = "received"
	WebhookDeliveryStatusProcessed = "processed"
	WebhookDeliveryStatusIgnored   = "ignored"
	WebhookDeliveryStatusFailed    = "failed"
)

// 对账动作来源
const (
	ReconcileSourceWebhook   = "webhook"
	ReconcileSourceManual    = "manual"
	ReconcileSourceScheduled = "scheduled"
	ReconcileSourceSystem    = "system"
)

// 对账记录目标类型
const (
	ReconcileTargetPayment = "payment"
	ReconcileTargetPayout  = "payout"
)

// 对账记录结果
const (
	ReconcileOutcomeApplied   = "applied"
	ReconcileOutcomeNoop      = "noop"
	ReconcileOutcomeRejected  = "rejected"
	ReconcileOutcomeStale     = "stale"
	ReconcileOutcomeFlagged   = "flagged"
	ReconcileOutcomeRetryable = "retryable"
	ReconcileOutcomePending   = "pending"
	ReconcileOutcomeIgnored   = "ignored"
	ReconcileOutcomeFailed    = "failed"
)

// 对账动作（非回调来源的事件类型）
const (
	ReconcileActionCapture        = "capture"
	ReconcileActionConfirmEscrow  = "confirm_escrow"
	ReconcileActionBeginRelease   = "begin_release"
	ReconcileActionConfirmRelease = "confirm_release"
	ReconcileActionRefund         = "refund"
	ReconcileActionFail           = "fail"
	ReconcileActionRecover        = "recover"
	ReconcileActionFlag           = "flag_review"
	ReconcileActionPayoutCreate   = "payout_create"
	ReconcileActionPayoutProcess  = "payout_processing"
	ReconcileActionPayoutComplete = "payout_completed"
	ReconcileActionPayoutFail     = "payout_failed"
	ReconcileActionPayoutTransfer = "payout_transfer"
	ReconcileActionCleanup        = "cleanup"
)

// 打款失败原因
const (
	PayoutFailureDuplicate = "duplicate"
	PayoutFailureOrphaned  = "orphaned, no released payment"
)

// 异步队列名称
const (
	QueueDefault  = "default"
	QueueCritical = "critical"
)

// 异步任务类型
const (
	TaskWebhookProcess = "reconcile:webhook_process"
	TaskPayoutTransfer = "reconcile:payout_transfer"
	TaskReconcilePass  = "reconcile:pass"
)

// 对账批次类型
const (
	ReconcilePassRecover      = "recover"
	ReconcilePassCleanup      = "cleanup"
	ReconcilePassReleaseDue   = "release_due"
	ReconcilePassWebhookRetry = "webhook_retry"
)
