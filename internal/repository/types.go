package repository

import "time"

// PaymentListFilter 查询支付列表的过滤条件
type PaymentListFilter struct {
	Page        int
	PageSize    int
	BookingID   uint
	ProviderID  uint
	Status      string
	NeedsReview *bool
	Search      string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// PayoutListFilter 查询打款列表的过滤条件
type PayoutListFilter struct {
	Page        int
	PageSize    int
	PaymentID   uint
	ProviderID  uint
	Status      string
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

// ReconciliationListFilter 查询对账审计记录的过滤条件
type ReconciliationListFilter struct {
	Page          int
	PageSize      int
	TargetType    string
	TargetID      uint
	Source        string
	Outcome       string
	EventType     string
	RunID         string
	ExternalRef   string
	GatewayStatus string
	CreatedFrom   *time.Time
	CreatedTo     *time.Time
}

// WebhookDeliveryListFilter 查询回调投递的过滤条件
type WebhookDeliveryListFilter struct {
	Page        int
	PageSize    int
	Status      string
	EventType   string
	ExternalRef string
}
