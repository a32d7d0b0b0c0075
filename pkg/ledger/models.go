package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// AIModel holds the catalog entry for one model id. Prices are per one
// million tokens and are owned by the catalog syncer; the ledger only reads
// them at record time.
type AIModel struct {
	ModelID         string          `gorm:"primaryKey;column:model_id" json:"model_id"`
	ModelName       string          `gorm:"index" json:"model_name"`
	PromptPrice     decimal.Decimal `gorm:"type:numeric" json:"prompt_price"`
	CompletionPrice decimal.Decimal `gorm:"type:numeric" json:"completion_price"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// UsageLog is one immutable billing record. It snapshots the prices in
// effect at record time so historical cost stays reproducible after later
// catalog changes.
type UsageLog struct {
	ID               string          `gorm:"primaryKey" json:"id"`
	UserID           string          `gorm:"index" json:"user_id"`
	ChatID           string          `gorm:"index" json:"chat_id"`
	ModelID          string          `gorm:"index" json:"model_id"`
	PromptTokens     int64           `json:"prompt_tokens"`
	CompletionTokens int64           `json:"completion_tokens"`
	PromptPrice      decimal.Decimal `gorm:"type:numeric" json:"prompt_price"`
	CompletionPrice  decimal.Decimal `gorm:"type:numeric" json:"completion_price"`
	RawUsage         []byte          `json:"raw_usage,omitempty"`
	ChatAt           time.Time       `gorm:"index" json:"chat_at"`
}

// UserBalance is the prepaid balance row for one user. Balance may go
// negative: requests are billed after the fact.
type UserBalance struct {
	UserID   string          `gorm:"primaryKey" json:"user_id"`
	UserName string          `gorm:"index" json:"user_name"`
	Email    string          `json:"email"`
	Balance  decimal.Decimal `gorm:"type:numeric" json:"balance"`
}

var million = decimal.NewFromInt(1_000_000)

// Cost computes the billed cost of the record from its snapshotted prices.
func (l *UsageLog) Cost() decimal.Decimal {
	return tokenCost(l.PromptTokens, l.PromptPrice).Add(tokenCost(l.CompletionTokens, l.CompletionPrice))
}

func tokenCost(tokens int64, pricePerMillion decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(tokens).Mul(pricePerMillion).Div(million)
}
