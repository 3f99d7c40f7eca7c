package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Model is a matting model that workers can run. Price is charged once per
// successfully completed task.
type Model struct {
	Name       string          `db:"name"        json:"name"`
	Alias      *string         `db:"alias"       json:"alias,omitempty"`
	Price      decimal.Decimal `db:"price"       json:"price"`
	UsageCount int64           `db:"usage_count" json:"usage_count"`
	Enabled    bool            `db:"enabled"     json:"enabled"`
	CreatedAt  time.Time       `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"  json:"updated_at"`
}
