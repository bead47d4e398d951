package store

import (
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// Ticker is a globally shared, symbol-keyed row tracking whether a
// symbol is actively refreshed and when it was last synced.
type Ticker struct {
	Symbol                string     `gorm:"primaryKey;type:varchar(10)"`
	IsActive              bool       `gorm:"not null;default:true"`
	CreatedAt             time.Time  `gorm:"not null;default:now()"`
	LastDividendUpdate    *time.Time `gorm:"type:timestamptz"`
	UpdateFrequencyHours  int        `gorm:"not null;default:24"`
}

func (Ticker) TableName() string { return "tickers" }

// Dividend is one ex-dividend event for a ticker. The natural key is
// (ticker, ex_dividend_date); upserts are keyed on it.
type Dividend struct {
	ID              uint64          `gorm:"primaryKey;autoIncrement"`
	Ticker          string          `gorm:"index:idx_dividends_ticker_ex,unique,priority:1;type:varchar(10);not null"`
	ExDividendDate  time.Time       `gorm:"index:idx_dividends_ticker_ex,unique,priority:2;type:date;not null"`
	DeclarationDate *time.Time      `gorm:"type:date"`
	RecordDate      *time.Time      `gorm:"type:date"`
	PayDate         *time.Time      `gorm:"type:date"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,6);not null"`
	Currency        string          `gorm:"type:varchar(3);not null;default:'USD'"`
	Frequency       int             `gorm:"not null;default:4"`
	Type            string          `gorm:"type:varchar(32);not null;default:'Cash'"`
	PolygonID       *string         `gorm:"type:text"`
	DataSource      string          `gorm:"type:varchar(32);not null;default:'polygon'"`
	CreatedAt       time.Time       `gorm:"not null;default:now()"`
	UpdatedAt       time.Time       `gorm:"not null;default:now()"`
}

func (Dividend) TableName() string { return "dividends" }

const (
	JobTypeDividendUpdate = "dividend_update"
	JobTypeTickerSync     = "ticker_sync"
	JobTypeDataCleanup    = "data_cleanup"

	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Job groups per-ticker work items with shared metadata and aggregate
// progress counters.
type Job struct {
	ID                  string         `gorm:"primaryKey;type:text"`
	JobType             string         `gorm:"type:varchar(32);not null"`
	Status              string         `gorm:"index;type:varchar(16);not null;default:'pending'"`
	TickerSymbols       pq.StringArray `gorm:"type:text[];not null"`
	Total               int            `gorm:"not null;default:0"`
	Processed           int            `gorm:"not null;default:0"`
	Failed              int            `gorm:"not null;default:0"`
	Priority            int            `gorm:"not null;default:0"`
	Force               bool           `gorm:"not null;default:false"`
	Metadata            string         `gorm:"type:jsonb;not null;default:'{}'"`
	ErrorMessage        *string        `gorm:"type:text"`
	CreatedAt           time.Time      `gorm:"not null;default:now()"`
	StartedAt           *time.Time     `gorm:"type:timestamptz"`
	CompletedAt         *time.Time     `gorm:"type:timestamptz"`
	EstimatedCompletion *time.Time     `gorm:"type:timestamptz"`
}

func (Job) TableName() string { return "api_jobs" }

// QueueItem is one ticker's unit of work within a job. Completed items
// are deleted; failed items are either deleted (retries exhausted) or
// rescheduled with an incremented retry_count.
type QueueItem struct {
	ID           string     `gorm:"primaryKey;type:text"`
	JobID        string     `gorm:"index;type:text;not null"`
	TickerSymbol string     `gorm:"index;type:varchar(10);not null"`
	Priority     int        `gorm:"index:idx_queue_priority_scheduled,priority:1,sort:desc;not null;default:0"`
	RetryCount   int        `gorm:"not null;default:0"`
	MaxRetries   int        `gorm:"not null;default:3"`
	ScheduledAt  time.Time  `gorm:"index:idx_queue_priority_scheduled,priority:2;not null;default:now()"`
	LockedAt     *time.Time `gorm:"index;type:timestamptz"`
	LockedBy     *string    `gorm:"type:text"`
	ErrorMessage *string    `gorm:"type:text"`
	CreatedAt    time.Time  `gorm:"not null;default:now()"`
}

func (QueueItem) TableName() string { return "job_queue" }

// RateBudget is the per-service rolling call budget the Clock & Rate
// Budget component admits calls against (spec.md §4.1).
type RateBudget struct {
	ServiceName  string    `gorm:"primaryKey;type:varchar(64)"`
	MinuteCount  int       `gorm:"not null;default:0"`
	HourCount    int       `gorm:"not null;default:0"`
	DayCount     int       `gorm:"not null;default:0"`
	ResetMinute  time.Time `gorm:"not null;default:now()"`
	ResetHour    time.Time `gorm:"not null;default:now()"`
	ResetDay     time.Time `gorm:"not null;default:now()"`
	LastCallTime time.Time `gorm:"not null;default:now()"`
}

func (RateBudget) TableName() string { return "rate_limits" }

// CallLog is an append-only record of every upstream-provider attempt.
type CallLog struct {
	ID                  string    `gorm:"primaryKey;type:text"`
	ServiceName         string    `gorm:"index;type:varchar(64);not null"`
	Endpoint            string    `gorm:"type:text;not null"`
	TickerSymbol        *string   `gorm:"type:varchar(10)"`
	ResponseStatus      int       `gorm:"not null"`
	ResponseTimeMs      int       `gorm:"not null"`
	RateLimitRemaining  *int      `gorm:""`
	ErrorMessage        *string   `gorm:"type:text"`
	Metadata            string    `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt           time.Time `gorm:"index;not null;default:now()"`
}

func (CallLog) TableName() string { return "api_call_logs" }

const (
	PlanFree    = "free"
	PlanBasic   = "basic"
	PlanPremium = "premium"
)

// ApiUser is an authenticated API client, keyed by its bearer API key.
type ApiUser struct {
	ID               string    `gorm:"primaryKey;type:text"`
	APIKey           string    `gorm:"uniqueIndex;type:varchar(128);not null"`
	UserName         *string   `gorm:"type:text"`
	PlanType         string    `gorm:"type:varchar(16);not null;default:'free'"`
	MaxSubscriptions int       `gorm:"not null;default:10"`
	IsActive         bool      `gorm:"not null;default:true"`
	CreatedAt        time.Time `gorm:"not null;default:now()"`
}

func (ApiUser) TableName() string { return "api_users" }

// Subscription is a (user, ticker) pair the user wants kept fresh.
type Subscription struct {
	UserID               string     `gorm:"primaryKey;type:text"`
	TickerSymbol         string     `gorm:"primaryKey;type:varchar(10)"`
	Priority             int        `gorm:"not null;default:1"`
	SubscribedAt         time.Time  `gorm:"not null;default:now()"`
	NotificationEnabled  bool       `gorm:"not null;default:true"`
	AutoUpdateEnabled    bool       `gorm:"not null;default:true"`
	LastDividendCheck    *time.Time `gorm:"type:timestamptz"`
}

func (Subscription) TableName() string { return "user_subscriptions" }

// SubscriptionActivity is an append-only audit trail of subscription
// mutations, mirroring the teacher's append-only MemoEvent model.
type SubscriptionActivity struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement"`
	UserID    string    `gorm:"index;type:text;not null"`
	Ticker    string    `gorm:"type:varchar(10);not null"`
	Action    string    `gorm:"type:varchar(32);not null"`
	Detail    string    `gorm:"type:jsonb;not null;default:'{}'"`
	CreatedAt time.Time `gorm:"not null;default:now()"`
}

func (SubscriptionActivity) TableName() string { return "subscription_activity" }
