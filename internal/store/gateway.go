package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"dividend-ingest/internal/apperr"
)

// DividendInput is the shape the Upstream Fetcher hands the gateway for
// a single record; it carries no identity beyond the natural key.
type DividendInput struct {
	ExDividendDate  time.Time
	DeclarationDate *time.Time
	RecordDate      *time.Time
	PayDate         *time.Time
	Amount          decimal.Decimal
	Currency        string
	Frequency       int
	Type            string
	PolygonID       *string
	DataSource      string
}

// UpsertSummary reports the outcome of a bulk dividend upsert. Invalid
// records are collected, never raised (spec.md §7).
type UpsertSummary struct {
	Inserted      int
	Errors        int
	ErrorMessages []string
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	Status  string
	JobType string
	Limit   int
	Offset  int
	Sort    string
	Order   string
}

// Gateway is the typed, leaf interface every other component depends
// on instead of a concrete *gorm.DB, per spec.md §9's redesign flag
// ("define the Routing Oracle and Store Gateway as leaf interfaces
// consumed by both handlers and workers").
type Gateway interface {
	UpsertTicker(ctx context.Context, symbol string) (*Ticker, bool, error)
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)
	TouchTickerUpdated(ctx context.Context, symbol string, when time.Time) error
	UpsertDividends(ctx context.Context, ticker string, records []DividendInput) (UpsertSummary, error)
	ListDividends(ctx context.Context, ticker string, start, end *time.Time, limit, offset int) ([]Dividend, error)
	ListAllDividends(ctx context.Context, start, end *time.Time, limit, offset int) ([]Dividend, error)

	CreateJob(ctx context.Context, jobType string, tickerSymbols []string, priority int, force bool, metadata map[string]any) (*Job, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]Job, error)
	CancelJob(ctx context.Context, jobID string) error
	Enqueue(ctx context.Context, jobID string, symbols []string, priority int) error
	LeaseQueueItems(ctx context.Context, limit int, workerID string) ([]QueueItem, error)
	CompleteItem(ctx context.Context, id string) error
	FailItem(ctx context.Context, id string, errMsg string) error
	AdvanceJob(ctx context.Context, jobID string, deltaProcessed, deltaFailed int) error
	MarkProcessing(ctx context.Context, jobID string) error
	FinalizeJobIfDrained(ctx context.Context, jobID string) (bool, error)
	CountPendingQueueItems(ctx context.Context, jobID string) (int64, error)
	CountProcessingQueueItems(ctx context.Context, jobID string) (int64, error)

	GetAPIUserByKey(ctx context.Context, apiKey string) (*ApiUser, error)
	Subscribe(ctx context.Context, userID, ticker string, priority int) (*Subscription, error)
	Unsubscribe(ctx context.Context, userID, ticker string) error
	ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error)
	CountSubscriptions(ctx context.Context, userID string) (int64, error)
	AppendSubscriptionActivity(ctx context.Context, userID, ticker, action string, detail map[string]any) error

	RecordCallLog(ctx context.Context, log CallLog) error
}

// GormGateway is the concrete, Postgres-backed implementation.
type GormGateway struct {
	DB *gorm.DB
}

func NewGormGateway(db *gorm.DB) *GormGateway { return &GormGateway{DB: db} }

var _ Gateway = (*GormGateway)(nil)

func (g *GormGateway) UpsertTicker(ctx context.Context, symbol string) (*Ticker, bool, error) {
	var existing Ticker
	err := g.DB.WithContext(ctx).Where("symbol = ?", symbol).First(&existing).Error
	if err == nil {
		if !existing.IsActive {
			existing.IsActive = true
			if err := g.DB.WithContext(ctx).Model(&existing).Update("is_active", true).Error; err != nil {
				return nil, false, apperr.Transient("upsert ticker", err)
			}
		}
		return &existing, false, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, apperr.Transient("lookup ticker", err)
	}

	t := Ticker{Symbol: symbol, IsActive: true, CreatedAt: time.Now(), UpdateFrequencyHours: 24}
	if err := g.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "symbol"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_active"}),
	}).Create(&t).Error; err != nil {
		return nil, false, apperr.Transient("create ticker", err)
	}
	return &t, true, nil
}

func (g *GormGateway) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var t Ticker
	if err := g.DB.WithContext(ctx).Where("symbol = ?", symbol).First(&t).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.NotFound("ticker not found: " + symbol)
		}
		return nil, apperr.Transient("get ticker", err)
	}
	return &t, nil
}

func (g *GormGateway) TouchTickerUpdated(ctx context.Context, symbol string, when time.Time) error {
	err := g.DB.WithContext(ctx).Model(&Ticker{}).
		Where("symbol = ?", symbol).
		Update("last_dividend_update", when).Error
	if err != nil {
		return apperr.Transient("touch ticker", err)
	}
	return nil
}

func (g *GormGateway) UpsertDividends(ctx context.Context, ticker string, records []DividendInput) (UpsertSummary, error) {
	summary := UpsertSummary{}
	valid := make([]Dividend, 0, len(records))

	for _, r := range records {
		if r.ExDividendDate.IsZero() {
			summary.Errors++
			summary.ErrorMessages = append(summary.ErrorMessages, "missing ex_dividend_date")
			continue
		}
		if r.Amount.Sign() <= 0 {
			summary.Errors++
			summary.ErrorMessages = append(summary.ErrorMessages,
				fmt.Sprintf("non-positive amount for ex_dividend_date=%s", r.ExDividendDate.Format("2006-01-02")))
			continue
		}
		currency := r.Currency
		if currency == "" {
			currency = "USD"
		}
		frequency := r.Frequency
		if frequency == 0 {
			frequency = 4
		}
		typ := r.Type
		if typ == "" {
			typ = "Cash"
		}
		source := r.DataSource
		if source == "" {
			source = "polygon"
		}
		valid = append(valid, Dividend{
			Ticker:          ticker,
			ExDividendDate:  r.ExDividendDate,
			DeclarationDate: r.DeclarationDate,
			RecordDate:      r.RecordDate,
			PayDate:         r.PayDate,
			Amount:          r.Amount,
			Currency:        currency,
			Frequency:       frequency,
			Type:            typ,
			PolygonID:       r.PolygonID,
			DataSource:      source,
			UpdatedAt:       time.Now(),
		})
	}

	if len(valid) == 0 {
		return summary, nil
	}

	err := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "ticker"}, {Name: "ex_dividend_date"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"declaration_date", "record_date", "pay_date", "amount",
				"currency", "frequency", "type", "polygon_id", "data_source", "updated_at",
			}),
		}).Create(&valid).Error
	})
	if err != nil {
		return summary, apperr.Transient("upsert dividends", err)
	}

	summary.Inserted = len(valid)
	return summary, nil
}

func (g *GormGateway) ListDividends(ctx context.Context, ticker string, start, end *time.Time, limit, offset int) ([]Dividend, error) {
	q := g.DB.WithContext(ctx).Where("ticker = ?", ticker)
	q = applyDateRange(q, start, end)
	q = applyPage(q, limit, offset)
	var out []Dividend
	if err := q.Order("ex_dividend_date desc").Find(&out).Error; err != nil {
		return nil, apperr.Transient("list dividends", err)
	}
	return out, nil
}

func (g *GormGateway) ListAllDividends(ctx context.Context, start, end *time.Time, limit, offset int) ([]Dividend, error) {
	q := g.DB.WithContext(ctx).Model(&Dividend{})
	q = applyDateRange(q, start, end)
	q = applyPage(q, limit, offset)
	var out []Dividend
	if err := q.Order("ex_dividend_date desc").Find(&out).Error; err != nil {
		return nil, apperr.Transient("list all dividends", err)
	}
	return out, nil
}

func applyDateRange(q *gorm.DB, start, end *time.Time) *gorm.DB {
	if start != nil {
		q = q.Where("ex_dividend_date >= ?", *start)
	}
	if end != nil {
		q = q.Where("ex_dividend_date <= ?", *end)
	}
	return q
}

func applyPage(q *gorm.DB, limit, offset int) *gorm.DB {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q = q.Limit(limit)
	if offset > 0 {
		q = q.Offset(offset)
	}
	return q
}

func (g *GormGateway) CreateJob(ctx context.Context, jobType string, tickerSymbols []string, priority int, force bool, metadata map[string]any) (*Job, error) {
	metaBytes, _ := json.Marshal(metadata)
	eta := time.Now().Add(time.Duration(math.Ceil(float64(len(tickerSymbols))*12)) * time.Second)
	j := Job{
		ID:                  uuid.NewString(),
		JobType:             jobType,
		Status:              JobStatusPending,
		TickerSymbols:       tickerSymbols,
		Total:               len(tickerSymbols),
		Priority:            priority,
		Force:               force,
		Metadata:            string(metaBytes),
		CreatedAt:           time.Now(),
		EstimatedCompletion: &eta,
	}
	if err := g.DB.WithContext(ctx).Create(&j).Error; err != nil {
		return nil, apperr.Transient("create job", err)
	}
	return &j, nil
}

func (g *GormGateway) GetJob(ctx context.Context, jobID string) (*Job, error) {
	var j Job
	if err := g.DB.WithContext(ctx).Where("id = ?", jobID).First(&j).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.NotFound("job not found: " + jobID)
		}
		return nil, apperr.Transient("get job", err)
	}
	return &j, nil
}

func (g *GormGateway) ListJobs(ctx context.Context, f JobFilter) ([]Job, error) {
	q := g.DB.WithContext(ctx).Model(&Job{})
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.JobType != "" {
		q = q.Where("job_type = ?", f.JobType)
	}
	sort := f.Sort
	if sort == "" {
		sort = "created_at"
	}
	order := f.Order
	if order != "desc" && order != "asc" {
		order = "desc"
	}
	q = applyPage(q, f.Limit, f.Offset)

	var out []Job
	if err := q.Order(fmt.Sprintf("%s %s", sort, order)).Find(&out).Error; err != nil {
		return nil, apperr.Transient("list jobs", err)
	}
	return out, nil
}

func (g *GormGateway) CancelJob(ctx context.Context, jobID string) error {
	return g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		if err := tx.Where("id = ?", jobID).First(&j).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperr.NotFound("job not found: " + jobID)
			}
			return apperr.Transient("get job", err)
		}
		if j.Status != JobStatusPending {
			return apperr.Conflict("job is not pending, cannot cancel")
		}
		msg := "Job cancelled by user"
		if err := tx.Model(&j).Updates(map[string]any{
			"status":        JobStatusCancelled,
			"error_message": msg,
		}).Error; err != nil {
			return apperr.Transient("cancel job", err)
		}
		if err := tx.Where("job_id = ?", jobID).Delete(&QueueItem{}).Error; err != nil {
			return apperr.Transient("delete queue items", err)
		}
		return nil
	})
}

func (g *GormGateway) Enqueue(ctx context.Context, jobID string, symbols []string, priority int) error {
	if len(symbols) == 0 {
		return nil
	}
	items := make([]QueueItem, 0, len(symbols))
	now := time.Now()
	for _, s := range symbols {
		items = append(items, QueueItem{
			ID:           uuid.NewString(),
			JobID:        jobID,
			TickerSymbol: s,
			Priority:     priority,
			MaxRetries:   3,
			ScheduledAt:  now,
			CreatedAt:    now,
		})
	}
	if err := g.DB.WithContext(ctx).Create(&items).Error; err != nil {
		return apperr.Transient("enqueue", err)
	}
	return nil
}

// LeaseQueueItems atomically claims up to limit visible items, ordered
// by priority DESC, scheduled_at ASC, per spec.md §4.2. Grounded on the
// teacher's CTE + UPDATE ... RETURNING claim idiom, generalized from a
// single row to a bounded batch.
func (g *GormGateway) LeaseQueueItems(ctx context.Context, limit int, workerID string) ([]QueueItem, error) {
	var items []QueueItem
	err := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Raw(`
with cte as (
  select id
  from job_queue
  where scheduled_at <= now()
    and (locked_at is null or locked_at < now() - interval '5 minutes')
  order by priority desc, scheduled_at asc
  for update skip locked
  limit ?
)
update job_queue
set locked_at = now(), locked_by = ?
where id in (select id from cte)
returning *;
`, limit, workerID).Scan(&items).Error
	})
	if err != nil {
		return nil, apperr.Transient("lease queue items", err)
	}
	return items, nil
}

func (g *GormGateway) CompleteItem(ctx context.Context, id string) error {
	if err := g.DB.WithContext(ctx).Where("id = ?", id).Delete(&QueueItem{}).Error; err != nil {
		return apperr.Transient("complete item", err)
	}
	return nil
}

func (g *GormGateway) FailItem(ctx context.Context, id string, errMsg string) error {
	var item QueueItem
	if err := g.DB.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil
		}
		return apperr.Transient("get queue item", err)
	}

	if item.RetryCount+1 > item.MaxRetries {
		if err := g.DB.WithContext(ctx).Where("id = ?", id).Delete(&QueueItem{}).Error; err != nil {
			return apperr.Transient("drop exhausted item", err)
		}
		return nil
	}

	retryCount := item.RetryCount + 1
	backoff := time.Duration(math.Pow(2, float64(retryCount))) * time.Minute
	err := g.DB.WithContext(ctx).Model(&QueueItem{}).Where("id = ?", id).Updates(map[string]any{
		"retry_count":   retryCount,
		"error_message": errMsg,
		"scheduled_at":  time.Now().Add(backoff),
		"locked_at":     nil,
		"locked_by":     nil,
	}).Error
	if err != nil {
		return apperr.Transient("reschedule item", err)
	}
	return nil
}

func (g *GormGateway) AdvanceJob(ctx context.Context, jobID string, deltaProcessed, deltaFailed int) error {
	err := g.DB.WithContext(ctx).Exec(`
update api_jobs
set processed = processed + ?, failed = failed + ?
where id = ?
`, deltaProcessed, deltaFailed, jobID).Error
	if err != nil {
		return apperr.Transient("advance job", err)
	}
	return nil
}

func (g *GormGateway) MarkProcessing(ctx context.Context, jobID string) error {
	err := g.DB.WithContext(ctx).Exec(`
update api_jobs
set status = 'processing', started_at = now()
where id = ? and status = 'pending'
`, jobID).Error
	if err != nil {
		return apperr.Transient("mark processing", err)
	}
	return nil
}

func (g *GormGateway) CountPendingQueueItems(ctx context.Context, jobID string) (int64, error) {
	var n int64
	if err := g.DB.WithContext(ctx).Model(&QueueItem{}).Where("job_id = ?", jobID).Count(&n).Error; err != nil {
		return 0, apperr.Transient("count queue items", err)
	}
	return n, nil
}

// CountProcessingQueueItems counts items currently leased by a worker
// (locked_at set), per spec.md §4.5's progress(jobId).processing field.
func (g *GormGateway) CountProcessingQueueItems(ctx context.Context, jobID string) (int64, error) {
	var n int64
	if err := g.DB.WithContext(ctx).Model(&QueueItem{}).
		Where("job_id = ? and locked_at is not null", jobID).Count(&n).Error; err != nil {
		return 0, apperr.Transient("count processing queue items", err)
	}
	return n, nil
}

func (g *GormGateway) FinalizeJobIfDrained(ctx context.Context, jobID string) (bool, error) {
	n, err := g.CountPendingQueueItems(ctx, jobID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}

	j, err := g.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if j.Status == JobStatusCompleted || j.Status == JobStatusFailed || j.Status == JobStatusCancelled {
		return false, nil
	}

	status := JobStatusFailed
	if j.Processed > 0 {
		status = JobStatusCompleted
	}
	err = g.DB.WithContext(ctx).Exec(`
update api_jobs
set status = ?, completed_at = now()
where id = ?
`, status, jobID).Error
	if err != nil {
		return false, apperr.Transient("finalize job", err)
	}
	return true, nil
}

func (g *GormGateway) GetAPIUserByKey(ctx context.Context, apiKey string) (*ApiUser, error) {
	var u ApiUser
	err := g.DB.WithContext(ctx).Where("api_key = ? and is_active = true", apiKey).First(&u).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, apperr.Auth("unknown or inactive api key")
		}
		return nil, apperr.Transient("lookup api user", err)
	}
	return &u, nil
}

func (g *GormGateway) Subscribe(ctx context.Context, userID, ticker string, priority int) (*Subscription, error) {
	var sub Subscription
	err := g.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Subscription
		found := tx.Where("user_id = ? and ticker_symbol = ?", userID, ticker).First(&existing).Error == nil
		if found {
			existing.Priority = priority
			if err := tx.Save(&existing).Error; err != nil {
				return apperr.Transient("update subscription", err)
			}
			sub = existing
			return nil
		}

		var count int64
		if err := tx.Model(&Subscription{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
			return apperr.Transient("count subscriptions", err)
		}

		var user ApiUser
		if err := tx.Where("id = ?", userID).First(&user).Error; err != nil {
			return apperr.Transient("lookup user", err)
		}

		if count >= int64(user.MaxSubscriptions) {
			return apperr.Conflict(fmt.Sprintf(
				"Subscription limit reached, limit=%d, current=%d", user.MaxSubscriptions, count))
		}

		sub = Subscription{
			UserID:              userID,
			TickerSymbol:        ticker,
			Priority:            priority,
			SubscribedAt:        time.Now(),
			NotificationEnabled: true,
			AutoUpdateEnabled:   true,
		}
		if err := tx.Create(&sub).Error; err != nil {
			return apperr.Transient("create subscription", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (g *GormGateway) Unsubscribe(ctx context.Context, userID, ticker string) error {
	res := g.DB.WithContext(ctx).Where("user_id = ? and ticker_symbol = ?", userID, ticker).Delete(&Subscription{})
	if res.Error != nil {
		return apperr.Transient("unsubscribe", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("not subscribed to " + ticker)
	}
	return nil
}

func (g *GormGateway) ListSubscriptions(ctx context.Context, userID string) ([]Subscription, error) {
	var out []Subscription
	if err := g.DB.WithContext(ctx).Where("user_id = ?", userID).Order("subscribed_at desc").Find(&out).Error; err != nil {
		return nil, apperr.Transient("list subscriptions", err)
	}
	return out, nil
}

func (g *GormGateway) CountSubscriptions(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := g.DB.WithContext(ctx).Model(&Subscription{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return 0, apperr.Transient("count subscriptions", err)
	}
	return n, nil
}

func (g *GormGateway) AppendSubscriptionActivity(ctx context.Context, userID, ticker, action string, detail map[string]any) error {
	b, _ := json.Marshal(detail)
	a := SubscriptionActivity{
		UserID:    userID,
		Ticker:    ticker,
		Action:    action,
		Detail:    string(b),
		CreatedAt: time.Now(),
	}
	if err := g.DB.WithContext(ctx).Create(&a).Error; err != nil {
		return apperr.Transient("append subscription activity", err)
	}
	return nil
}

func (g *GormGateway) RecordCallLog(ctx context.Context, log CallLog) error {
	if log.ID == "" {
		log.ID = uuid.NewString()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	if err := g.DB.WithContext(ctx).Create(&log).Error; err != nil {
		return apperr.Transient("record call log", err)
	}
	return nil
}
