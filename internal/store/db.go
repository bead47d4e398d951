package store

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens a GORM connection against a Postgres DSN.
func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

// AutoMigrateAndIndexes creates every table the gateway owns plus the
// frequent-lookup indexes called for by spec.md §6.4.
func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&Ticker{},
		&Dividend{},
		&Job{},
		&QueueItem{},
		&RateBudget{},
		&CallLog{},
		&ApiUser{},
		&Subscription{},
		&SubscriptionActivity{},
	); err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_tickers_symbol on tickers(symbol);`,
		`create index if not exists idx_dividends_ex_date on dividends(ex_dividend_date);`,
		`create index if not exists idx_jobs_status on api_jobs(status);`,
		`create index if not exists idx_queue_scheduled on job_queue(scheduled_at);`,
		`create index if not exists idx_queue_priority on job_queue(priority desc);`,
		`create index if not exists idx_calllogs_service_created on api_call_logs(service_name, created_at desc);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
