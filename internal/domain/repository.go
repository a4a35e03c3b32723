// Package domain defines the core interfaces and types for Cardwise.
package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ConfigReader is read access to card and rule configuration.
type ConfigReader interface {
	GetCard(ctx context.Context, cardID string) (*Card, error)

	// RulesForCard returns every rule of a card in a stable order.
	// Returns ErrNotFound if the card does not exist.
	RulesForCard(ctx context.Context, cardID string) ([]*RewardRule, error)

	GetCategory(ctx context.Context, categoryID string) (*Category, error)
}

// AccrualQuery scopes a reward sum.
// The range is half-open: From <= date < To.
type AccrualQuery struct {
	CardID string
	UserID string
	Unit   RewardUnit
	From   time.Time
	To     time.Time
}

// Store is the subset of persistence usable inside a unit of work.
type Store interface {
	ConfigReader

	// SelectedCards returns the user's cards in wallet order.
	SelectedCards(ctx context.Context, userID string) ([]*Card, error)

	// RepresentativeProduct picks the product a committed transaction references.
	RepresentativeProduct(ctx context.Context, categoryID string) (*Product, error)

	SumRewards(ctx context.Context, q AccrualQuery) (decimal.Decimal, error)

	InsertTransaction(ctx context.Context, tx *Transaction, payment *RewardPayment) error
}

// Repository defines the interface for data persistence.
type Repository interface {
	Store

	// Reference data
	SaveBank(ctx context.Context, b *Bank) error
	SaveCard(ctx context.Context, c *Card) error
	SaveMerchant(ctx context.Context, m *Merchant) error
	SaveCategory(ctx context.Context, c *Category) error
	SaveProduct(ctx context.Context, p *Product) error
	SaveRule(ctx context.Context, r *RewardRule) error

	// ImportCatalog upserts every record of c in one unit of work.
	ImportCatalog(ctx context.Context, c *Catalog) error

	ListCards(ctx context.Context) ([]*Card, error)
	ListMerchants(ctx context.Context) ([]*Merchant, error)
	CategoriesForMerchant(ctx context.Context, merchantID string) ([]*Category, error)

	// ReplaceSelectedCards overwrites the user's wallet atomically.
	ReplaceSelectedCards(ctx context.Context, userID string, cardIDs []string) error

	ListTransactions(ctx context.Context, f TransactionFilter) (*TransactionPage, error)
	MonthlySummary(ctx context.Context, userID string, month time.Time) (*MonthlySummary, error)

	// WithTx runs fn in a single serializable unit of work.
	WithTx(ctx context.Context, fn func(ctx context.Context, s Store) error) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// CommitRetries bounds serialization-failure retries on postgres.
	CommitRetries int
}
