package repository

// Schema definitions for the Cardwise database.
// Compatible with both SQLite and PostgreSQL.

const schemaCatalog = `
CREATE TABLE IF NOT EXISTS banks (
    bank_id TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS cards (
    card_id TEXT PRIMARY KEY,
    bank_id TEXT NOT NULL REFERENCES banks(bank_id),
    card_name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS merchants (
    merchant_id TEXT PRIMARY KEY,
    name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS categories (
    category_id TEXT PRIMARY KEY,
    merchant_id TEXT NOT NULL REFERENCES merchants(merchant_id),
    name TEXT NOT NULL,
    mcc_type TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS products (
    product_id TEXT PRIMARY KEY,
    category_id TEXT NOT NULL REFERENCES categories(category_id),
    name TEXT NOT NULL,
    price NUMERIC NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cards_bank ON cards(bank_id);
CREATE INDEX IF NOT EXISTS idx_categories_merchant ON categories(merchant_id);
CREATE INDEX IF NOT EXISTS idx_products_category ON products(category_id);
`

// schemaRewardRules stores per-card rules. Money columns are NUMERIC and
// nullable where the rule leaves them unset.
const schemaRewardRules = `
CREATE TABLE IF NOT EXISTS reward_rules (
    rule_id TEXT PRIMARY KEY,
    card_id TEXT NOT NULL REFERENCES cards(card_id),
    percentage NUMERIC,
    fixed_amount NUMERIC,
    reward_unit TEXT NOT NULL,
    target_category_id TEXT,
    target_merchant_id TEXT,
    target_mcc_type TEXT,
    is_exclusion INTEGER NOT NULL DEFAULT 0,
    min_spend_threshold NUMERIC NOT NULL DEFAULT 0,
    max_reward_cap NUMERIC,
    cap_period TEXT NOT NULL DEFAULT 'none',
    valuation_rate NUMERIC NOT NULL DEFAULT 1,
    start_date DATE,
    end_date DATE,
    condition_expr TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_reward_rules_card ON reward_rules(card_id, rule_id);
`

const schemaUserCards = `
CREATE TABLE IF NOT EXISTS user_cards (
    user_id TEXT NOT NULL,
    position INTEGER NOT NULL,
    card_id TEXT NOT NULL REFERENCES cards(card_id),
    PRIMARY KEY (user_id, position),
    UNIQUE (user_id, card_id)
);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    transaction_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    product_id TEXT NOT NULL REFERENCES products(product_id),
    merchant_id TEXT NOT NULL,
    category_id TEXT NOT NULL,
    amount NUMERIC NOT NULL,
    transaction_date DATE NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS reward_payments (
    transaction_id TEXT PRIMARY KEY REFERENCES transactions(transaction_id),
    card_id TEXT NOT NULL REFERENCES cards(card_id),
    reward_unit TEXT NOT NULL,
    reward_amount NUMERIC NOT NULL,
    applied_rule_id TEXT,
    amount NUMERIC NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, transaction_date);
CREATE INDEX IF NOT EXISTS idx_reward_payments_card ON reward_payments(card_id, reward_unit);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaCatalog,
		schemaRewardRules,
		schemaUserCards,
		schemaTransactions,
	}
}
