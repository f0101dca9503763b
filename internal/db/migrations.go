package db

var sqliteMigrations = []string{
	sqliteUsers,
	sqlitePosts,
	sqliteSalesRules,
	sqliteCouponCodes,
	sqliteUserSalesRules,
	sqlitePostQueue,
	sqliteSalesRuleQueue,
	sqliteConfiguration,
}

const sqliteUsers = `
CREATE TABLE IF NOT EXISTS users (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    chat_id TEXT UNIQUE NOT NULL,
    user_name TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    is_blocked BOOLEAN NOT NULL DEFAULT 0,
    attention_needed BOOLEAN NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_users_attention ON users(attention_needed, updated_at);
`

const sqlitePosts = `
CREATE TABLE IF NOT EXISTS posts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    image TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    link_to_button TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);
`

const sqliteSalesRules = `
CREATE TABLE IF NOT EXISTS sales_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    image TEXT NOT NULL DEFAULT '',
    max_uses INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL
);
`

const sqliteCouponCodes = `
CREATE TABLE IF NOT EXISTS coupon_codes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    code TEXT UNIQUE NOT NULL,
    sales_rule_id INTEGER NOT NULL REFERENCES sales_rules(id) ON DELETE CASCADE,
    chat_id TEXT NOT NULL,
    max_uses INTEGER NOT NULL,
    uses_count INTEGER NOT NULL DEFAULT 0,
    used_at TIMESTAMP,
    is_sent BOOLEAN NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    CHECK (uses_count <= max_uses)
);
CREATE INDEX IF NOT EXISTS idx_coupon_codes_rule ON coupon_codes(sales_rule_id);
CREATE INDEX IF NOT EXISTS idx_coupon_codes_chat ON coupon_codes(chat_id);
`

const sqliteUserSalesRules = `
CREATE TABLE IF NOT EXISTS user_sales_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    sales_rule_id INTEGER NOT NULL REFERENCES sales_rules(id) ON DELETE CASCADE,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(user_id, sales_rule_id)
);
`

const sqlitePostQueue = `
CREATE TABLE IF NOT EXISTS post_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    post_id INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(user_id, post_id)
);
CREATE INDEX IF NOT EXISTS idx_post_queue_created ON post_queue(created_at, id);
`

const sqliteSalesRuleQueue = `
CREATE TABLE IF NOT EXISTS sales_rule_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    sales_rule_id INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE(user_id, sales_rule_id)
);
CREATE INDEX IF NOT EXISTS idx_sales_rule_queue_created ON sales_rule_queue(created_at, id);
`

const sqliteConfiguration = `
CREATE TABLE IF NOT EXISTS configuration (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMP NOT NULL
);
`

var postgresMigrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
    id BIGSERIAL PRIMARY KEY,
    chat_id TEXT UNIQUE NOT NULL,
    user_name TEXT NOT NULL DEFAULT '',
    first_name TEXT NOT NULL DEFAULT '',
    last_name TEXT NOT NULL DEFAULT '',
    is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
    attention_needed BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_users_attention ON users(attention_needed, updated_at)`,
	`CREATE TABLE IF NOT EXISTS posts (
    id BIGSERIAL PRIMARY KEY,
    image TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    link_to_button TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS sales_rules (
    id BIGSERIAL PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    image TEXT NOT NULL DEFAULT '',
    max_uses INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS coupon_codes (
    id BIGSERIAL PRIMARY KEY,
    code TEXT UNIQUE NOT NULL,
    sales_rule_id BIGINT NOT NULL REFERENCES sales_rules(id) ON DELETE CASCADE,
    chat_id TEXT NOT NULL,
    max_uses INTEGER NOT NULL,
    uses_count INTEGER NOT NULL DEFAULT 0,
    used_at TIMESTAMPTZ,
    is_sent BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    CHECK (uses_count <= max_uses)
)`,
	`CREATE INDEX IF NOT EXISTS idx_coupon_codes_rule ON coupon_codes(sales_rule_id)`,
	`CREATE INDEX IF NOT EXISTS idx_coupon_codes_chat ON coupon_codes(chat_id)`,
	`CREATE TABLE IF NOT EXISTS user_sales_rules (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    sales_rule_id BIGINT NOT NULL REFERENCES sales_rules(id) ON DELETE CASCADE,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE(user_id, sales_rule_id)
)`,
	`CREATE TABLE IF NOT EXISTS post_queue (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    post_id BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE(user_id, post_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_post_queue_created ON post_queue(created_at, id)`,
	`CREATE TABLE IF NOT EXISTS sales_rule_queue (
    id BIGSERIAL PRIMARY KEY,
    user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    sales_rule_id BIGINT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE(user_id, sales_rule_id)
)`,
	`CREATE INDEX IF NOT EXISTS idx_sales_rule_queue_created ON sales_rule_queue(created_at, id)`,
	`CREATE TABLE IF NOT EXISTS configuration (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL
)`,
}
