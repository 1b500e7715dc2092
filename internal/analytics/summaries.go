package analytics

// Summary is one derived table refreshed from fact_transactions.
type Summary struct {
	Name  string
	Table string

	create  string
	refresh []string
}

// feePayers maps each transaction signature to its first account key, which
// is the fee payer. accountKeys holds plain strings for the json encoding and
// {pubkey: ...} objects for jsonParsed.
const feePayers = `
	SELECT tx_signature, block_time,
		COALESCE(raw_payload->'transaction'->'message'->'accountKeys'->0->>'pubkey',
			raw_payload->'transaction'->'message'->'accountKeys'->0 #>> '{}') AS wallet
	FROM fact_transactions
	WHERE event_type = 'transaction'`

// txFailed is true when meta.err is present and not JSON null.
const txFailed = `COALESCE(jsonb_typeof(raw_payload->'meta'->'err'), 'null') <> 'null'`

var summaries = []Summary{
	{
		Name:  "transaction_volume",
		Table: "analytics_transaction_volume",
		create: `CREATE TABLE IF NOT EXISTS analytics_transaction_volume (
			period_type TEXT PRIMARY KEY,
			transaction_count BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		refresh: []string{
			`DELETE FROM analytics_transaction_volume`,
			`INSERT INTO analytics_transaction_volume (period_type, transaction_count, updated_at)
			SELECT v.period_type, v.transaction_count, now()
			FROM (
				SELECT
					COUNT(*) AS total,
					COUNT(*) FILTER (WHERE (block_time AT TIME ZONE 'UTC')::date = (now() AT TIME ZONE 'UTC')::date) AS today,
					COUNT(*) FILTER (WHERE block_time >= now() - INTERVAL '7 days') AS week,
					COUNT(*) FILTER (WHERE block_time >= now() - INTERVAL '30 days') AS month
				FROM fact_transactions
				WHERE event_type = 'transaction'
			) c
			CROSS JOIN LATERAL (VALUES
				('total', c.total),
				('today', c.today),
				('week', c.week),
				('month', c.month)
			) AS v(period_type, transaction_count)`,
		},
	},
	{
		Name:  "hourly_volume",
		Table: "analytics_hourly_volume",
		create: `CREATE TABLE IF NOT EXISTS analytics_hourly_volume (
			day DATE NOT NULL,
			hour INTEGER NOT NULL,
			transaction_count BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (day, hour)
		)`,
		refresh: []string{
			`DELETE FROM analytics_hourly_volume`,
			`INSERT INTO analytics_hourly_volume (day, hour, transaction_count, updated_at)
			SELECT (block_time AT TIME ZONE 'UTC')::date,
				EXTRACT(HOUR FROM block_time AT TIME ZONE 'UTC')::int,
				COUNT(*),
				now()
			FROM fact_transactions
			WHERE event_type = 'transaction'
				AND block_time >= now() - INTERVAL '24 hours'
			GROUP BY 1, 2`,
		},
	},
	{
		Name:  "active_programs",
		Table: "analytics_active_programs",
		create: `CREATE TABLE IF NOT EXISTS analytics_active_programs (
			program_id TEXT PRIMARY KEY,
			instruction_count BIGINT NOT NULL,
			transaction_count BIGINT NOT NULL,
			unique_wallets BIGINT NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		refresh: []string{
			`DELETE FROM analytics_active_programs`,
			`INSERT INTO analytics_active_programs (
				program_id, instruction_count, transaction_count, unique_wallets, last_seen, updated_at
			)
			SELECT i.program_id,
				COUNT(DISTINCT i.event_id),
				COUNT(DISTINCT i.tx_signature),
				COUNT(DISTINCT p.wallet),
				MAX(i.block_time),
				now()
			FROM fact_transactions i
			LEFT JOIN (` + feePayers + `) p ON p.tx_signature = i.tx_signature
			WHERE i.event_type IN ('program_instruction', 'token_instruction')
				AND i.program_id IS NOT NULL
			GROUP BY i.program_id
			ORDER BY COUNT(DISTINCT i.event_id) DESC
			LIMIT 50`,
		},
	},
	{
		Name:  "token_transfers",
		Table: "analytics_token_transfers",
		create: `CREATE TABLE IF NOT EXISTS analytics_token_transfers (
			total_transfers BIGINT NOT NULL,
			unique_tokens BIGINT NOT NULL,
			unique_owners BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		refresh: []string{
			`DELETE FROM analytics_token_transfers`,
			`INSERT INTO analytics_token_transfers (total_transfers, unique_tokens, unique_owners, updated_at)
			SELECT COUNT(*),
				COUNT(DISTINCT raw_payload->>'mint'),
				COUNT(DISTINCT raw_payload->>'owner'),
				now()
			FROM fact_transactions
			WHERE event_type = 'token_transfer'`,
		},
	},
	{
		Name:  "top_tokens",
		Table: "analytics_top_tokens",
		create: `CREATE TABLE IF NOT EXISTS analytics_top_tokens (
			token_mint TEXT PRIMARY KEY,
			transfer_count BIGINT NOT NULL,
			unique_owners BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		refresh: []string{
			`DELETE FROM analytics_top_tokens`,
			`INSERT INTO analytics_top_tokens (token_mint, transfer_count, unique_owners, updated_at)
			SELECT raw_payload->>'mint',
				COUNT(*),
				COUNT(DISTINCT raw_payload->>'owner'),
				now()
			FROM fact_transactions
			WHERE event_type = 'token_transfer'
				AND raw_payload->>'mint' IS NOT NULL
			GROUP BY 1
			ORDER BY 2 DESC
			LIMIT 20`,
		},
	},
	{
		Name:  "failed_transactions",
		Table: "analytics_failed_transactions",
		create: `CREATE TABLE IF NOT EXISTS analytics_failed_transactions (
			total_transactions BIGINT NOT NULL,
			total_failed BIGINT NOT NULL,
			failure_rate NUMERIC(5,2) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		refresh: []string{
			`DELETE FROM analytics_failed_transactions`,
			`INSERT INTO analytics_failed_transactions (total_transactions, total_failed, failure_rate, updated_at)
			SELECT COUNT(*),
				COUNT(*) FILTER (WHERE failed),
				CASE WHEN COUNT(*) = 0 THEN 0
					ELSE ROUND(100.0 * COUNT(*) FILTER (WHERE failed) / COUNT(*), 2)
				END,
				now()
			FROM (
				SELECT ` + txFailed + ` AS failed
				FROM fact_transactions
				WHERE event_type = 'transaction'
			) t`,
		},
	},
	{
		Name:  "top_errors",
		Table: "analytics_top_errors",
		create: `CREATE TABLE IF NOT EXISTS analytics_top_errors (
			error_type TEXT PRIMARY KEY,
			error_count BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		refresh: []string{
			`DELETE FROM analytics_top_errors`,
			`INSERT INTO analytics_top_errors (error_type, error_count, updated_at)
			SELECT CASE jsonb_typeof(e)
					WHEN 'object' THEN (SELECT k FROM jsonb_object_keys(e) AS k LIMIT 1)
					ELSE e #>> '{}'
				END,
				COUNT(*),
				now()
			FROM (
				SELECT raw_payload->'meta'->'err' AS e
				FROM fact_transactions
				WHERE event_type = 'transaction' AND ` + txFailed + `
			) t
			GROUP BY 1
			ORDER BY 2 DESC
			LIMIT 10`,
		},
	},
	{
		Name:  "wallet_activity",
		Table: "analytics_wallet_activity",
		create: `CREATE TABLE IF NOT EXISTS analytics_wallet_activity (
			total_unique_wallets BIGINT NOT NULL,
			active_today BIGINT NOT NULL,
			active_this_week BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		refresh: []string{
			`DELETE FROM analytics_wallet_activity`,
			`INSERT INTO analytics_wallet_activity (total_unique_wallets, active_today, active_this_week, updated_at)
			SELECT COUNT(DISTINCT p.wallet),
				COUNT(DISTINCT p.wallet) FILTER (WHERE (p.block_time AT TIME ZONE 'UTC')::date = (now() AT TIME ZONE 'UTC')::date),
				COUNT(DISTINCT p.wallet) FILTER (WHERE p.block_time >= now() - INTERVAL '7 days'),
				now()
			FROM (` + feePayers + `) p
			WHERE p.wallet IS NOT NULL`,
		},
	},
	{
		Name:  "top_wallets",
		Table: "analytics_top_wallets",
		create: `CREATE TABLE IF NOT EXISTS analytics_top_wallets (
			wallet TEXT PRIMARY KEY,
			transaction_count BIGINT NOT NULL,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		refresh: []string{
			`DELETE FROM analytics_top_wallets`,
			`INSERT INTO analytics_top_wallets (wallet, transaction_count, first_seen, last_seen, updated_at)
			SELECT p.wallet,
				COUNT(DISTINCT p.tx_signature),
				MIN(p.block_time),
				MAX(p.block_time),
				now()
			FROM (` + feePayers + `) p
			WHERE p.wallet IS NOT NULL
			GROUP BY p.wallet
			ORDER BY 2 DESC, p.wallet
			LIMIT 20`,
		},
	},
	{
		// Daily transaction counts over the last 30 days for the ten programs
		// with the most instructions in that window.
		Name:  "program_trends",
		Table: "analytics_program_trends",
		create: `CREATE TABLE IF NOT EXISTS analytics_program_trends (
			program_id TEXT NOT NULL,
			day DATE NOT NULL,
			transaction_count BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (program_id, day)
		)`,
		refresh: []string{
			`DELETE FROM analytics_program_trends`,
			`INSERT INTO analytics_program_trends (program_id, day, transaction_count, updated_at)
			SELECT i.program_id,
				(i.block_time AT TIME ZONE 'UTC')::date,
				COUNT(DISTINCT i.tx_signature),
				now()
			FROM fact_transactions i
			JOIN (
				SELECT program_id
				FROM fact_transactions
				WHERE event_type IN ('program_instruction', 'token_instruction')
					AND program_id IS NOT NULL
					AND block_time >= now() - INTERVAL '30 days'
				GROUP BY program_id
				ORDER BY COUNT(*) DESC, program_id
				LIMIT 10
			) top ON top.program_id = i.program_id
			WHERE i.event_type IN ('program_instruction', 'token_instruction')
				AND i.block_time >= now() - INTERVAL '30 days'
			GROUP BY 1, 2`,
		},
	},
}

// Summaries lists the summary tables in refresh order.
func Summaries() []Summary {
	out := make([]Summary, len(summaries))
	copy(out, summaries)
	return out
}
