package store

const postgresSchema = `
CREATE TABLE IF NOT EXISTS visa_transfers (
	id UUID PRIMARY KEY,
	idempotency_key TEXT UNIQUE,
	network_transaction_id TEXT,
	sender_account_ref TEXT NOT NULL,
	recipient_account_ref TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	recipient_name TEXT NOT NULL,
	purpose TEXT NOT NULL DEFAULT '',
	amount NUMERIC(18, 2) NOT NULL,
	currency CHAR(3) NOT NULL,
	status TEXT NOT NULL,
	action_code TEXT,
	approval_code TEXT,
	error_kind TEXT NOT NULL DEFAULT '',
	error_code TEXT,
	failure_reason TEXT,
	retrieval_reference_number TEXT NOT NULL,
	systems_trace_audit_number TEXT NOT NULL,
	transmission_date_time TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_visa_transfers_network_id ON visa_transfers (network_transaction_id);
CREATE INDEX IF NOT EXISTS idx_visa_transfers_rrn ON visa_transfers (retrieval_reference_number);
CREATE INDEX IF NOT EXISTS idx_visa_transfers_status_updated ON visa_transfers (status, updated_at);

CREATE TABLE IF NOT EXISTS visa_refunds (
	id UUID PRIMARY KEY,
	transfer_id UUID NOT NULL REFERENCES visa_transfers (id),
	network_transaction_id TEXT,
	amount NUMERIC(18, 2) NOT NULL,
	currency CHAR(3) NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	action_code TEXT,
	approval_code TEXT,
	error_kind TEXT NOT NULL DEFAULT '',
	error_code TEXT,
	failure_reason TEXT,
	retrieval_reference_number TEXT NOT NULL,
	systems_trace_audit_number TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_visa_refunds_transfer ON visa_refunds (transfer_id);
CREATE INDEX IF NOT EXISTS idx_visa_refunds_network_id ON visa_refunds (network_transaction_id);
CREATE INDEX IF NOT EXISTS idx_visa_refunds_rrn ON visa_refunds (retrieval_reference_number);
`

// SQLite keeps amounts as TEXT and timestamps as RFC 3339 TEXT.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS visa_transfers (
	id TEXT PRIMARY KEY,
	idempotency_key TEXT UNIQUE,
	network_transaction_id TEXT,
	sender_account_ref TEXT NOT NULL,
	recipient_account_ref TEXT NOT NULL,
	sender_name TEXT NOT NULL,
	recipient_name TEXT NOT NULL,
	purpose TEXT NOT NULL DEFAULT '',
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	action_code TEXT,
	approval_code TEXT,
	error_kind TEXT NOT NULL DEFAULT '',
	error_code TEXT,
	failure_reason TEXT,
	retrieval_reference_number TEXT NOT NULL,
	systems_trace_audit_number TEXT NOT NULL,
	transmission_date_time TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_visa_transfers_network_id ON visa_transfers (network_transaction_id);
CREATE INDEX IF NOT EXISTS idx_visa_transfers_rrn ON visa_transfers (retrieval_reference_number);
CREATE INDEX IF NOT EXISTS idx_visa_transfers_status_updated ON visa_transfers (status, updated_at);

CREATE TABLE IF NOT EXISTS visa_refunds (
	id TEXT PRIMARY KEY,
	transfer_id TEXT NOT NULL REFERENCES visa_transfers (id),
	network_transaction_id TEXT,
	amount TEXT NOT NULL,
	currency TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	action_code TEXT,
	approval_code TEXT,
	error_kind TEXT NOT NULL DEFAULT '',
	error_code TEXT,
	failure_reason TEXT,
	retrieval_reference_number TEXT NOT NULL,
	systems_trace_audit_number TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_visa_refunds_transfer ON visa_refunds (transfer_id);
CREATE INDEX IF NOT EXISTS idx_visa_refunds_network_id ON visa_refunds (network_transaction_id);
CREATE INDEX IF NOT EXISTS idx_visa_refunds_rrn ON visa_refunds (retrieval_reference_number);
`
