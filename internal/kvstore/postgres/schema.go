package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS kv_records (
	tbl TEXT NOT NULL,
	k TEXT COLLATE "C" NOT NULL,
	v JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (tbl, k)
);
`
