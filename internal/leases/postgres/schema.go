package postgres

// term survives release so a takeover always yields a larger term.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS bonder_leases (
	name        TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	term        BIGINT NOT NULL DEFAULT 1,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at  TIMESTAMPTZ NOT NULL
);
`
