package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
// Timestamps are stored as fixed-width UTC text (see timeLayout) so that
// string order is time order.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create leads, conversations and messages",
		SQL: `
			CREATE TABLE leads (
				id          TEXT PRIMARY KEY,
				org_id      TEXT NOT NULL,
				name        TEXT NOT NULL DEFAULT '',
				company     TEXT NOT NULL DEFAULT '',
				phone       TEXT NOT NULL DEFAULT '',
				email       TEXT NOT NULL DEFAULT '',
				sentiment   TEXT NOT NULL DEFAULT '',
				stage_tag   TEXT NOT NULL DEFAULT '',
				created_at  TEXT NOT NULL
			);

			CREATE INDEX idx_leads_org ON leads (org_id);

			CREATE TABLE conversations (
				id                   TEXT PRIMARY KEY,
				org_id               TEXT NOT NULL,
				lead_id              TEXT NOT NULL REFERENCES leads(id),
				channel              TEXT NOT NULL,
				status               TEXT NOT NULL DEFAULT 'active',
				assigned_agent_id    TEXT NOT NULL DEFAULT '',
				automation_active    INTEGER NOT NULL DEFAULT 0,
				last_message_preview TEXT NOT NULL DEFAULT '',
				last_message_at      TEXT,
				unread_count         INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
				created_at           TEXT NOT NULL
			);

			CREATE INDEX idx_conversations_org ON conversations (org_id, status, last_message_at);
			CREATE UNIQUE INDEX idx_conversations_active_lead
				ON conversations (org_id, lead_id) WHERE status = 'active';

			CREATE TABLE messages (
				id               TEXT PRIMARY KEY,
				conversation_id  TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
				lead_id          TEXT NOT NULL DEFAULT '',
				body             TEXT NOT NULL DEFAULT '',
				direction        TEXT NOT NULL,
				sender           TEXT NOT NULL,
				sender_name      TEXT NOT NULL DEFAULT '',
				kind             TEXT NOT NULL DEFAULT 'text',
				media_url        TEXT NOT NULL DEFAULT '',
				media_mime       TEXT NOT NULL DEFAULT '',
				sentiment        TEXT NOT NULL DEFAULT '',
				external_id      TEXT NOT NULL DEFAULT '',
				created_at       TEXT NOT NULL
			);

			CREATE INDEX idx_messages_conversation ON messages (conversation_id, created_at, id);
			CREATE UNIQUE INDEX idx_messages_external
				ON messages (conversation_id, external_id) WHERE external_id <> '';
		`,
	},
	{
		Version: 2,
		Name:    "add message sequence",
		SQL: `
			ALTER TABLE conversations ADD COLUMN message_seq INTEGER NOT NULL DEFAULT 0;
			ALTER TABLE messages ADD COLUMN seq INTEGER NOT NULL DEFAULT 0;
		`,
	},
}
