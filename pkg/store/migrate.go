package store

import "context"

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		agent_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		banned INTEGER NOT NULL DEFAULT 0,
		juror_eligible INTEGER NOT NULL DEFAULT 0,
		notify_url TEXT NOT NULL DEFAULT '',
		stats_public INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agent_capabilities (
		token_hash TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		scope TEXT NOT NULL,
		expires_at TEXT,
		revoked_at TEXT,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_capabilities_agent ON agent_capabilities(agent_id);

	CREATE TABLE IF NOT EXISTS juror_availability (
		agent_id TEXT PRIMARY KEY,
		availability TEXT NOT NULL,
		profile TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cases (
		case_id TEXT PRIMARY KEY,
		public_slug TEXT NOT NULL UNIQUE,
		title TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		session_stage TEXT NOT NULL,
		ruleset_version TEXT NOT NULL,
		prosecution_agent_id TEXT NOT NULL,
		defendant_agent_id TEXT,
		defence_agent_id TEXT,
		defence_state TEXT NOT NULL,
		defence_invite_status TEXT NOT NULL DEFAULT 'none',
		defence_invite_attempts INTEGER NOT NULL DEFAULT 0,
		defence_invite_last_error TEXT NOT NULL DEFAULT '',
		replacement_count_ready INTEGER NOT NULL DEFAULT 0,
		replacement_count_vote INTEGER NOT NULL DEFAULT 0,
		treasury_tx_sig TEXT UNIQUE,
		drand_round INTEGER NOT NULL DEFAULT 0,
		drand_randomness TEXT NOT NULL DEFAULT '',
		pool_snapshot_hash TEXT NOT NULL DEFAULT '',
		selection_proof TEXT,
		outcome TEXT NOT NULL DEFAULT '',
		verdict_hash TEXT NOT NULL DEFAULT '',
		verdict_bundle TEXT,
		seal_status TEXT NOT NULL DEFAULT 'none',
		seal_asset_id TEXT NOT NULL DEFAULT '',
		seal_tx_sig TEXT NOT NULL DEFAULT '',
		seal_uri TEXT NOT NULL DEFAULT '',
		metadata_uri TEXT NOT NULL DEFAULT '',
		sealed_at TEXT,
		last_event_seq_no INTEGER NOT NULL DEFAULT 0,
		filed_at TEXT,
		closed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);

	CREATE TABLE IF NOT EXISTS case_runtime (
		case_id TEXT PRIMARY KEY,
		current_stage TEXT NOT NULL,
		stage_started_at TEXT NOT NULL,
		stage_deadline_at TEXT,
		scheduled_session_start_at TEXT,
		defence_cutoff_at TEXT,
		named_exclusive_until TEXT,
		voting_hard_deadline_at TEXT,
		void_reason TEXT NOT NULL DEFAULT '',
		voided_at TEXT
	);

	CREATE TABLE IF NOT EXISTS claims (
		claim_id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		claim_index INTEGER NOT NULL,
		summary TEXT NOT NULL,
		requested_remedy TEXT NOT NULL,
		alleged_principles TEXT NOT NULL,
		claim_outcome TEXT NOT NULL DEFAULT 'undecided',
		created_at TEXT NOT NULL,
		UNIQUE(case_id, claim_index)
	);

	CREATE TABLE IF NOT EXISTS submissions (
		submission_id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		side TEXT NOT NULL,
		phase TEXT NOT NULL,
		text TEXT NOT NULL,
		principle_citations TEXT NOT NULL DEFAULT '[]',
		claim_principle_citations TEXT NOT NULL DEFAULT '{}',
		evidence_citations TEXT NOT NULL DEFAULT '[]',
		content_hash TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(case_id, side, phase)
	);

	CREATE TABLE IF NOT EXISTS evidence_items (
		evidence_id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		submitted_by TEXT NOT NULL,
		kind TEXT NOT NULL,
		body_text TEXT NOT NULL,
		refs TEXT NOT NULL DEFAULT '[]',
		attachment_urls TEXT NOT NULL DEFAULT '[]',
		body_hash TEXT NOT NULL,
		evidence_types TEXT NOT NULL DEFAULT '[]',
		evidence_strength INTEGER,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_case ON evidence_items(case_id);

	CREATE TABLE IF NOT EXISTS jury_panel_members (
		case_id TEXT NOT NULL,
		juror_id TEXT NOT NULL,
		score_hash TEXT NOT NULL,
		member_status TEXT NOT NULL,
		ready_deadline_at TEXT,
		voting_deadline_at TEXT,
		replacement_of_juror_id TEXT NOT NULL DEFAULT '',
		replaced_by_juror_id TEXT NOT NULL DEFAULT '',
		selection_run_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY(case_id, juror_id)
	);

	CREATE TABLE IF NOT EXISTS ballots (
		ballot_id TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		juror_id TEXT NOT NULL,
		votes TEXT NOT NULL,
		reasoning_summary TEXT NOT NULL DEFAULT '',
		vote TEXT NOT NULL DEFAULT '',
		principles_relied_on TEXT NOT NULL DEFAULT '[]',
		confidence INTEGER,
		ballot_hash TEXT NOT NULL,
		signature TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(case_id, juror_id)
	);

	CREATE TABLE IF NOT EXISTS transcript_events (
		case_id TEXT NOT NULL,
		seq_no INTEGER NOT NULL,
		actor_role TEXT NOT NULL,
		actor_agent_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		stage TEXT NOT NULL,
		message TEXT NOT NULL,
		artefact_ref TEXT NOT NULL DEFAULT '',
		payload TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY(case_id, seq_no)
	);

	CREATE TABLE IF NOT EXISTS seal_jobs (
		job_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		ref_id TEXT NOT NULL,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		payload_hash TEXT NOT NULL,
		request_json TEXT NOT NULL,
		response_json TEXT,
		claimed_at TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(kind, ref_id)
	);
	CREATE INDEX IF NOT EXISTS idx_seal_jobs_status ON seal_jobs(status);

	CREATE TABLE IF NOT EXISTS used_treasury_tx (
		tx_sig TEXT PRIMARY KEY,
		case_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		amount_lamports INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS idempotency_records (
		agent_id TEXT NOT NULL,
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		request_hash TEXT NOT NULL,
		response_status INTEGER NOT NULL DEFAULT 0,
		response_json TEXT,
		status TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY(agent_id, method, path, idempotency_key)
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at);

	CREATE TABLE IF NOT EXISTS agent_action_log (
		agent_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		case_id TEXT NOT NULL DEFAULT '',
		signature TEXT NOT NULL,
		timestamp_sec INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(agent_id, signature, timestamp_sec)
	);
	CREATE INDEX IF NOT EXISTS idx_action_log_window ON agent_action_log(agent_id, action_type, created_at);
	CREATE INDEX IF NOT EXISTS idx_action_log_type ON agent_action_log(action_type, created_at);

	CREATE TABLE IF NOT EXISTS agreements (
		proposal_id TEXT PRIMARY KEY,
		agreement_code TEXT NOT NULL UNIQUE,
		mode TEXT NOT NULL,
		party_a_agent_id TEXT NOT NULL,
		party_b_agent_id TEXT NOT NULL,
		terms_hash TEXT NOT NULL,
		canonical_terms TEXT NOT NULL,
		sig_a TEXT NOT NULL,
		sig_b TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		accepted_at TEXT,
		sealed_at TEXT,
		receipt_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_agreements_status ON agreements(status, expires_at);

	CREATE TABLE IF NOT EXISTS agent_case_activity (
		agent_id TEXT NOT NULL,
		case_id TEXT NOT NULL,
		role TEXT NOT NULL,
		won INTEGER NOT NULL DEFAULT 0,
		voided INTEGER NOT NULL DEFAULT 0,
		resolved_at TEXT NOT NULL,
		PRIMARY KEY(agent_id, case_id)
	);

	CREATE TABLE IF NOT EXISTS agent_stats_cache (
		agent_id TEXT PRIMARY KEY,
		cases_prosecuted INTEGER NOT NULL DEFAULT 0,
		cases_defended INTEGER NOT NULL DEFAULT 0,
		cases_won INTEGER NOT NULL DEFAULT 0,
		cases_lost INTEGER NOT NULL DEFAULT 0,
		cases_voided INTEGER NOT NULL DEFAULT 0,
		juror_services INTEGER NOT NULL DEFAULT 0,
		ballots_cast INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}
