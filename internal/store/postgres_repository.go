/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It persists campaigns, live contribution balances, reporters and the
 * append-only escrow journal.
 *
 * @notes
 * - Amounts are stored as NUMERIC(20,0) so the full unsigned 64-bit range
 *   round-trips. They travel as decimal strings in both directions.
 * - Every journal entry is written in one transaction together with the rows it
 *   changes, so a crash never leaves the tables and the journal out of step.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/crowdfund-service/internal/domain"
)

var (
	ErrEmptyOperation   = errors.New("journal entry has no operation")
	ErrCampaignIDRange  = errors.New("campaign id exceeds storable range")
	ErrInvalidAmountRow = errors.New("stored amount is not a valid unsigned integer")
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS campaigns (
	id               BIGINT PRIMARY KEY,
	owner            TEXT NOT NULL,
	title            TEXT NOT NULL,
	description      TEXT NOT NULL,
	media_ref        TEXT NOT NULL DEFAULT '',
	project_link     TEXT NOT NULL DEFAULT '',
	goal             NUMERIC(20,0) NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	deadline         TIMESTAMPTZ NOT NULL,
	total_raised     NUMERIC(20,0) NOT NULL DEFAULT 0,
	withdrawn        BOOLEAN NOT NULL DEFAULT FALSE,
	approved         BOOLEAN NOT NULL DEFAULT FALSE,
	held             BOOLEAN NOT NULL DEFAULT FALSE,
	report_count     BIGINT NOT NULL DEFAULT 0,
	amount_withdrawn NUMERIC(20,0) NOT NULL DEFAULT 0,
	amount_refunded  NUMERIC(20,0) NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS campaign_contributions (
	campaign_id BIGINT NOT NULL REFERENCES campaigns(id),
	contributor TEXT NOT NULL,
	amount      NUMERIC(20,0) NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (campaign_id, contributor)
);

CREATE TABLE IF NOT EXISTS campaign_reports (
	campaign_id BIGINT NOT NULL REFERENCES campaigns(id),
	reporter    TEXT NOT NULL,
	reported_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (campaign_id, reporter)
);

CREATE TABLE IF NOT EXISTS escrow_journal (
	id          UUID PRIMARY KEY,
	operation   TEXT NOT NULL,
	campaign_id BIGINT NOT NULL,
	caller      TEXT NOT NULL,
	amount      NUMERIC(20,0) NOT NULL DEFAULT 0,
	transfer_id UUID,
	payload     JSONB NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_escrow_journal_campaign ON escrow_journal (campaign_id, recorded_at);
`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// EnsureSchema creates the escrow tables when they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure escrow schema: %w", err)
	}
	return nil
}

// Record writes the changed campaign row, the moved balance or new reporter,
// and the journal row in a single transaction.
func (r *PostgresRepository) Record(ctx context.Context, entry domain.JournalEntry) error {
	if entry.Operation == "" {
		return ErrEmptyOperation
	}
	campaignID, err := storableID(entry.Campaign.ID)
	if err != nil {
		return err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := upsertCampaign(ctx, tx, entry.Campaign); err != nil {
		return err
	}

	if c := entry.Contribution; c != nil {
		if c.Amount == 0 {
			_, err = tx.Exec(ctx,
				`DELETE FROM campaign_contributions WHERE campaign_id = $1 AND contributor = $2`,
				campaignID, string(c.Contributor))
		} else {
			_, err = tx.Exec(ctx, `
				INSERT INTO campaign_contributions (campaign_id, contributor, amount, updated_at)
				VALUES ($1, $2, $3::numeric, $4)
				ON CONFLICT (campaign_id, contributor)
				DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at`,
				campaignID, string(c.Contributor), c.Amount.String(), entry.RecordedAt)
		}
		if err != nil {
			return fmt.Errorf("persist contribution: %w", err)
		}
	}

	if rep := entry.Report; rep != nil {
		if isRevert(entry.Operation) {
			_, err = tx.Exec(ctx,
				`DELETE FROM campaign_reports WHERE campaign_id = $1 AND reporter = $2`,
				campaignID, string(rep.Reporter))
		} else {
			_, err = tx.Exec(ctx, `
				INSERT INTO campaign_reports (campaign_id, reporter, reported_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (campaign_id, reporter) DO NOTHING`,
				campaignID, string(rep.Reporter), entry.RecordedAt)
		}
		if err != nil {
			return fmt.Errorf("persist report: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO escrow_journal (id, operation, campaign_id, caller, amount, transfer_id, payload, recorded_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8)`,
		entry.ID, entry.Operation, campaignID, string(entry.Caller), entry.Amount.String(), entry.TransferID, payload, entry.RecordedAt)
	if err != nil {
		return fmt.Errorf("append journal: %w", err)
	}

	return tx.Commit(ctx)
}

func upsertCampaign(ctx context.Context, tx pgx.Tx, c domain.Campaign) error {
	id, err := storableID(c.ID)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO campaigns (
			id, owner, title, description, media_ref, project_link, goal, created_at, deadline,
			total_raised, withdrawn, approved, held, report_count, amount_withdrawn, amount_refunded, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::numeric, $8, $9, $10::numeric, $11, $12, $13, $14, $15::numeric, $16::numeric, NOW())
		ON CONFLICT (id) DO UPDATE SET
			total_raised = EXCLUDED.total_raised,
			withdrawn = EXCLUDED.withdrawn,
			approved = EXCLUDED.approved,
			held = EXCLUDED.held,
			report_count = EXCLUDED.report_count,
			amount_withdrawn = EXCLUDED.amount_withdrawn,
			amount_refunded = EXCLUDED.amount_refunded,
			updated_at = NOW()`,
		id, string(c.Owner), c.Title, c.Description, c.MediaRef, c.ProjectLink, c.Goal.String(),
		c.CreatedAt, c.Deadline, c.TotalRaised.String(), c.Withdrawn, c.Approved, c.Held,
		int64(c.ReportCount), c.AmountWithdrawn.String(), c.AmountRefunded.String())
	if err != nil {
		return fmt.Errorf("persist campaign %s: %w", c.ID, err)
	}
	return nil
}

// LoadState reads the full persisted escrow state. A database without the
// escrow tables yields an empty snapshot.
func (r *PostgresRepository) LoadState(ctx context.Context) (*domain.Snapshot, error) {
	snapshot := &domain.Snapshot{}

	rows, err := r.db.Query(ctx, `
		SELECT id, owner, title, description, media_ref, project_link, goal::text, created_at, deadline,
			total_raised::text, withdrawn, approved, held, report_count, amount_withdrawn::text, amount_refunded::text
		FROM campaigns
		ORDER BY id`)
	if err != nil {
		if isUndefinedTableError(err) {
			return snapshot, nil
		}
		return nil, err
	}
	for rows.Next() {
		var (
			c                                       domain.Campaign
			id, reportCount                         int64
			owner                                   string
			goal, raised, amountWithdrawn, refunded string
		)
		if err := rows.Scan(&id, &owner, &c.Title, &c.Description, &c.MediaRef, &c.ProjectLink, &goal,
			&c.CreatedAt, &c.Deadline, &raised, &c.Withdrawn, &c.Approved, &c.Held, &reportCount,
			&amountWithdrawn, &refunded); err != nil {
			rows.Close()
			return nil, err
		}
		c.ID = domain.CampaignID(id)
		c.Owner = domain.Identity(owner)
		c.ReportCount = uint64(reportCount)
		c.Exists = true
		for _, col := range []struct {
			dst *domain.Amount
			raw string
		}{
			{&c.Goal, goal},
			{&c.TotalRaised, raised},
			{&c.AmountWithdrawn, amountWithdrawn},
			{&c.AmountRefunded, refunded},
		} {
			if *col.dst, err = parseStoredAmount(col.raw); err != nil {
				rows.Close()
				return nil, fmt.Errorf("campaign %d: %w", id, err)
			}
		}
		c.CreatedAt = c.CreatedAt.UTC()
		c.Deadline = c.Deadline.UTC()
		snapshot.Campaigns = append(snapshot.Campaigns, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.Query(ctx, `
		SELECT campaign_id, contributor, amount::text
		FROM campaign_contributions
		ORDER BY campaign_id, contributor`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var (
			id          int64
			contributor string
			value       string
		)
		if err := rows.Scan(&id, &contributor, &value); err != nil {
			rows.Close()
			return nil, err
		}
		amount, err := parseStoredAmount(value)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("contribution %d/%s: %w", id, contributor, err)
		}
		snapshot.Contributions = append(snapshot.Contributions, domain.Contribution{
			CampaignID:  domain.CampaignID(id),
			Contributor: domain.Identity(contributor),
			Amount:      amount,
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.Query(ctx, `SELECT campaign_id, reporter FROM campaign_reports ORDER BY campaign_id, reported_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id       int64
			reporter string
		)
		if err := rows.Scan(&id, &reporter); err != nil {
			return nil, err
		}
		snapshot.Reports = append(snapshot.Reports, domain.Report{
			CampaignID: domain.CampaignID(id),
			Reporter:   domain.Identity(reporter),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return snapshot, nil
}

const campaignJournalSQL = `
	SELECT id::text, operation, caller, amount::text, transfer_id::text, recorded_at
	FROM escrow_journal
	WHERE campaign_id = $1
	ORDER BY recorded_at DESC, id DESC
	LIMIT $2`

// journalPageSize falls back to 100 rows outside 1..500.
func journalPageSize(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}

// JournalForCampaign returns up to limit journal rows for a campaign, newest first.
func (r *PostgresRepository) JournalForCampaign(ctx context.Context, id domain.CampaignID, limit int) ([]JournalRecord, error) {
	campaignID, err := storableID(id)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, campaignJournalSQL, campaignID, journalPageSize(limit))
	if err != nil {
		if isUndefinedTableError(err) {
			return []JournalRecord{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	records := []JournalRecord{}
	for rows.Next() {
		var (
			rec    JournalRecord
			caller string
			value  string
		)
		if err := rows.Scan(&rec.ID, &rec.Operation, &caller, &value, &rec.TransferID, &rec.RecordedAt); err != nil {
			return nil, err
		}
		if rec.Amount, err = parseStoredAmount(value); err != nil {
			return nil, err
		}
		rec.CampaignID = id
		rec.Caller = domain.Identity(caller)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func storableID(id domain.CampaignID) (int64, error) {
	if uint64(id) > math.MaxInt64 {
		return 0, ErrCampaignIDRange
	}
	return int64(id), nil
}

func parseStoredAmount(raw string) (domain.Amount, error) {
	amount, err := domain.ParseAmount(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmountRow, raw)
	}
	return amount, nil
}

func isRevert(operation string) bool {
	n := len(domain.OpRevertSuffix)
	return len(operation) > n && operation[len(operation)-n:] == domain.OpRevertSuffix
}

func isUndefinedTableError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
