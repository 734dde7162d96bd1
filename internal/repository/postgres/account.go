package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mbertolucci/relay/internal/domain"
)

type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func (r *AccountRepository) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	const query = `
		SELECT id, name, pixel_id, access_token, active, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`

	var account domain.Account
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&account.ID,
		&account.Name,
		&account.PixelID,
		&account.AccessToken,
		&account.Active,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) GetSiteByID(ctx context.Context, id string) (*domain.Site, error) {
	const query = `
		SELECT id, account_id, domain, ingest_token, active, created_at, updated_at
		FROM sites
		WHERE id = $1
	`
	return r.scanSite(r.pool.QueryRow(ctx, query, id))
}

func (r *AccountRepository) GetSiteByToken(ctx context.Context, token string) (*domain.Site, error) {
	const query = `
		SELECT id, account_id, domain, ingest_token, active, created_at, updated_at
		FROM sites
		WHERE ingest_token = $1
	`
	return r.scanSite(r.pool.QueryRow(ctx, query, token))
}

func (r *AccountRepository) scanSite(row pgx.Row) (*domain.Site, error) {
	var site domain.Site
	err := row.Scan(
		&site.ID,
		&site.AccountID,
		&site.Domain,
		&site.IngestToken,
		&site.Active,
		&site.CreatedAt,
		&site.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &site, nil
}
