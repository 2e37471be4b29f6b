// Package repository содержит локальный кэш кампаний в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/manishjadhav9/fundchain/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже существующим логином.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrCampaignNotFound возвращается, если кампания отсутствует в кэше.
	ErrCampaignNotFound = errors.New("campaign not found in cache")
	// ErrMilestoneNotFound возвращается для индекса этапа вне диапазона.
	ErrMilestoneNotFound = errors.New("milestone not found")
	// ErrInsufficientFunds возвращается при попытке вывести больше, чем собрано за вычетом выведенного.
	ErrInsufficientFunds = errors.New("insufficient escrow funds")
)

// CachedCampaign — запись локального кэша: кампания вместе с флагами сверки.
type CachedCampaign struct {
	Campaign model.Campaign
	// Confirmed — кампания известна леджеру под своим идентификатором.
	Confirmed bool
	// StatusPending — переход статуса принят локально, но не отправлен в леджер.
	StatusPending bool
	// PendingSync — есть хоть одно локальное изменение, ожидающее отправки.
	PendingSync bool
}

// PendingDonation — пожертвование, принятое локально и ещё не подтверждённое леджером.
type PendingDonation struct {
	AmountUnits    int64
	IdempotencyKey string
}

// PostgresRepository предоставляет доступ к локальному кэшу в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Повторяем только конфликты сериализации и дедлоки.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, login string, passwordHash []byte, isAdmin bool) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (login, password_hash, is_admin) VALUES ($1, $2, $3) RETURNING id`,
		login, passwordHash, isAdmin,
	).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return 0, fmt.Errorf("%w: %s", ErrUserExists, login)
		}
		return 0, fmt.Errorf("create user: %w", err)
	}
	return id, nil
}

// GetUserByLogin возвращает пользователя по логину.
func (r *PostgresRepository) GetUserByLogin(ctx context.Context, login string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, login, password_hash, is_admin, created_at FROM users WHERE login = $1`,
		login,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Login, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// SaveCampaign сохраняет кампанию вместе с этапами. Запись фиксируется одной транзакцией,
// поэтому отменённый вызов не оставляет частично записанного значения.
func (r *PostgresRepository) SaveCampaign(ctx context.Context, cc *CachedCampaign) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		c := &cc.Campaign
		_, err = tx.Exec(ctx,
			`INSERT INTO campaigns
			   (id, title, description, campaign_type, target_units, raised_units, donor_count,
			    status, owner_login, image_ref, document_refs, confirmed, status_pending, pending_sync,
			    created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
			 ON CONFLICT (id) DO UPDATE SET
			   title = EXCLUDED.title,
			   description = EXCLUDED.description,
			   campaign_type = EXCLUDED.campaign_type,
			   target_units = EXCLUDED.target_units,
			   raised_units = EXCLUDED.raised_units,
			   donor_count = EXCLUDED.donor_count,
			   status = EXCLUDED.status,
			   owner_login = EXCLUDED.owner_login,
			   image_ref = EXCLUDED.image_ref,
			   document_refs = EXCLUDED.document_refs,
			   confirmed = EXCLUDED.confirmed,
			   status_pending = EXCLUDED.status_pending,
			   pending_sync = EXCLUDED.pending_sync,
			   updated_at = EXCLUDED.updated_at`,
			c.ID, c.Title, c.Description, string(c.CampaignType), c.TargetUnits, c.RaisedUnits,
			c.DonorCount, string(c.Status), c.Owner, c.ImageRef, c.DocumentRefs,
			cc.Confirmed, cc.StatusPending, cc.PendingSync, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert campaign: %w", err)
		}

		for _, m := range c.Milestones {
			_, err = tx.Exec(ctx,
				`INSERT INTO milestones (campaign_id, idx, title, description, amount_units, is_completed)
				 VALUES ($1, $2, $3, $4, $5, $6)
				 ON CONFLICT (campaign_id, idx) DO UPDATE SET
				   title = EXCLUDED.title,
				   description = EXCLUDED.description,
				   amount_units = EXCLUDED.amount_units,
				   is_completed = milestones.is_completed OR EXCLUDED.is_completed`,
				c.ID, m.Index, m.Title, m.Description, m.AmountUnits, m.IsCompleted,
			)
			if err != nil {
				return fmt.Errorf("upsert milestone %d: %w", m.Index, err)
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetCampaign возвращает кампанию из кэша вместе с этапами.
func (r *PostgresRepository) GetCampaign(ctx context.Context, id string) (*CachedCampaign, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, title, description, campaign_type, target_units, raised_units, donor_count,
		        status, owner_login, image_ref, document_refs, confirmed, status_pending, pending_sync,
		        created_at, updated_at
		 FROM campaigns WHERE id = $1`,
		id,
	)

	cc, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCampaignNotFound
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	if err := r.loadMilestones(ctx, cc); err != nil {
		return nil, err
	}

	return cc, nil
}

func scanCampaign(row pgx.Row) (*CachedCampaign, error) {
	var (
		cc           CachedCampaign
		campaignType string
		status       string
	)
	err := row.Scan(
		&cc.Campaign.ID, &cc.Campaign.Title, &cc.Campaign.Description, &campaignType,
		&cc.Campaign.TargetUnits, &cc.Campaign.RaisedUnits, &cc.Campaign.DonorCount,
		&status, &cc.Campaign.Owner, &cc.Campaign.ImageRef, &cc.Campaign.DocumentRefs,
		&cc.Confirmed, &cc.StatusPending, &cc.PendingSync,
		&cc.Campaign.CreatedAt, &cc.Campaign.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	cc.Campaign.CampaignType = model.CampaignType(campaignType)
	cc.Campaign.Status = model.CampaignStatus(status)
	return &cc, nil
}

func (r *PostgresRepository) loadMilestones(ctx context.Context, cc *CachedCampaign) error {
	rows, err := r.pool.Query(ctx,
		`SELECT idx, title, description, amount_units, is_completed
		 FROM milestones WHERE campaign_id = $1 ORDER BY idx`,
		cc.Campaign.ID,
	)
	if err != nil {
		return fmt.Errorf("select milestones: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m model.Milestone
		if err := rows.Scan(&m.Index, &m.Title, &m.Description, &m.AmountUnits, &m.IsCompleted); err != nil {
			return fmt.Errorf("scan milestone: %w", err)
		}
		cc.Campaign.Milestones = append(cc.Campaign.Milestones, m)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}

// ListCampaigns возвращает кампании из кэша, опционально отфильтрованные по статусу.
func (r *PostgresRepository) ListCampaigns(ctx context.Context, status *model.CampaignStatus) ([]CachedCampaign, error) {
	query := `SELECT id, title, description, campaign_type, target_units, raised_units, donor_count,
	                 status, owner_login, image_ref, document_refs, confirmed, status_pending, pending_sync,
	                 created_at, updated_at
	          FROM campaigns`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select campaigns: %w", err)
	}
	defer rows.Close()

	var res []CachedCampaign
	for rows.Next() {
		cc, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		res = append(res, *cc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range res {
		if err := r.loadMilestones(ctx, &res[i]); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// DeleteCampaign удаляет кампанию и все связанные записи.
func (r *PostgresRepository) DeleteCampaign(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	return nil
}

// ApplyDonation атомарно применяет пожертвование под блокировкой строки кампании.
// Повтор с тем же ключом идемпотентности не изменяет счётчики и возвращает false.
func (r *PostgresRepository) ApplyDonation(ctx context.Context, id string, amountUnits int64, idempotencyKey string, confirmed bool) (bool, error) {
	var applied bool
	err := r.withRetry(ctx, func() error {
		applied = false

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокируем строку кампании: параллельные пожертвования применяются строго по очереди.
		var dummy int
		err = tx.QueryRow(ctx, `SELECT 1 FROM campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCampaignNotFound
			}
			return fmt.Errorf("lock campaign: %w", err)
		}

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO donations (campaign_id, amount_units, idempotency_key, confirmed)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (idempotency_key) DO NOTHING`,
			id, amountUnits, idempotencyKey, confirmed,
		)
		if err != nil {
			return fmt.Errorf("insert donation: %w", err)
		}

		if cmdTag.RowsAffected() == 0 {
			return tx.Commit(ctx)
		}

		_, err = tx.Exec(ctx,
			`UPDATE campaigns
			 SET raised_units = raised_units + $2,
			     donor_count = donor_count + 1,
			     pending_sync = pending_sync OR NOT $3,
			     updated_at = now()
			 WHERE id = $1`,
			id, amountUnits, confirmed,
		)
		if err != nil {
			return fmt.Errorf("update campaign totals: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// CompleteMilestone помечает этап завершённым. Повторное завершение — no-op.
func (r *PostgresRepository) CompleteMilestone(ctx context.Context, id string, idx int) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE milestones SET is_completed = TRUE WHERE campaign_id = $1 AND idx = $2`,
		id, idx,
	)
	if err != nil {
		return fmt.Errorf("complete milestone: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrMilestoneNotFound
	}

	_, err = r.pool.Exec(ctx, `UPDATE campaigns SET updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch campaign: %w", err)
	}
	return nil
}

// UpdateStatus изменяет статус кампании; statusPending отражает, отправлен ли переход в леджер.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status model.CampaignStatus, statusPending bool) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE campaigns
		 SET status = $2,
		     status_pending = $3,
		     pending_sync = pending_sync OR $3,
		     updated_at = now()
		 WHERE id = $1`,
		id, string(status), statusPending,
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// CreateWithdrawal записывает вывод средств под блокировкой строки кампании,
// отклоняя суммы сверх собранного за вычетом уже выведенного.
func (r *PostgresRepository) CreateWithdrawal(ctx context.Context, id string, amountUnits int64, idempotencyKey string) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var raised int64
		err = tx.QueryRow(ctx, `SELECT raised_units FROM campaigns WHERE id = $1 FOR UPDATE`, id).Scan(&raised)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCampaignNotFound
			}
			return fmt.Errorf("lock campaign: %w", err)
		}

		var withdrawnTotal int64
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(SUM(amount_units), 0) FROM withdrawals WHERE campaign_id = $1`,
			id,
		).Scan(&withdrawnTotal)
		if err != nil {
			return fmt.Errorf("sum withdrawals: %w", err)
		}

		if amountUnits > raised-withdrawnTotal {
			return ErrInsufficientFunds
		}

		// Повтор с тем же ключом идемпотентности не создаёт второй записи.
		_, err = tx.Exec(ctx,
			`INSERT INTO withdrawals (campaign_id, amount_units, idempotency_key)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (idempotency_key) DO NOTHING`,
			id, amountUnits, idempotencyKey,
		)
		if err != nil {
			return fmt.Errorf("insert withdrawal: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// WithdrawnTotal возвращает сумму всех выводов по кампании.
func (r *PostgresRepository) WithdrawnTotal(ctx context.Context, id string) (int64, error) {
	var total int64
	err := r.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount_units), 0) FROM withdrawals WHERE campaign_id = $1`,
		id,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum withdrawals: %w", err)
	}
	return total, nil
}

// ListPendingSync возвращает кампании с локальными изменениями, ожидающими отправки в леджер.
func (r *PostgresRepository) ListPendingSync(ctx context.Context, limit int) ([]CachedCampaign, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, description, campaign_type, target_units, raised_units, donor_count,
		        status, owner_login, image_ref, document_refs, confirmed, status_pending, pending_sync,
		        created_at, updated_at
		 FROM campaigns
		 WHERE pending_sync
		 ORDER BY updated_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending campaigns: %w", err)
	}
	defer rows.Close()

	var res []CachedCampaign
	for rows.Next() {
		cc, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		res = append(res, *cc)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range res {
		if err := r.loadMilestones(ctx, &res[i]); err != nil {
			return nil, err
		}
	}

	return res, nil
}

// PendingDonations возвращает локально принятые пожертвования кампании, не подтверждённые леджером.
func (r *PostgresRepository) PendingDonations(ctx context.Context, id string) ([]PendingDonation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT amount_units, idempotency_key
		 FROM donations
		 WHERE campaign_id = $1 AND NOT confirmed
		 ORDER BY created_at`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending donations: %w", err)
	}
	defer rows.Close()

	var res []PendingDonation
	for rows.Next() {
		var d PendingDonation
		if err := rows.Scan(&d.AmountUnits, &d.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("scan donation: %w", err)
		}
		res = append(res, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// MarkDonationConfirmed помечает пожертвование подтверждённым леджером.
func (r *PostgresRepository) MarkDonationConfirmed(ctx context.Context, idempotencyKey string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE donations SET confirmed = TRUE WHERE idempotency_key = $1`,
		idempotencyKey,
	)
	if err != nil {
		return fmt.Errorf("confirm donation: %w", err)
	}
	return nil
}

// MarkCampaignConfirmed переносит локальную кампанию на выданный леджером идентификатор.
// Внешние ключи объявлены ON UPDATE CASCADE, поэтому связанные записи следуют за id.
func (r *PostgresRepository) MarkCampaignConfirmed(ctx context.Context, oldID, ledgerID string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE campaigns SET id = $2, confirmed = TRUE, updated_at = now() WHERE id = $1`,
		oldID, ledgerID,
	)
	if err != nil {
		return fmt.Errorf("confirm campaign: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrCampaignNotFound
	}
	return nil
}

// RecalcPendingSync пересчитывает флаг pending_sync после отправки локальных изменений.
func (r *PostgresRepository) RecalcPendingSync(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE campaigns
		 SET pending_sync = status_pending
		     OR NOT confirmed
		     OR EXISTS (SELECT 1 FROM donations WHERE campaign_id = campaigns.id AND NOT confirmed)
		 WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("recalc pending sync: %w", err)
	}
	return nil
}
