// Package repository содержит реализацию доступа к данным в PostgreSQL.
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

	"github.com/j1vetr/adegloba-core/internal/loyalty"
	"github.com/j1vetr/adegloba-core/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrPoolExhausted возвращается, когда в пуле (судно, тариф) не осталось
// свободных учётных данных.
var (
	ErrPoolExhausted = errors.New("credential pool exhausted")
	// ErrCredentialNotFound возвращается, если учётные данные с указанным
	// идентификатором не существуют.
	ErrCredentialNotFound = errors.New("credential not found")
	// ErrCredentialRevoked возвращается при попытке выдать или вернуть
	// отозванные учётные данные: состояние revoked терминально.
	ErrCredentialRevoked = errors.New("credential is revoked")
	// ErrPendingGone возвращается, когда отложенная позиция исчезла между
	// чтением списка и попыткой довыдачи — заказ успели отменить.
	ErrPendingGone = errors.New("pending fulfillment no longer exists")
)

// CredentialSecret содержит пару логин/пароль для пополнения пула.
type CredentialSecret struct {
	Username string
	Password string
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
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

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure или Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		// Если это не pg-ошибка, но сетевая
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
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// ClaimCredential атомарно выдаёт одни свободные учётные данные из пула
// (судно, тариф) указанному заказу. Выбор строки и смена статуса выполняются
// одним оператором: SKIP LOCKED пропускает строки, уже захваченные
// конкурентными запросами, поэтому одни учётные данные никогда не достаются
// двум заказам, а конкуренция в одном пуле не блокирует другие пулы.
// Строки выбираются в порядке создания для предсказуемого аудита.
func (r *PostgresRepository) ClaimCredential(ctx context.Context, shipID, planID, orderID string) (*model.CredentialRecord, error) {
	var rec model.CredentialRecord

	err := r.withRetry(ctx, func() error {
		return claimOne(ctx, r.pool, shipID, planID, orderID, &rec)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: ship %s plan %s", ErrPoolExhausted, shipID, planID)
		}
		return nil, fmt.Errorf("claim credential: %w", err)
	}

	return &rec, nil
}

// rowQuerier покрывает pgxpool.Pool и pgx.Tx: выдача работает как отдельным
// запросом, так и внутри транзакции довыдачи.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func claimOne(ctx context.Context, q rowQuerier, shipID, planID, orderID string, rec *model.CredentialRecord) error {
	row := q.QueryRow(ctx,
		`UPDATE credentials
		 SET status = $4, assigned_order_id = $3, assigned_at = NOW()
		 WHERE id = (
		     SELECT id FROM credentials
		     WHERE ship_id = $1 AND plan_id = $2 AND status = $5
		     ORDER BY id
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING id, ship_id, plan_id, secret_username, secret_password,
		           status, assigned_order_id, assigned_at, batch_id, created_at`,
		shipID, planID, orderID,
		string(model.CredentialStatusAssigned), string(model.CredentialStatusAvailable),
	)
	return scanCredential(row, rec)
}

func scanCredential(row pgx.Row, rec *model.CredentialRecord) error {
	var status string
	if err := row.Scan(
		&rec.ID, &rec.ShipID, &rec.PlanID, &rec.SecretUsername, &rec.SecretPassword,
		&status, &rec.AssignedOrderID, &rec.AssignedAt, &rec.BatchID, &rec.CreatedAt,
	); err != nil {
		return err
	}
	rec.Status = model.CredentialStatus(status)
	return nil
}

// ReleaseCredential возвращает выданные учётные данные в пул. Операция
// идемпотентна: повторный вызов для уже свободных учётных данных ничего не
// меняет и возвращает released = false. Отозванные учётные данные в пул
// не возвращаются.
func (r *PostgresRepository) ReleaseCredential(ctx context.Context, credentialID int64) (released bool, err error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE credentials
		 SET status = $2, assigned_order_id = NULL, assigned_at = NULL
		 WHERE id = $1 AND status = $3`,
		credentialID,
		string(model.CredentialStatusAvailable), string(model.CredentialStatusAssigned),
	)
	if err != nil {
		return false, fmt.Errorf("release credential: %w", err)
	}

	if cmdTag.RowsAffected() == 1 {
		return true, nil
	}

	var status string
	err = r.pool.QueryRow(ctx,
		`SELECT status FROM credentials WHERE id = $1`,
		credentialID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, fmt.Errorf("%w: id %d", ErrCredentialNotFound, credentialID)
		}
		return false, fmt.Errorf("check credential status: %w", err)
	}

	return false, nil
}

// ReleaseByOrder возвращает в пул все учётные данные, выданные указанному
// заказу, и возвращает их количество. Повторный вызов для уже отменённого
// заказа ничего не меняет.
func (r *PostgresRepository) ReleaseByOrder(ctx context.Context, orderID string) (int, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE credentials
		 SET status = $2, assigned_order_id = NULL, assigned_at = NULL
		 WHERE assigned_order_id = $1 AND status = $3`,
		orderID,
		string(model.CredentialStatusAvailable), string(model.CredentialStatusAssigned),
	)
	if err != nil {
		return 0, fmt.Errorf("release by order: %w", err)
	}

	return int(cmdTag.RowsAffected()), nil
}

// RevokeCredential переводит учётные данные в терминальное состояние revoked,
// например при выводе терминала из эксплуатации. Выданные заказу учётные
// данные при отзыве у заказа отбираются.
func (r *PostgresRepository) RevokeCredential(ctx context.Context, credentialID int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE credentials
		 SET status = $2, assigned_order_id = NULL, assigned_at = NULL
		 WHERE id = $1 AND status <> $2`,
		credentialID, string(model.CredentialStatusRevoked),
	)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}

	if cmdTag.RowsAffected() == 0 {
		var exists bool
		err = r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM credentials WHERE id = $1)`,
			credentialID,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("check credential: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: id %d", ErrCredentialNotFound, credentialID)
		}
		return fmt.Errorf("%w: id %d", ErrCredentialRevoked, credentialID)
	}

	return nil
}

// ProvisionCredentials добавляет новые учётные данные в пул (судно, тариф)
// одной партией и возвращает количество добавленных записей.
func (r *PostgresRepository) ProvisionCredentials(ctx context.Context, shipID, planID, batchID string, secrets []CredentialSecret) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, s := range secrets {
		_, err := tx.Exec(ctx,
			`INSERT INTO credentials (ship_id, plan_id, secret_username, secret_password, status, batch_id)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			shipID, planID, s.Username, s.Password,
			string(model.CredentialStatusAvailable), batchID,
		)
		if err != nil {
			return 0, fmt.Errorf("insert credential: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return len(secrets), nil
}

// PoolCounts содержит счётчики одного пула учётных данных. Отозванные
// записи исключены из total: они не участвуют в доле доступности.
type PoolCounts struct {
	ShipID   string
	PlanID   string
	Total    int
	Assigned int
	Revoked  int
}

// GetPoolCounts возвращает счётчики всех пулов, вычисленные в момент запроса.
func (r *PostgresRepository) GetPoolCounts(ctx context.Context) ([]PoolCounts, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT ship_id, plan_id,
		        COUNT(*) FILTER (WHERE status <> $1) AS total,
		        COUNT(*) FILTER (WHERE status = $2) AS assigned,
		        COUNT(*) FILTER (WHERE status = $1) AS revoked
		 FROM credentials
		 GROUP BY ship_id, plan_id
		 ORDER BY ship_id, plan_id`,
		string(model.CredentialStatusRevoked), string(model.CredentialStatusAssigned),
	)
	if err != nil {
		return nil, fmt.Errorf("select pool counts: %w", err)
	}
	defer rows.Close()

	var res []PoolCounts
	for rows.Next() {
		var c PoolCounts
		if err := rows.Scan(&c.ShipID, &c.PlanID, &c.Total, &c.Assigned, &c.Revoked); err != nil {
			return nil, fmt.Errorf("scan pool counts: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ApplyPurchase добавляет объём покупки к месячному итогу пользователя и
// пересчитывает скидку. Строка пользователя блокируется на время транзакции
// для сериализации конкурентных покупок одного пользователя. Если месяц
// покупки не совпадает с месяцем сохранённого period_start (в любую
// сторону — смена месяца или рассинхрон сохранённого состояния), период
// пересчитывается от метки времени покупки, а итог начинается заново.
// Новый итог и скидка записываются одним оператором.
func (r *PostgresRepository) ApplyPurchase(ctx context.Context, userID string, gb int64, paidAt time.Time, tiers loyalty.Tiers) (*model.LoyaltyState, error) {
	var state model.LoyaltyState

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		period := loyalty.PeriodStart(paidAt)

		_, err = tx.Exec(ctx,
			`INSERT INTO loyalty_states (user_id, monthly_data_gb, discount_percent, period_start)
			 VALUES ($1, 0, $2, $3)
			 ON CONFLICT (user_id) DO NOTHING`,
			userID, tiers.Resolve(0), period,
		)
		if err != nil {
			return fmt.Errorf("insert loyalty state: %w", err)
		}

		var (
			storedGB     int64
			storedPeriod time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT monthly_data_gb, period_start
			 FROM loyalty_states
			 WHERE user_id = $1
			 FOR UPDATE`,
			userID,
		).Scan(&storedGB, &storedPeriod)
		if err != nil {
			return fmt.Errorf("lock loyalty state: %w", err)
		}

		baseGB, _ := loyalty.RolloverBase(storedGB, storedPeriod, paidAt)

		newTotal := baseGB + gb
		discount := tiers.Resolve(newTotal)

		err = tx.QueryRow(ctx,
			`UPDATE loyalty_states
			 SET monthly_data_gb = $2, discount_percent = $3, period_start = $4, updated_at = NOW()
			 WHERE user_id = $1
			 RETURNING user_id, monthly_data_gb, discount_percent, period_start, updated_at`,
			userID, newTotal, discount, period,
		).Scan(&state.UserID, &state.MonthlyDataGB, &state.DiscountPercent, &state.PeriodStart, &state.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update loyalty state: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("apply purchase: %w", err)
	}

	return &state, nil
}

// EnsureCurrentPeriod возвращает состояние лояльности пользователя,
// предварительно выполнив ленивый переход на новый календарный месяц, если
// сохранённый период устарел. Для пользователя без покупок возвращается
// нулевое состояние текущего месяца без записи в БД.
func (r *PostgresRepository) EnsureCurrentPeriod(ctx context.Context, userID string, now time.Time, tiers loyalty.Tiers) (*model.LoyaltyState, error) {
	period := loyalty.PeriodStart(now)

	var state model.LoyaltyState

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var (
			storedGB       int64
			storedDiscount int
			storedPeriod   time.Time
			updatedAt      time.Time
		)
		err = tx.QueryRow(ctx,
			`SELECT monthly_data_gb, discount_percent, period_start, updated_at
			 FROM loyalty_states
			 WHERE user_id = $1
			 FOR UPDATE`,
			userID,
		).Scan(&storedGB, &storedDiscount, &storedPeriod, &updatedAt)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				state = model.LoyaltyState{
					UserID:          userID,
					MonthlyDataGB:   0,
					DiscountPercent: tiers.Resolve(0),
					PeriodStart:     period,
				}
				return nil
			}
			return fmt.Errorf("select loyalty state: %w", err)
		}

		if loyalty.PeriodStart(storedPeriod).Equal(period) {
			// Скидка могла не записаться при прошлом сбое: чиним при чтении.
			if expected := tiers.Resolve(storedGB); expected != storedDiscount {
				err = tx.QueryRow(ctx,
					`UPDATE loyalty_states
					 SET discount_percent = $2, updated_at = NOW()
					 WHERE user_id = $1
					 RETURNING monthly_data_gb, discount_percent, period_start, updated_at`,
					userID, expected,
				).Scan(&storedGB, &storedDiscount, &storedPeriod, &updatedAt)
				if err != nil {
					return fmt.Errorf("repair discount: %w", err)
				}
			}

			state = model.LoyaltyState{
				UserID:          userID,
				MonthlyDataGB:   storedGB,
				DiscountPercent: storedDiscount,
				PeriodStart:     storedPeriod,
				UpdatedAt:       updatedAt,
			}
			return tx.Commit(ctx)
		}

		err = tx.QueryRow(ctx,
			`UPDATE loyalty_states
			 SET monthly_data_gb = 0, discount_percent = $2, period_start = $3, updated_at = NOW()
			 WHERE user_id = $1
			 RETURNING monthly_data_gb, discount_percent, period_start, updated_at`,
			userID, tiers.Resolve(0), period,
		).Scan(&storedGB, &storedDiscount, &storedPeriod, &updatedAt)
		if err != nil {
			return fmt.Errorf("reset period: %w", err)
		}

		state = model.LoyaltyState{
			UserID:          userID,
			MonthlyDataGB:   storedGB,
			DiscountPercent: storedDiscount,
			PeriodStart:     storedPeriod,
			UpdatedAt:       updatedAt,
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("ensure current period: %w", err)
	}

	return &state, nil
}

// RegisterOrder фиксирует первую обработку события оплаты заказа и возвращает
// true, если заказ виден впервые. Вставка с ON CONFLICT DO NOTHING выигрывается
// ровно одним из конкурентных экземпляров, поэтому повторная доставка того же
// события никогда не приводит к двойной выдаче.
func (r *PostgresRepository) RegisterOrder(ctx context.Context, orderID string) (bool, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`INSERT INTO processed_orders (order_id) VALUES ($1)
		 ON CONFLICT (order_id) DO NOTHING`,
		orderID,
	)
	if err != nil {
		return false, fmt.Errorf("register order: %w", err)
	}
	return cmdTag.RowsAffected() == 1, nil
}

// AddPendingFulfillment сохраняет позицию заказа, оплаченную при исчерпанном
// пуле, для повторных попыток выдачи.
func (r *PostgresRepository) AddPendingFulfillment(ctx context.Context, orderID, shipID, planID string, quantity int) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO pending_fulfillments (order_id, ship_id, plan_id, quantity)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (order_id, ship_id, plan_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
		orderID, shipID, planID, quantity,
	)
	if err != nil {
		return fmt.Errorf("add pending fulfillment: %w", err)
	}
	return nil
}

// GetPendingFulfillments возвращает отложенные позиции в порядке поступления.
func (r *PostgresRepository) GetPendingFulfillments(ctx context.Context, limit int) ([]model.PendingFulfillment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id, ship_id, plan_id, quantity, created_at
		 FROM pending_fulfillments
		 ORDER BY created_at
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending fulfillments: %w", err)
	}
	defer rows.Close()

	var res []model.PendingFulfillment
	for rows.Next() {
		var p model.PendingFulfillment
		if err := rows.Scan(&p.OrderID, &p.ShipID, &p.PlanID, &p.Quantity, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pending fulfillment: %w", err)
		}
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ClaimPending довыдаёт одни учётные данные по отложенной позиции. Списание
// единицы позиции и выдача выполняются в одной транзакции: UPDATE берёт
// блокировку строки pending_fulfillments, поэтому DELETE отменяемого заказа
// либо опережает довыдачу (позиции уже нет — возвращается ErrPendingGone и
// ничего не выдаётся), либо ждёт её коммита, после чего ReleaseByOrder отмены
// возвращает только что выданные учётные данные в пул. При исчерпанном пуле
// транзакция откатывается и списанная единица остаётся в позиции.
func (r *PostgresRepository) ClaimPending(ctx context.Context, orderID, shipID, planID string) (*model.CredentialRecord, error) {
	var rec model.CredentialRecord

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		var remaining int
		err = tx.QueryRow(ctx,
			`UPDATE pending_fulfillments
			 SET quantity = quantity - 1
			 WHERE order_id = $1 AND ship_id = $2 AND plan_id = $3 AND quantity > 0
			 RETURNING quantity`,
			orderID, shipID, planID,
		).Scan(&remaining)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPendingGone
			}
			return fmt.Errorf("consume pending fulfillment: %w", err)
		}

		if err := claimOne(ctx, tx, shipID, planID, orderID, &rec); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrPoolExhausted
			}
			return fmt.Errorf("claim credential: %w", err)
		}

		if remaining == 0 {
			_, err := tx.Exec(ctx,
				`DELETE FROM pending_fulfillments
				 WHERE order_id = $1 AND ship_id = $2 AND plan_id = $3`,
				orderID, shipID, planID,
			)
			if err != nil {
				return fmt.Errorf("delete pending fulfillment: %w", err)
			}
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrPendingGone) || errors.Is(err, ErrPoolExhausted) {
			return nil, err
		}
		return nil, fmt.Errorf("claim pending: %w", err)
	}

	return &rec, nil
}

// DeletePendingByOrder удаляет все отложенные позиции отменённого заказа.
func (r *PostgresRepository) DeletePendingByOrder(ctx context.Context, orderID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM pending_fulfillments WHERE order_id = $1`,
		orderID,
	)
	if err != nil {
		return fmt.Errorf("delete pending by order: %w", err)
	}
	return nil
}
