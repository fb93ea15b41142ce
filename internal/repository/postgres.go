package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/marketplace-core/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
// Условные обновления выражены одним UPDATE ... WHERE, поэтому разные строки
// не блокируют друг друга.
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

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil || !isRetryable(err) || i == len(retryDelays) {
			return err
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// inTx выполняет fn в транзакции; вся транзакция повторяется при дедлоке или сбое сериализации.
func (r *PostgresRepository) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

const listingColumns = `id, vendor_id, title, price_cents, stock_quantity, minimum_order_quantity, updated_at`

func scanListing(row pgx.Row) (model.Listing, error) {
	var l model.Listing
	err := row.Scan(&l.ID, &l.VendorID, &l.Title, &l.PriceCents, &l.StockQuantity, &l.MinimumOrderQuantity, &l.UpdatedAt)
	return l, err
}

// PutListing создаёт или полностью заменяет товар.
func (r *PostgresRepository) PutListing(ctx context.Context, l model.Listing) error {
	if l.UpdatedAt.IsZero() {
		l.UpdatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO listings (id, vendor_id, title, price_cents, stock_quantity, minimum_order_quantity, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     vendor_id = EXCLUDED.vendor_id,
		     title = EXCLUDED.title,
		     price_cents = EXCLUDED.price_cents,
		     stock_quantity = EXCLUDED.stock_quantity,
		     minimum_order_quantity = EXCLUDED.minimum_order_quantity,
		     updated_at = EXCLUDED.updated_at`,
		l.ID, l.VendorID, l.Title, l.PriceCents, l.StockQuantity, l.MinimumOrderQuantity, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// GetListings возвращает найденные товары по идентификаторам.
func (r *PostgresRepository) GetListings(ctx context.Context, ids []string) (map[string]model.Listing, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select listings: %w", err)
	}
	defer rows.Close()

	res := make(map[string]model.Listing, len(ids))
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		res[l.ID] = l
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func (r *PostgresRepository) listingExists(ctx context.Context, q pgxQuerier, id string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM listings WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check listing: %w", err)
	}
	return exists, nil
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ReserveStock уменьшает остаток на qty, только если остаток не меньше qty.
// Проверка и списание выполняются одним условным UPDATE.
func (r *PostgresRepository) ReserveStock(ctx context.Context, listingID string, qty int64) (model.Listing, error) {
	l, err := scanListing(r.pool.QueryRow(ctx,
		`UPDATE listings
		 SET stock_quantity = stock_quantity - $2, updated_at = now()
		 WHERE id = $1 AND stock_quantity >= $2
		 RETURNING `+listingColumns,
		listingID, qty,
	))
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.Listing{}, fmt.Errorf("reserve stock: %w", err)
	}

	exists, err := r.listingExists(ctx, r.pool, listingID)
	if err != nil {
		return model.Listing{}, err
	}
	if !exists {
		return model.Listing{}, ErrListingNotFound
	}
	return model.Listing{}, ErrInsufficientStock
}

// ReleaseStock возвращает qty единиц на остаток товара.
func (r *PostgresRepository) ReleaseStock(ctx context.Context, listingID string, qty int64) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE listings SET stock_quantity = stock_quantity + $2, updated_at = now() WHERE id = $1`,
		listingID, qty,
	)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrListingNotFound
	}
	return nil
}

// ReleaseOrderStock возвращает остатки по всем строкам заказа один раз.
// Запись в stock_releases и возврат остатков выполняются в одной транзакции.
func (r *PostgresRepository) ReleaseOrderStock(ctx context.Context, orderID string, items []model.OrderItem) (bool, error) {
	released := false
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		released = false

		cmdTag, err := tx.Exec(ctx,
			`INSERT INTO stock_releases (order_id) VALUES ($1) ON CONFLICT (order_id) DO NOTHING`,
			orderID,
		)
		if err != nil {
			return fmt.Errorf("insert stock release: %w", err)
		}
		if cmdTag.RowsAffected() == 0 {
			return nil
		}

		for _, it := range sortedByListing(items) {
			cmdTag, err := tx.Exec(ctx,
				`UPDATE listings SET stock_quantity = stock_quantity + $2, updated_at = now() WHERE id = $1`,
				it.ListingID, it.Quantity,
			)
			if err != nil {
				return fmt.Errorf("release order stock: %w", err)
			}
			if cmdTag.RowsAffected() == 0 {
				return ErrListingNotFound
			}
		}

		released = true
		return nil
	})
	return released, err
}

// CreateOrder сохраняет заказ вместе со строками в одной транзакции.
func (r *PostgresRepository) CreateOrder(ctx context.Context, o *model.Order) error {
	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return fmt.Errorf("marshal shipping address: %w", err)
	}

	return r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO orders (id, buyer_id, vendor_id, total_cents, status, payment_method, payment_status, shipping_address, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			o.ID, o.BuyerID, o.VendorID, o.TotalCents, string(o.Status),
			string(o.PaymentMethod), string(o.PaymentStatus), string(address),
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		for i, it := range o.Items {
			_, err := tx.Exec(ctx,
				`INSERT INTO order_items (order_id, position, listing_id, vendor_id, title, quantity, price_at_purchase_cents)
				 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				o.ID, i, it.ListingID, it.VendorID, it.Title, it.Quantity, it.PriceAtPurchaseCents,
			)
			if err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}
		return nil
	})
}

const orderColumns = `id, buyer_id, vendor_id, total_cents, status, payment_method, payment_status, shipping_address, created_at, updated_at`

func scanOrder(row pgx.Row) (model.Order, error) {
	var (
		o       model.Order
		status  string
		method  string
		payment string
		address []byte
	)
	err := row.Scan(&o.ID, &o.BuyerID, &o.VendorID, &o.TotalCents, &status, &method, &payment, &address, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return model.Order{}, err
	}
	o.Status = model.OrderStatus(status)
	o.PaymentMethod = model.PaymentMethod(method)
	o.PaymentStatus = model.PaymentStatus(payment)
	if len(address) > 0 {
		if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
			return model.Order{}, fmt.Errorf("unmarshal shipping address: %w", err)
		}
	}
	return o, nil
}

// querier позволяет читать строки заказа как из пула, так и внутри транзакции.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadItems(ctx context.Context, q querier, orders []model.Order) error {
	if len(orders) == 0 {
		return nil
	}

	ids := make([]string, 0, len(orders))
	index := make(map[string]int, len(orders))
	for i, o := range orders {
		ids = append(ids, o.ID)
		index[o.ID] = i
	}

	rows, err := q.Query(ctx,
		`SELECT order_id, listing_id, vendor_id, title, quantity, price_at_purchase_cents
		 FROM order_items
		 WHERE order_id = ANY($1)
		 ORDER BY order_id, position`,
		ids,
	)
	if err != nil {
		return fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			orderID string
			it      model.OrderItem
		)
		if err := rows.Scan(&orderID, &it.ListingID, &it.VendorID, &it.Title, &it.Quantity, &it.PriceAtPurchaseCents); err != nil {
			return fmt.Errorf("scan order item: %w", err)
		}
		i := index[orderID]
		orders[i].Items = append(orders[i].Items, it)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ по идентификатору.
func (r *PostgresRepository) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(r.pool.QueryRow(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	orders := []model.Order{o}
	if err := loadItems(ctx, r.pool, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

// CompareAndSetOrderStatus меняет статус заказа с from на to, если текущий статус равен from.
// Смена статуса и чтение строк заказа выполняются в одной транзакции: при ошибке
// статус остаётся прежним.
func (r *PostgresRepository) CompareAndSetOrderStatus(ctx context.Context, id string, from, to model.OrderStatus) (*model.Order, error) {
	var updated *model.Order
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		o, err := scanOrder(tx.QueryRow(ctx,
			`UPDATE orders SET status = $3, updated_at = now()
			 WHERE id = $1 AND status = $2
			 RETURNING `+orderColumns,
			id, string(from), string(to),
		))
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("update order status: %w", err)
			}

			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
				return fmt.Errorf("check order: %w", err)
			}
			if !exists {
				return ErrOrderNotFound
			}
			return ErrStatusConflict
		}

		orders := []model.Order{o}
		if err := loadItems(ctx, tx, orders); err != nil {
			return err
		}
		updated = &orders[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// MarkOrderNotified фиксирует, что уведомление о статусе status отправлено.
func (r *PostgresRepository) MarkOrderNotified(ctx context.Context, id string, status model.OrderStatus) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE orders SET notified_status = $2 WHERE id = $1 AND status = $2`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("mark order notified: %w", err)
	}
	return nil
}

func (r *PostgresRepository) listOrders(ctx context.Context, column, userID string) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE `+column+` = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if err := loadItems(ctx, r.pool, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

// ListOrdersByBuyer возвращает заказы покупателя, новые первыми.
func (r *PostgresRepository) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]model.Order, error) {
	return r.listOrders(ctx, "buyer_id", buyerID)
}

// ListOrdersByVendor возвращает заказы продавца, новые первыми.
func (r *PostgresRepository) ListOrdersByVendor(ctx context.Context, vendorID string) ([]model.Order, error) {
	return r.listOrders(ctx, "vendor_id", vendorID)
}

// ListOrdersForReconciliation возвращает заказы с незавершёнными побочными эффектами смены статуса.
func (r *PostgresRepository) ListOrdersForReconciliation(ctx context.Context, limit int) ([]OrderForReconciliation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT o.id,
		        o.status = $1 AND sr.order_id IS NULL,
		        o.notified_status IS DISTINCT FROM o.status
		 FROM orders o
		 LEFT JOIN stock_releases sr ON sr.order_id = o.id
		 WHERE (o.status = $1 AND sr.order_id IS NULL)
		    OR o.notified_status IS DISTINCT FROM o.status
		 ORDER BY o.updated_at
		 LIMIT $2`,
		string(model.OrderStatusCancelled), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders for reconciliation: %w", err)
	}
	defer rows.Close()

	var res []OrderForReconciliation
	for rows.Next() {
		var item OrderForReconciliation
		if err := rows.Scan(&item.OrderID, &item.NeedsStockRelease, &item.NeedsNotification); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		res = append(res, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// CreateNotification сохраняет уведомление. Если у получателя уже есть уведомление
// с тем же DedupeKey, новое не создаётся: n.ID заполняется существующим, возвращается false.
func (r *PostgresRepository) CreateNotification(ctx context.Context, n *model.Notification) (bool, error) {
	var id string
	err := r.pool.QueryRow(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, link, order_id, dedupe_key, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (user_id, dedupe_key) DO NOTHING
		 RETURNING id`,
		n.ID, n.UserID, string(n.Type), n.Title, n.Message, n.Link, n.OrderID, nullable(n.DedupeKey), n.CreatedAt,
	).Scan(&id)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("insert notification: %w", err)
	}

	err = r.pool.QueryRow(ctx,
		`SELECT id FROM notifications WHERE user_id = $1 AND dedupe_key = $2`,
		n.UserID, n.DedupeKey,
	).Scan(&id)
	if err != nil {
		return false, fmt.Errorf("select duplicate notification: %w", err)
	}
	n.ID = id
	return false, nil
}

// ListNotifications возвращает уведомления получателя, новые первыми.
func (r *PostgresRepository) ListNotifications(ctx context.Context, userID string, limit int) ([]model.Notification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, type, title, message, link, order_id, read, COALESCE(dedupe_key, ''), created_at
		 FROM notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select notifications: %w", err)
	}
	defer rows.Close()

	var res []model.Notification
	for rows.Next() {
		var (
			n   model.Notification
			typ string
		)
		if err := rows.Scan(&n.ID, &n.UserID, &typ, &n.Title, &n.Message, &n.Link, &n.OrderID, &n.Read, &n.DedupeKey, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.Type = model.NotificationType(typ)
		res = append(res, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CountUnreadNotifications возвращает число непрочитанных уведомлений.
func (r *PostgresRepository) CountUnreadNotifications(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND NOT read`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

// MarkNotificationRead отмечает уведомление прочитанным.
func (r *PostgresRepository) MarkNotificationRead(ctx context.Context, userID, id string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read = true WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllNotificationsRead отмечает прочитанными все уведомления получателя.
func (r *PostgresRepository) MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE notifications SET read = true WHERE user_id = $1 AND NOT read`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

// DeleteNotification удаляет уведомление получателя.
func (r *PostgresRepository) DeleteNotification(ctx context.Context, userID, id string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrNotificationNotFound
	}
	return nil
}

// DeleteAllNotifications удаляет все уведомления получателя.
func (r *PostgresRepository) DeleteAllNotifications(ctx context.Context, userID string) (int64, error) {
	cmdTag, err := r.pool.Exec(ctx, `DELETE FROM notifications WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", err)
	}
	return cmdTag.RowsAffected(), nil
}

const conversationColumns = `id, participant_a, participant_b, last_message, last_message_at, unread_a, unread_b, created_at`

func scanConversation(row pgx.Row) (model.Conversation, error) {
	var (
		c                model.Conversation
		unreadA, unreadB int64
	)
	err := row.Scan(&c.ID, &c.Participants[0], &c.Participants[1], &c.LastMessage, &c.LastMessageAt, &unreadA, &unreadB, &c.CreatedAt)
	if err != nil {
		return model.Conversation{}, err
	}
	c.Unread = map[string]int64{
		c.Participants[0]: unreadA,
		c.Participants[1]: unreadB,
	}
	return c, nil
}

// AppendMessage находит или создаёт переписку пары участников, добавляет сообщение
// и увеличивает счётчик непрочитанных у получателя. Строка переписки блокируется
// SELECT ... FOR UPDATE, поэтому отправки в одну переписку выполняются по очереди.
func (r *PostgresRepository) AppendMessage(ctx context.Context, senderID, recipientID, content string, at time.Time) (*model.Conversation, *model.Message, error) {
	pair := model.ParticipantPair(senderID, recipientID)

	var (
		conv model.Conversation
		msg  model.Message
	)
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO conversations (id, participant_a, participant_b, created_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (participant_a, participant_b) DO NOTHING`,
			uuid.NewString(), pair[0], pair[1], at,
		)
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}

		var conversationID string
		err = tx.QueryRow(ctx,
			`SELECT id FROM conversations WHERE participant_a = $1 AND participant_b = $2 FOR UPDATE`,
			pair[0], pair[1],
		).Scan(&conversationID)
		if err != nil {
			return fmt.Errorf("lock conversation: %w", err)
		}

		msg = model.Message{
			ID:             uuid.NewString(),
			ConversationID: conversationID,
			SenderID:       senderID,
			Content:        content,
			CreatedAt:      at,
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, sender_id, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
			msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}

		conv, err = scanConversation(tx.QueryRow(ctx,
			`UPDATE conversations
			 SET last_message = $2,
			     last_message_at = $3,
			     unread_a = unread_a + CASE WHEN participant_a = $4 THEN 1 ELSE 0 END,
			     unread_b = unread_b + CASE WHEN participant_b = $4 THEN 1 ELSE 0 END
			 WHERE id = $1
			 RETURNING `+conversationColumns,
			conversationID, content, at, recipientID,
		))
		if err != nil {
			return fmt.Errorf("update conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &conv, &msg, nil
}

// GetConversation возвращает переписку по идентификатору.
func (r *PostgresRepository) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	c, err := scanConversation(r.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`,
		id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// FetchMessages возвращает историю переписки и обнуляет счётчик непрочитанных читателя.
func (r *PostgresRepository) FetchMessages(ctx context.Context, conversationID, readerID string) ([]model.Message, error) {
	var res []model.Message
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		res = nil

		var a, b string
		err := tx.QueryRow(ctx,
			`SELECT participant_a, participant_b FROM conversations WHERE id = $1 FOR UPDATE`,
			conversationID,
		).Scan(&a, &b)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrConversationNotFound
			}
			return fmt.Errorf("lock conversation: %w", err)
		}
		if readerID != a && readerID != b {
			return ErrNotParticipant
		}

		if _, err := tx.Exec(ctx,
			`UPDATE messages SET read = true WHERE conversation_id = $1 AND sender_id <> $2 AND NOT read`,
			conversationID, readerID,
		); err != nil {
			return fmt.Errorf("mark messages read: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE conversations
			 SET unread_a = CASE WHEN participant_a = $2 THEN 0 ELSE unread_a END,
			     unread_b = CASE WHEN participant_b = $2 THEN 0 ELSE unread_b END
			 WHERE id = $1`,
			conversationID, readerID,
		); err != nil {
			return fmt.Errorf("reset unread: %w", err)
		}

		rows, err := tx.Query(ctx,
			`SELECT id, conversation_id, sender_id, content, read, created_at
			 FROM messages
			 WHERE conversation_id = $1
			 ORDER BY seq`,
			conversationID,
		)
		if err != nil {
			return fmt.Errorf("select messages: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var m model.Message
			if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.Read, &m.CreatedAt); err != nil {
				return fmt.Errorf("scan message: %w", err)
			}
			res = append(res, m)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	return res, err
}

// ListConversations возвращает переписки пользователя, последние активные первыми.
func (r *PostgresRepository) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations
		 WHERE participant_a = $1 OR participant_b = $1
		 ORDER BY last_message_at DESC NULLS LAST, created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select conversations: %w", err)
	}
	defer rows.Close()

	var res []model.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
