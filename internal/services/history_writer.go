/**
 * @description
 * History writer.
 * Consumes committed event batches from Kafka and upserts order and fill history
 * into PostgreSQL. The engine never reads these tables.
 *
 * @dependencies
 * - github.com/segmentio/kafka-go: consumer group reader
 * - gorm.io/gorm: upserts via clause.OnConflict
 * - github.com/jackc/pgx/v5/pgconn: retryable error codes (the errors gorm's postgres driver returns)
 *
 * @notes
 * - Offsets are committed only after the batch is written, so delivery is
 *   at-least-once. Fill ids are derived from (book, batch sequence, index) and
 *   order rows only move forward in batch sequence, so replays are harmless.
 */

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/bankai-project/clob/internal/logger"
	"github.com/bankai-project/clob/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var fillNamespace = uuid.MustParse("6f1c2a8e-3d4b-4e5f-9a7b-1c2d3e4f5a6b")

// HistoryWriter persists event batches to Postgres
type HistoryWriter struct {
	DB     *gorm.DB
	reader *kafka.Reader
}

func NewHistoryWriter(db *gorm.DB, brokers []string, topic, groupID string) *HistoryWriter {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
	return &HistoryWriter{DB: db, reader: reader}
}

// Run consumes until ctx is cancelled.
func (w *HistoryWriter) Run(ctx context.Context) error {
	logger.Info("📚 History writer consuming %s", w.reader.Config().Topic)
	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch event batch: %w", err)
		}

		var batch EventBatch
		if err := json.Unmarshal(msg.Value, &batch); err != nil {
			// a malformed message can never succeed; skip it
			logger.Error("Dropping malformed event batch at offset %d: %v", msg.Offset, err)
		} else if err := w.Write(ctx, &batch); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := w.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (w *HistoryWriter) Close() error {
	return w.reader.Close()
}

// Write upserts one batch in a single database transaction.
func (w *HistoryWriter) Write(ctx context.Context, batch *EventBatch) error {
	orders, fills := HistoryRecords(batch)

	const maxRetries = 5
	var err error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = w.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if len(orders) > 0 {
				err := tx.Clauses(clause.OnConflict{
					Columns: []clause.Column{{Name: "order_id"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"filled_amount",
						"status",
						"batch_sequence",
						"updated_at",
					}),
					Where: clause.Where{Exprs: []clause.Expression{
						clause.Expr{SQL: "clob_orders.batch_sequence <= excluded.batch_sequence"},
					}},
				}).Create(&orders).Error
				if err != nil {
					return err
				}
			}
			if len(fills) > 0 {
				return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&fills).Error
			}
			return nil
		})
		if err == nil {
			return nil
		}
		if !retryable(err) {
			break
		}
		backoff := time.Duration(attempt*100+rand.Intn(100)) * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed to write batch %d of %s:%s: %w", batch.Sequence, batch.MarketID, batch.Outcome, err)
}

// retryable reports deadlocks and serialization failures.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40P01" || pgErr.Code == "40001"
	}
	return false
}

// HistoryRecords converts a batch into history rows.
func HistoryRecords(batch *EventBatch) ([]models.OrderRecord, []models.FillRecord) {
	orders := make([]models.OrderRecord, 0, len(batch.Orders))
	for _, o := range batch.Orders {
		orders = append(orders, models.OrderRecord{
			OrderID:        o.OrderID,
			ClientOrderID:  o.ClientOrderID,
			UserID:         o.UserID,
			WalletAddress:  o.WalletAddress,
			MarketID:       o.MarketID,
			Outcome:        string(o.Outcome),
			Side:           string(o.Side),
			OrderType:      string(o.OrderType),
			TimeInForce:    string(o.TimeInForce),
			Price:          o.Price,
			OriginalAmount: o.OriginalAmount,
			FilledAmount:   o.FilledAmount,
			Status:         string(o.Status),
			Sequence:       o.Sequence,
			BatchSequence:  batch.Sequence,
			CreatedAt:      o.CreatedAt,
			UpdatedAt:      o.UpdatedAt,
		})
	}

	fills := make([]models.FillRecord, 0, len(batch.Fills))
	for i, f := range batch.Fills {
		name := batch.MarketID + ":" + string(batch.Outcome) + ":" + strconv.FormatUint(batch.Sequence, 10) + ":" + strconv.Itoa(i)
		fills = append(fills, models.FillRecord{
			ID:            uuid.NewSHA1(fillNamespace, []byte(name)),
			MarketID:      f.MarketID,
			Outcome:       string(f.Outcome),
			BatchSequence: batch.Sequence,
			MakerOrderID:  f.MakerOrderID,
			TakerOrderID:  f.TakerOrderID,
			MakerUserID:   f.MakerUserID,
			TakerUserID:   f.TakerUserID,
			TakerSide:     string(f.TakerSide),
			Price:         f.Price,
			Size:          f.Size,
			Fee:           f.Fee,
			MakerRebate:   f.MakerRebate,
			FeeAsset:      string(f.FeeAsset),
			ExecutedAt:    f.Timestamp,
		})
	}
	return orders, fills
}
