// Package db opens and migrates the conversation store.
package db

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"wikichat/internal/chat"
)

const connectAttempts = 5

// Open connects to postgres with capped exponential backoff and migrates
// the chat tables. The backoff matters at boot, when the database container
// often comes up after the service.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	for attempt := 0; attempt < connectAttempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<uint(attempt-1)) * time.Second
			log.Warn("database not ready, retrying",
				zap.Duration("in", delay),
				zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}

	if err := db.AutoMigrate(&chat.Turn{}, &chat.Job{}); err != nil {
		return nil, fmt.Errorf("db: migrate: %w", err)
	}
	return db, nil
}
