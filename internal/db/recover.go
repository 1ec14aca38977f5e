package db

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/agentdesk/agentdesk/internal/common/logger"
)

// ErrCorrupt marks a database file that failed the integrity check on open.
var ErrCorrupt = errors.New("database corrupt")

// OpenPoolWithRecovery opens writer and reader pools for the database at
// dbPath. If the file is corrupt it is moved aside to
// <file>.backup.<epoch seconds> and a fresh database is created in its place.
// A second consecutive failure is fatal to the caller: the returned error
// names the path so the user can intervene.
func OpenPoolWithRecovery(dbPath string, log *logger.Logger) (*Pool, error) {
	writer, err := OpenSQLite(dbPath)
	if err != nil {
		if !errors.Is(err, ErrCorrupt) {
			return nil, err
		}

		backupPath := fmt.Sprintf("%s.backup.%d", dbPath, time.Now().Unix())
		log.Warn("database corrupt, moving aside and reopening fresh",
			zap.String("path", dbPath),
			zap.String("backup", backupPath),
			zap.Error(err))
		if renameErr := os.Rename(dbPath, backupPath); renameErr != nil {
			return nil, fmt.Errorf("database at %s is corrupt and backup failed: %w", dbPath, renameErr)
		}

		writer, err = OpenSQLite(dbPath)
		if err != nil {
			return nil, fmt.Errorf("database at %s unusable after recovery attempt: %w", dbPath, err)
		}
	}

	reader, err := OpenSQLiteReader(dbPath)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return NewPool(writer, reader), nil
}
