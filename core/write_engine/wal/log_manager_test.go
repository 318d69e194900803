package wal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// setupLogManager creates a LogManager in a temporary directory for isolated testing.
func setupLogManager(t *testing.T, opts ...Option) (*LogManager, string) {
	t.Helper()
	tempDir := t.TempDir()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	lm, err := NewLogManager(tempDir, logger, opts...)
	require.NoError(t, err)

	return lm, tempDir
}

func newTestLogRecord(data string) *LogRecord {
	return &LogRecord{
		Type:   LogRecordTypeUpdate,
		TxnID:  7,
		PageID: pagemanager.PageID(1),
		Data:   []byte(data),
	}
}

// --- Test Cases ---

func TestLogManager_AppendAssignsSequentialLSNs(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	for i := 0; i < 3; i++ {
		lsn, err := lm.AppendRecord(newTestLogRecord(fmt.Sprintf("record %d", i)))
		require.NoError(t, err)
		require.Equal(t, LSN(i+1), lsn, "LSN should be sequential and 1-based")
	}
	require.Equal(t, LSN(3), lm.GetCurrentLSN())
	require.Equal(t, InvalidLSN, lm.FlushedLSN(), "nothing is durable before Sync")

	require.NoError(t, lm.Sync())
	require.Equal(t, LSN(3), lm.FlushedLSN())
}

func TestLogManager_EnsureDurableSyncsOnlyWhenNeeded(t *testing.T) {
	lm, _ := setupLogManager(t)
	defer lm.Close()

	lsn, err := lm.AppendRecord(newTestLogRecord("a"))
	require.NoError(t, err)
	require.NoError(t, lm.EnsureDurable(InvalidLSN))
	require.Equal(t, InvalidLSN, lm.FlushedLSN())

	require.NoError(t, lm.EnsureDurable(lsn))
	require.Equal(t, lsn, lm.FlushedLSN())
}

// TestLogManager_RecoveryAfterRestart simulates a restart: records written by
// one instance must be readable by a fresh instance, which continues the LSN sequence.
func TestLogManager_RecoveryAfterRestart(t *testing.T) {
	tempDir := t.TempDir()
	logger := zap.NewNop()

	lm1, err := NewLogManager(tempDir, logger)
	require.NoError(t, err)
	_, err = lm1.AppendRecord(newTestLogRecord("this must survive a restart"))
	require.NoError(t, err)
	require.NoError(t, lm1.Close())

	lm2, err := NewLogManager(tempDir, logger)
	require.NoError(t, err)
	defer lm2.Close()

	require.Equal(t, LSN(1), lm2.FlushedLSN())
	lsn, err := lm2.AppendRecord(newTestLogRecord("second life"))
	require.NoError(t, err)
	require.Equal(t, LSN(2), lsn)

	records, err := lm2.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, []byte("this must survive a restart"), records[0].Data)
	require.Equal(t, []byte("second life"), records[1].Data)
}

func TestLogManager_TornTailIsTruncated(t *testing.T) {
	tempDir := t.TempDir()
	lm, err := NewLogManager(tempDir, nil)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := lm.AppendRecord(newTestLogRecord("intact"))
		require.NoError(t, err)
	}
	require.NoError(t, lm.Close())

	// Append half a frame, as a crash mid-write would leave behind.
	path := filepath.Join(tempDir, logFileName)
	partial := EncodeLogRecord(newTestLogRecord("torn"), false)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write(partial[:len(partial)/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lm, err = NewLogManager(tempDir, nil)
	require.NoError(t, err)
	defer lm.Close()
	require.Equal(t, LSN(2), lm.GetCurrentLSN())

	records, err := lm.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestEncodeLogRecord_CompressesLargePayloads(t *testing.T) {
	payload := bytes.Repeat([]byte("page image "), 200)
	rec := &LogRecord{LSN: 5, PrevLSN: 4, TxnID: 9, Type: LogRecordTypeNewPage, PageID: 12, Data: payload}

	plain := EncodeLogRecord(rec, false)
	compressed := EncodeLogRecord(rec, true)
	require.Less(t, len(compressed), len(plain))

	for _, frame := range [][]byte{plain, compressed} {
		decoded, err := DecodeLogRecord(frame)
		require.NoError(t, err)
		require.Equal(t, rec, decoded)
	}

	compressed[len(compressed)-1] ^= 0xFF
	_, err := DecodeLogRecord(compressed)
	require.ErrorIs(t, err, ErrCorruptLogRecord)
}

func TestLogManager_NegativePageIDRoundTrips(t *testing.T) {
	rec := &LogRecord{LSN: 1, Type: LogRecordTypeCheckpointStart, PageID: pagemanager.InvalidPageID, Data: []byte{}}
	decoded, err := DecodeLogRecord(EncodeLogRecord(rec, false))
	require.NoError(t, err)
	require.Equal(t, pagemanager.InvalidPageID, decoded.PageID)
}
