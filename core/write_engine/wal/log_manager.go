package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
	pagemanager "github.com/sushant-115/gojodb-bufferpool/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- Write-Ahead Logging (WAL) Constants and Types ---

type LSN pagemanager.LSN // Log Sequence Number
const InvalidLSN LSN = 0

// LogRecordType defines the type of operation logged.
type LogRecordType byte

const (
	LogRecordTypeUpdate LogRecordType = iota + 1
	LogRecordTypeNewPage
	LogRecordTypeFreePage
	LogRecordTypeCheckpointStart
	LogRecordTypeCheckpointEnd
	LogRecordTypeCommitTxn
	LogRecordTypeAbortTxn
)

// Frame layout: [u32 body length][u32 crc32(body)][body]
// Body layout:  [u64 lsn][u64 prevLSN][u64 txnID][u8 type][u32 pageID][u8 flags][data]
const (
	logFileName       = "wal.log"
	defaultBufferSize = 64 * 1024
	frameHeaderSize   = 8
	recordFixedSize   = 30
	maxRecordBodySize = 64 << 20

	// Payloads smaller than this are never compressed.
	compressMinDataSize = 256
	flagSnappy          = 1 << 0
)

var (
	ErrLogClosed        = errors.New("log manager is closed")
	ErrCorruptLogRecord = errors.New("corrupt log record")
)

// LogRecord represents a single entry in the Write-Ahead Log.
type LogRecord struct {
	LSN     LSN
	PrevLSN LSN    // LSN of the previous log record by the same transaction (for undo)
	TxnID   uint64 // Transaction ID (0 if not part of a transaction or single op)
	Type    LogRecordType
	PageID  pagemanager.PageID // Page affected (if applicable)
	Data    []byte
}

// LogManager appends log records to a single log file. The buffer pool only
// uses it to make a page's log records durable before the page itself is
// written back; producing records is left to higher layers.
type LogManager struct {
	logDir     string
	logFile    *os.File
	nextLSN    LSN           // The next LSN to be assigned
	flushedLSN LSN           // Highest LSN known to be durable
	buffer     *bytes.Buffer // In-memory buffer for log records before flushing
	bufferSize int
	compress   bool
	mu         sync.Mutex
	logger     *zap.Logger
}

// Option configures a LogManager.
type Option func(*LogManager)

// WithBufferSize sets how many bytes are buffered before records are written to the file.
func WithBufferSize(n int) Option {
	return func(lm *LogManager) {
		if n > 0 {
			lm.bufferSize = n
		}
	}
}

// WithCompression enables snappy compression of large record payloads.
func WithCompression(enabled bool) Option {
	return func(lm *LogManager) { lm.compress = enabled }
}

// NewLogManager opens (or creates) the log in logDir and recovers the next
// LSN from the records already on disk. A torn tail is truncated away.
func NewLogManager(logDir string, logger *zap.Logger, opts ...Option) (*LogManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", logDir, err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, logFileName), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	lm := &LogManager{
		logDir:     logDir,
		logFile:    f,
		bufferSize: defaultBufferSize,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(lm)
	}
	lm.buffer = bytes.NewBuffer(make([]byte, 0, lm.bufferSize))

	if err := lm.recover(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to recover log: %w", err)
	}
	logger.Info("LogManager initialized",
		zap.String("log_dir", logDir),
		zap.Uint64("next_lsn", uint64(lm.nextLSN)))
	return lm, nil
}

// recover scans the log, sets nextLSN past the last intact record and cuts off anything after it.
func (lm *LogManager) recover() error {
	if _, err := lm.logFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	var (
		lastLSN  = InvalidLSN
		goodSize int64
		r        = bufio.NewReader(lm.logFile)
	)
	for {
		rec, n, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				lm.logger.Warn("truncating torn log tail", zap.Int64("offset", goodSize), zap.Error(err))
			}
			break
		}
		lastLSN = rec.LSN
		goodSize += int64(n)
	}
	if err := lm.logFile.Truncate(goodSize); err != nil {
		return err
	}
	if _, err := lm.logFile.Seek(goodSize, io.SeekStart); err != nil {
		return err
	}
	lm.nextLSN = lastLSN + 1
	lm.flushedLSN = lastLSN
	return nil
}

// AppendRecord assigns the next LSN to lr and buffers it. The record is not
// durable until Sync (or EnsureDurable) covers its LSN.
func (lm *LogManager) AppendRecord(lr *LogRecord) (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.logFile == nil {
		return InvalidLSN, ErrLogClosed
	}
	lr.LSN = lm.nextLSN
	frame := EncodeLogRecord(lr, lm.compress)
	lm.buffer.Write(frame)
	lm.nextLSN++
	if lm.buffer.Len() >= lm.bufferSize {
		if err := lm.writeBufferLocked(); err != nil {
			return InvalidLSN, err
		}
	}
	return lr.LSN, nil
}

func (lm *LogManager) writeBufferLocked() error {
	if lm.buffer.Len() == 0 {
		return nil
	}
	if _, err := lm.logFile.Write(lm.buffer.Bytes()); err != nil {
		return fmt.Errorf("failed to write log buffer: %w", err)
	}
	lm.buffer.Reset()
	return nil
}

// Sync writes every buffered record and fsyncs the log file.
func (lm *LogManager) Sync() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.syncLocked()
}

func (lm *LogManager) syncLocked() error {
	if lm.logFile == nil {
		return ErrLogClosed
	}
	if err := lm.writeBufferLocked(); err != nil {
		return err
	}
	if err := lm.logFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync log file: %w", err)
	}
	lm.flushedLSN = lm.nextLSN - 1
	return nil
}

// EnsureDurable syncs the log only if lsn is not durable yet.
func (lm *LogManager) EnsureDurable(lsn LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lsn == InvalidLSN || lsn <= lm.flushedLSN {
		return nil
	}
	return lm.syncLocked()
}

// GetCurrentLSN returns the LSN of the last appended record.
func (lm *LogManager) GetCurrentLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN - 1
}

// FlushedLSN returns the highest durable LSN.
func (lm *LogManager) FlushedLSN() LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushedLSN
}

// ReadAll returns every record in the log, including buffered ones, in LSN order.
func (lm *LogManager) ReadAll() ([]*LogRecord, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.logFile == nil {
		return nil, ErrLogClosed
	}
	if err := lm.writeBufferLocked(); err != nil {
		return nil, err
	}
	r := bufio.NewReader(io.NewSectionReader(lm.logFile, 0, 1<<62))
	var records []*LogRecord
	for {
		rec, _, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}

// Close syncs and closes the log file.
func (lm *LogManager) Close() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.logFile == nil {
		return nil
	}
	syncErr := lm.syncLocked()
	closeErr := lm.logFile.Close()
	lm.logFile = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

// EncodeLogRecord serializes lr into a length- and CRC-framed byte slice.
func EncodeLogRecord(lr *LogRecord, compress bool) []byte {
	data := lr.Data
	var flags byte
	if compress && len(data) >= compressMinDataSize {
		if c := snappy.Encode(nil, data); len(c) < len(data) {
			data, flags = c, flagSnappy
		}
	}
	body := make([]byte, recordFixedSize+len(data))
	binary.LittleEndian.PutUint64(body[0:8], uint64(lr.LSN))
	binary.LittleEndian.PutUint64(body[8:16], uint64(lr.PrevLSN))
	binary.LittleEndian.PutUint64(body[16:24], lr.TxnID)
	body[24] = byte(lr.Type)
	binary.LittleEndian.PutUint32(body[25:29], uint32(lr.PageID))
	body[29] = flags
	copy(body[recordFixedSize:], data)

	frame := make([]byte, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(body))
	copy(frame[frameHeaderSize:], body)
	return frame
}

// DecodeLogRecord parses one frame produced by EncodeLogRecord.
func DecodeLogRecord(frame []byte) (*LogRecord, error) {
	if len(frame) < frameHeaderSize {
		return nil, fmt.Errorf("%w: frame too short", ErrCorruptLogRecord)
	}
	n := binary.LittleEndian.Uint32(frame[0:4])
	if int(n) != len(frame)-frameHeaderSize {
		return nil, fmt.Errorf("%w: length %d does not match frame", ErrCorruptLogRecord, n)
	}
	return decodeBody(frame[frameHeaderSize:], binary.LittleEndian.Uint32(frame[4:8]))
}

func decodeBody(body []byte, checksum uint32) (*LogRecord, error) {
	if len(body) < recordFixedSize {
		return nil, fmt.Errorf("%w: body too short", ErrCorruptLogRecord)
	}
	if crc32.ChecksumIEEE(body) != checksum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptLogRecord)
	}
	lr := &LogRecord{
		LSN:     LSN(binary.LittleEndian.Uint64(body[0:8])),
		PrevLSN: LSN(binary.LittleEndian.Uint64(body[8:16])),
		TxnID:   binary.LittleEndian.Uint64(body[16:24]),
		Type:    LogRecordType(body[24]),
		PageID:  pagemanager.PageID(int32(binary.LittleEndian.Uint32(body[25:29]))),
	}
	data := body[recordFixedSize:]
	if body[29]&flagSnappy != 0 {
		d, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLogRecord, err)
		}
		data = d
	} else {
		data = append([]byte(nil), data...)
	}
	lr.Data = data
	return lr, nil
}

// readFrame reads one record and returns it with the number of bytes consumed.
func readFrame(r io.Reader) (*LogRecord, int, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, fmt.Errorf("%w: torn header", ErrCorruptLogRecord)
		}
		return nil, 0, err
	}
	n := binary.LittleEndian.Uint32(hdr[0:4])
	if n > maxRecordBodySize {
		return nil, 0, fmt.Errorf("%w: body length %d", ErrCorruptLogRecord, n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, 0, fmt.Errorf("%w: torn body: %v", ErrCorruptLogRecord, err)
	}
	rec, err := decodeBody(body, binary.LittleEndian.Uint32(hdr[4:8]))
	if err != nil {
		return nil, 0, err
	}
	return rec, frameHeaderSize + int(n), nil
}
