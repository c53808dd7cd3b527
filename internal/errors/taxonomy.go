package errors

// Error codes added for the sync/search pipeline (600-699).
// These follow the same ERR_XXX_DESCRIPTION convention as codes.go.
const (
	ErrCodeLockHeld         = "ERR_601_LOCK_HELD"
	ErrCodeLockStale        = "ERR_602_LOCK_STALE"
	ErrCodeFileVanished     = "ERR_603_FILE_VANISHED"
	ErrCodeFileTooLargeSync = "ERR_604_FILE_TOO_LARGE"
	ErrCodeFileBinary       = "ERR_605_FILE_BINARY"
	ErrCodeParseFallback    = "ERR_606_PARSE_FALLBACK"
	ErrCodeWorkerRestart    = "ERR_607_WORKER_RESTART"
	ErrCodeNoWorker         = "ERR_608_NO_WORKER"
	ErrCodeWorkerTimeout    = "ERR_609_WORKER_TIMEOUT"
	ErrCodeSchemaMismatch   = "ERR_610_SCHEMA_MISMATCH"
	ErrCodeStorageCorrupt   = "ERR_611_STORAGE_CORRUPTION"
	ErrCodeCancelled        = "ERR_612_CANCELLED"
)

// LockHeld reports that the writer lock is held by another live process.
func LockHeld(path string, holderPID int) *OsgrepError {
	return New(ErrCodeLockHeld, "writer lock is held by another process", nil).
		WithDetail("lock_path", path).
		WithDetail("holder_pid", itoa(holderPID))
}

// LockStale reports that the writer lock file refers to a dead process and was reclaimed.
func LockStale(path string, stalePID int) *OsgrepError {
	return New(ErrCodeLockStale, "writer lock was stale and has been reclaimed", nil).
		WithDetail("lock_path", path).
		WithDetail("stale_pid", itoa(stalePID))
}

// FileVanished reports that a file disappeared between scan and read.
func FileVanished(path string) *OsgrepError {
	return New(ErrCodeFileVanished, "file vanished before it could be read", nil).
		WithDetail("path", path)
}

// FileTooLarge reports that a file exceeded the indexable size cap.
func FileTooLarge(path string, size, limit int64) *OsgrepError {
	return New(ErrCodeFileTooLargeSync, "file exceeds size limit, skipped", nil).
		WithDetail("path", path).
		WithDetail("size", itoa64(size)).
		WithDetail("limit", itoa64(limit))
}

// FileBinary reports that a file was detected as binary and skipped.
func FileBinary(path string) *OsgrepError {
	return New(ErrCodeFileBinary, "file appears to be binary, skipped", nil).
		WithDetail("path", path)
}

// ParseFallback reports that AST parsing failed and a line-window chunker was used instead.
func ParseFallback(path string, cause error) *OsgrepError {
	return New(ErrCodeParseFallback, "parse failed, fell back to line-window chunking", cause).
		WithDetail("path", path)
}

// WorkerRestart reports that an embedding worker was restarted.
func WorkerRestart(workerID string, reason string) *OsgrepError {
	return New(ErrCodeWorkerRestart, "embedding worker restarted", nil).
		WithDetail("worker_id", workerID).
		WithDetail("reason", reason)
}

// NoWorker reports that no embedding worker was available to handle a task.
func NoWorker() *OsgrepError {
	return New(ErrCodeNoWorker, "no embedding worker available", nil)
}

// WorkerTimeout reports that a task exceeded its per-task deadline.
func WorkerTimeout(workerID string, task string) *OsgrepError {
	return New(ErrCodeWorkerTimeout, "embedding worker task timed out", nil).
		WithDetail("worker_id", workerID).
		WithDetail("task", task)
}

// SchemaMismatch reports that stored data does not match the current schema/dimensions.
func SchemaMismatch(expected, got string) *OsgrepError {
	return New(ErrCodeSchemaMismatch, "schema mismatch between stored data and current index", nil).
		WithDetail("expected", expected).
		WithDetail("got", got)
}

// StorageCorruption reports that the storage layer detected inconsistent or unreadable state.
func StorageCorruption(detail string, cause error) *OsgrepError {
	return New(ErrCodeStorageCorrupt, "storage corruption detected: "+detail, cause)
}

// Cancelled reports that an operation was cancelled via context.
func Cancelled(op string) *OsgrepError {
	return New(ErrCodeCancelled, "operation cancelled: "+op, nil)
}

func itoa(n int) string {
	return itoa64(int64(n))
}

func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
