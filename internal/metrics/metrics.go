package metrics

import "sync/atomic"

var (
	jobsSucceeded    int64
	jobsFailed       int64
	importsSucceeded int64
	importsFailed    int64
	recordsWritten   int64
	homeworkWritten  int64
	entriesSkipped   int64
	agendaSuppressed int64
	syncsSucceeded   int64
	syncsFailed      int64
)

func IncSucceeded() { atomic.AddInt64(&jobsSucceeded, 1) }
func IncFailed()    { atomic.AddInt64(&jobsFailed, 1) }

// ObserveImport records one import outcome and its write counts.
func ObserveImport(ok bool, records, homework int64, skipped int) {
	if ok {
		atomic.AddInt64(&importsSucceeded, 1)
	} else {
		atomic.AddInt64(&importsFailed, 1)
	}
	atomic.AddInt64(&recordsWritten, records)
	atomic.AddInt64(&homeworkWritten, homework)
	atomic.AddInt64(&entriesSkipped, int64(skipped))
}

func AddSuppressed(n int) { atomic.AddInt64(&agendaSuppressed, int64(n)) }

func ObserveSync(ok bool) {
	if ok {
		atomic.AddInt64(&syncsSucceeded, 1)
		return
	}
	atomic.AddInt64(&syncsFailed, 1)
}

func Snapshot() map[string]int64 {
	return map[string]int64{
		"jobs_succeeded":      atomic.LoadInt64(&jobsSucceeded),
		"jobs_failed":         atomic.LoadInt64(&jobsFailed),
		"imports_succeeded":   atomic.LoadInt64(&importsSucceeded),
		"imports_failed":      atomic.LoadInt64(&importsFailed),
		"records_written":     atomic.LoadInt64(&recordsWritten),
		"homework_written":    atomic.LoadInt64(&homeworkWritten),
		"entries_skipped":     atomic.LoadInt64(&entriesSkipped),
		"agenda_suppressed":   atomic.LoadInt64(&agendaSuppressed),
		"mailbox_syncs_ok":    atomic.LoadInt64(&syncsSucceeded),
		"mailbox_syncs_error": atomic.LoadInt64(&syncsFailed),
	}
}
