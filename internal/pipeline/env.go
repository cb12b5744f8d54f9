// internal/pipeline/env.go
//
// Environment contract between the daemon and the worker processes it
// spawns. Workers read these before touching the data directory.

package pipeline

const (
	// EnvDataDir points a worker at the pipeline data directory.
	EnvDataDir = "KILN_DATA_DIR"

	// EnvStartFromTask makes a worker begin at the named task instead of
	// the first one. The completed-predecessor check is waived for that
	// entry point only.
	EnvStartFromTask = "KILN_START_FROM_TASK"

	// EnvSingleTask, set to "1" alongside EnvStartFromTask, stops the
	// worker after the starting task instead of continuing down the list.
	EnvSingleTask = "KILN_SINGLE_TASK"
)

// FileWorkerLog is the per-job capture of a worker's stdout and stderr,
// written next to the job's seed and status files.
const FileWorkerLog = "worker.log"
