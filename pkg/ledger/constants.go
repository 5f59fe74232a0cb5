package ledger

const (
	operationStatusOK    = "ok"
	operationStatusError = "error"

	errorOperationService = "service"
	errorSubjectAccount   = "account"
	errorSubjectHandle    = "reservation"
	errorCodeContention   = "contention"
	errorCodeConsumed     = "consumed"

	maxUpdateAttempts = 16

	defaultSweepBatchSize = 100
)
