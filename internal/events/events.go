// Package events fans ledger operation logs out to observers. The zap
// adapter gives structured operational logging and the NATS publisher lets
// other services react to credit movements.
package events

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/philomenia/tokenledger/pkg/ledger"
)

// SubjectPrefix is prepended to the operation name to form the NATS subject,
// e.g. "tokenledger.operations.settle".
const SubjectPrefix = "tokenledger.operations."

// ZapLogger logs every ledger operation through a zap logger.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps the given zap logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (adapter *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation.String()),
		zap.String("identity", entry.Identity.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.Handle != nil {
		fields = append(fields, zap.String("reservation_id", entry.Handle.ReservationID))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		adapter.logger.Warn("ledger operation failed", fields...)
		return
	}
	adapter.logger.Info("ledger operation", fields...)
}

// Bus is the publish surface the NATS logger needs. *nats.Conn satisfies it.
type Bus interface {
	Publish(subject string, data []byte) error
}

var _ Bus = (*nats.Conn)(nil)

// operationEvent is the wire form published for each successful operation.
type operationEvent struct {
	Operation     string `json:"operation"`
	Identity      string `json:"identity"`
	Amount        int64  `json:"amount"`
	ReservationID string `json:"reservation_id,omitempty"`
	Metadata      string `json:"metadata,omitempty"`
}

// NATSLogger publishes successful operations to a NATS subject per operation.
type NATSLogger struct {
	bus     Bus
	onError func(error)
}

// NewNATSLogger returns a logger publishing through the given bus. onError
// receives publish failures and may be nil.
func NewNATSLogger(bus Bus, onError func(error)) *NATSLogger {
	return &NATSLogger{bus: bus, onError: onError}
}

// LogOperation implements ledger.OperationLogger. Failed operations are not
// published; they carry no durable state change for subscribers to act on.
func (publisher *NATSLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	if entry.Error != nil {
		return
	}
	event := operationEvent{
		Operation: entry.Operation.String(),
		Identity:  entry.Identity.String(),
		Amount:    entry.Amount.Int64(),
		Metadata:  entry.Metadata.String(),
	}
	if entry.Handle != nil {
		event.ReservationID = entry.Handle.ReservationID
	}
	payload, err := json.Marshal(event)
	if err != nil {
		publisher.reportError(err)
		return
	}
	if err := publisher.bus.Publish(SubjectPrefix+event.Operation, payload); err != nil {
		publisher.reportError(err)
	}
}

func (publisher *NATSLogger) reportError(err error) {
	if publisher.onError != nil {
		publisher.onError(err)
	}
}

// Fanout forwards each operation log to every member logger.
type Fanout []ledger.OperationLogger

// LogOperation implements ledger.OperationLogger.
func (loggers Fanout) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
