package reports

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/vitos/trade_copy_bridge/internal/domain"
)

// ExecutionReport is the JSON value published for every terminal instruction.
type ExecutionReport struct {
	InstructionID   string                   `json:"instructionId"`
	MappingID       string                   `json:"mappingId"`
	MasterTradeID   string                   `json:"masterTradeId"`
	TargetAccountID string                   `json:"targetAccountId"`
	Action          domain.Action            `json:"action"`
	Symbol          string                   `json:"symbol"`
	LotSize         float64                  `json:"lotSize"`
	Status          domain.InstructionStatus `json:"status"`
	Attempts        int                      `json:"attempts"`
	ResultTradeID   string                   `json:"resultTradeId,omitempty"`
	ExecutedPrice   float64                  `json:"executedPrice,omitempty"`
	SlippagePoints  float64                  `json:"slippagePoints,omitempty"`
	LatencyMs       int64                    `json:"latencyMs"`
	Error           string                   `json:"error,omitempty"`
	ReportedAt      time.Time                `json:"reportedAt"`
}

func NewExecutionReport(in *domain.CopyInstruction) ExecutionReport {
	return ExecutionReport{
		InstructionID:   in.ID,
		MappingID:       in.MappingID,
		MasterTradeID:   in.MasterTradeID,
		TargetAccountID: in.TargetAccountID,
		Action:          in.Action,
		Symbol:          in.Symbol,
		LotSize:         in.ScaledLotSize,
		Status:          in.Status,
		Attempts:        in.Attempts,
		ResultTradeID:   in.ResultTradeID,
		ExecutedPrice:   in.ExecutedPrice,
		SlippagePoints:  in.SlippagePoints,
		LatencyMs:       in.LatencyMs,
		Error:           in.ErrorMessage,
		ReportedAt:      time.Now().UTC(),
	}
}

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaReporter publishes execution reports keyed by target account, so all
// reports of one slave land on the same partition.
type KafkaReporter struct {
	writer messageWriter
	Topic  string
}

func NewKafkaReporter(brokers []string, topic string) *KafkaReporter {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}
	return &KafkaReporter{writer: writer, Topic: topic}
}

func (r *KafkaReporter) Report(ctx context.Context, in *domain.CopyInstruction) error {
	value, err := json.Marshal(NewExecutionReport(in))
	if err != nil {
		return fmt.Errorf("marshal execution report: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(in.TargetAccountID),
		Value: value,
	}
	if err := r.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (r *KafkaReporter) Close() error {
	return r.writer.Close()
}

// NopReporter drops reports. Used when no brokers are configured.
type NopReporter struct{}

func (NopReporter) Report(context.Context, *domain.CopyInstruction) error { return nil }
func (NopReporter) Close() error                                         { return nil }
