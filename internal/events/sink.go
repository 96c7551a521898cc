package events

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/kandev/acphost/internal/common/logger"
	"github.com/kandev/acphost/internal/events/bus"
)

// SubjectPrefix is the root of every ACP event subject.
const SubjectPrefix = "acp"

// Subject returns the bus subject for an agent event: acp.<agent>.<kind>.
func Subject(agentID string, kind Kind) string {
	return SubjectPrefix + "." + agentID + "." + string(kind)
}

// AllSubjects matches every ACP event on the bus.
const AllSubjects = SubjectPrefix + ".>"

// BusSink publishes events for one agent onto the event bus. Publish
// failures are logged and dropped.
type BusSink struct {
	bus     bus.EventBus
	agentID string
	logger  *logger.Logger
}

// NewBusSink returns a sink publishing under acp.<agentID>.
func NewBusSink(b bus.EventBus, agentID string, log *logger.Logger) *BusSink {
	return &BusSink{
		bus:     b,
		agentID: agentID,
		logger:  logger.Or(log).WithFields(zap.String("component", "event-sink"), zap.String("agent_id", agentID)),
	}
}

// Emit implements Sink.
func (s *BusSink) Emit(kind Kind, payload any) {
	data, err := toData(payload)
	if err != nil {
		s.logger.Warn("dropping event with unencodable payload", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	data["agentId"] = s.agentID
	event := bus.NewEvent(string(kind), "acp/"+s.agentID, data)
	if err := s.bus.Publish(context.Background(), Subject(s.agentID, kind), event); err != nil {
		s.logger.Warn("failed to publish event", zap.String("kind", string(kind)), zap.Error(err))
	}
}

func toData(payload any) (map[string]interface{}, error) {
	if payload == nil {
		return map[string]interface{}{}, nil
	}
	if m, ok := payload.(map[string]interface{}); ok {
		out := make(map[string]interface{}, len(m)+1)
		for k, v := range m {
			out[k] = v
		}
		return out, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		// Non-object payloads are wrapped.
		var v interface{}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return map[string]interface{}{"value": v}, nil
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}
