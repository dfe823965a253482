package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/openstack-archive/powervc-driver-sub000/internal/models"
	"github.com/openstack-archive/powervc-driver-sub000/internal/repository"
)

// Envelope is a bus message as the control planes emit it.
type Envelope struct {
	EventType string          `json:"event_type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// idKeys are the payload keys that may carry the resource id, by preference.
var idKeys = []string{"id", "instance_id", "image_id", "volume_id", "volume_type_id", "network_id", "subnet_id", "port_id"}

// Decode turns a bus message into a notification. ok is false for event
// types the synchronizer does not handle. A payload that carries updated_at
// is taken as a full body; any other payload only yields the id.
func Decode(data []byte) (n repository.Notification, ok bool, err error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return n, false, fmt.Errorf("decode envelope: %w", err)
	}
	kind, action, known := repository.Classify(env.EventType)
	if !known {
		return n, false, nil
	}
	n = repository.Notification{EventType: env.EventType, Kind: kind, Action: action, Timestamp: env.Timestamp}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return n, false, fmt.Errorf("decode %s payload: %w", env.EventType, err)
	}
	for _, k := range idKeys {
		raw, present := fields[k]
		if !present {
			continue
		}
		var id string
		if json.Unmarshal(raw, &id) == nil && id != "" {
			n.ResourceID = id
			break
		}
	}
	if n.ResourceID == "" {
		return n, false, fmt.Errorf("%s payload carries no resource id", env.EventType)
	}
	if _, full := fields["updated_at"]; full && action != repository.ActionDelete {
		res, err := models.New(kind)
		if err != nil {
			return n, false, err
		}
		if err := json.Unmarshal(env.Payload, res); err == nil && res.Base().ID == n.ResourceID {
			n.Resource = res
		}
	}
	return n, true, nil
}

// Subscriber delivers the notifications of one control plane. It implements
// repository.Notifier.
type Subscriber struct {
	nc      *nats.Conn
	subject string
	log     *zap.Logger
}

func NewSubscriber(nc *nats.Conn, subject string, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{nc: nc, subject: subject, log: log.With(zap.String("subject", subject))}
}

func (s *Subscriber) Subscribe(_ context.Context, topics []string, h repository.Handler) (repository.Subscription, error) {
	sub, err := s.nc.Subscribe(s.subject, s.handler(topics, h))
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	return sub, nil
}

func (s *Subscriber) handler(topics []string, h repository.Handler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		n, ok, err := Decode(msg.Data)
		if err != nil {
			s.log.Warn("undecodable notification dropped", zap.Error(err))
			return
		}
		if !ok || !repository.MatchTopic(topics, n.EventType) {
			return
		}
		h(n)
	}
}
