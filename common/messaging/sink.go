package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/tasklineio/jobrunner-http-service/common/job"
)

// Constants for NATS subjects. Per-kind progress subjects let consumers
// subscribe to one workflow without filtering.
const (
	SubjectProgressPrefix = "jobs.progress"
	SubjectTerminal       = "jobs.terminal"
)

// ProgressSubject returns the subject carrying progress for one job kind.
func ProgressSubject(kind job.Kind) string {
	return fmt.Sprintf("%s.%s", SubjectProgressPrefix, kind)
}

// NatsSink forwards delivered progress events to NATS. It implements
// job.Sink; publishes are fire-and-forget so the emitting worker never
// blocks on the broker.
type NatsSink struct {
	broker *NatsBroker
}

// NewNatsSink wraps a broker as a progress sink.
func NewNatsSink(broker *NatsBroker) *NatsSink {
	return &NatsSink{broker: broker}
}

// Deliver publishes the event to the kind's progress subject and, for
// terminal events, to the shared terminal subject as well.
func (s *NatsSink) Deliver(ev job.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Warn().Err(err).Str("jobID", ev.JobID).Msg("failed to marshal progress event")
		return
	}

	if err := s.broker.Publish(ProgressSubject(ev.Snapshot.Kind), data); err != nil {
		log.Warn().Err(err).Str("jobID", ev.JobID).Msg("failed to publish progress event")
	}
	if ev.Snapshot.State.Terminal() {
		if err := s.broker.Publish(SubjectTerminal, data); err != nil {
			log.Warn().Err(err).Str("jobID", ev.JobID).Msg("failed to publish terminal event")
		}
	}
}
