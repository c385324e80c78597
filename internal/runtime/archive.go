package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-interview/internal/bus"
	"github.com/loqalabs/loqa-interview/internal/eventstore"
	"github.com/loqalabs/loqa-interview/internal/interview"
	"github.com/loqalabs/loqa-interview/internal/protocol"
	"github.com/nats-io/nats.go"
)

const archiveWriteTimeout = 5 * time.Second

// archive records what candidate sessions publish on the bus: each analysis
// request carries a committed answer, and status messages form the mic and
// call timeline.
type archive struct {
	store *eventstore.Store
	log   *slog.Logger
	subs  []*nats.Subscription
}

func startArchive(busClient *bus.Client, store *eventstore.Store, logger *slog.Logger) (*archive, error) {
	a := &archive{store: store, log: logger.With(slog.String("component", "archive"))}
	answers, err := bus.SubscribeJSON(busClient, protocol.SubjectAnalysisRequest, a.handleAnswer)
	if err != nil {
		return nil, err
	}
	a.subs = append(a.subs, answers)
	statuses, err := bus.SubscribeJSON(busClient, protocol.SubjectSessionStatus, a.handleStatus)
	if err != nil {
		a.close()
		return nil, err
	}
	a.subs = append(a.subs, statuses)
	return a, nil
}

func (a *archive) handleAnswer(req protocol.AnalysisRequest, _ *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()
	turn := interview.Turn{
		Index:       req.TurnIndex,
		Question:    req.Question,
		Text:        req.Answer,
		Advanced:    true,
		CommittedAt: req.Timestamp,
	}
	if err := a.store.RecordTurn(ctx, req.SessionID, turn); err != nil {
		a.log.Warn("failed to archive turn", slog.String("session_id", req.SessionID), slogError(err))
	}
}

func (a *archive) handleStatus(status protocol.SessionStatus, _ *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), archiveWriteTimeout)
	defer cancel()
	if err := a.store.RecordStatus(ctx, status); err != nil {
		a.log.Warn("failed to archive status", slog.String("session_id", status.SessionID), slogError(err))
		return
	}
	if status.Finalized {
		if err := a.store.FinalizeSession(ctx, status.SessionID); err != nil {
			a.log.Warn("failed to finalize session", slogError(err))
		}
	}
}

func (a *archive) close() {
	for _, sub := range a.subs {
		_ = sub.Drain()
	}
	a.subs = nil
}
