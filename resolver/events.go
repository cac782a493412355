package resolver

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"golang.org/x/exp/slog"

	"github.com/pocketpay/spendflow/resolver/models"
)

// SubjectResolutions is the subject resolution events are published on.
const SubjectResolutions = "spendflow.resolutions"

// Notifier delivers resolution results to subscribers. Delivery is
// fire-and-forget from the resolver's point of view; retries and delivery
// guarantees belong to the notification system, which is why resolver side
// effects are keyed on the transaction ID.
type Notifier interface {
	ResolutionCompleted(ctx context.Context, res *models.Resolution)
}

// NATSNotifier publishes resolution events as JSON to NATS. Publish failures
// are logged and swallowed; they never fail an authorization.
type NATSNotifier struct {
	conn   *nats.Conn
	logger *slog.Logger
}

func NewNATSNotifier(url string, logger *slog.Logger) (*NATSNotifier, error) {
	conn, err := nats.Connect(url,
		nats.Name("spendflow"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, err
	}
	return &NATSNotifier{conn: conn, logger: logger}, nil
}

func (n *NATSNotifier) ResolutionCompleted(_ context.Context, res *models.Resolution) {
	payload, err := json.Marshal(res)
	if err != nil {
		n.logger.Error("encoding resolution event", "err", err)
		return
	}
	if err := n.conn.Publish(SubjectResolutions, payload); err != nil {
		n.logger.Error("publishing resolution event",
			slog.String("transaction_id", res.TransactionID), slog.Any("err", err))
	}
}

func (n *NATSNotifier) Close() {
	n.conn.Close()
}

// NopNotifier drops events; used when no event stream is configured.
type NopNotifier struct{}

func (NopNotifier) ResolutionCompleted(context.Context, *models.Resolution) {}
