package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"taskmill/internal/domain"
)

// slackSafeLimit stays under Slack's 4000-character message cap with margin
// for markdown expansion.
const slackSafeLimit = 3800

// slackPoster is the slice of the Slack API the handler needs. Satisfied by
// *slack.Client.
type slackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackHandler delivers run results to a Slack channel, splitting long
// results into labeled chunks threaded under the first message.
type SlackHandler struct {
	api     slackPoster
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewSlackHandler creates a Slack delivery handler using a bot token.
func NewSlackHandler(botToken string, logger *slog.Logger) *SlackHandler {
	return &SlackHandler{
		api:     slack.New(botToken),
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (h *SlackHandler) Method() domain.DeliveryMethod { return domain.DeliverSlack }

func (h *SlackHandler) Deliver(ctx context.Context, cfg domain.DeliveryConfig, p domain.DeliveryPayload) error {
	if cfg.Channel == "" {
		return domain.NewDomainError("delivery.slack", domain.ErrInvalidInput, "missing channel")
	}

	chunks := chunkMessage(renderText(p), slackSafeLimit)

	var threadTS string
	for i, chunk := range chunks {
		if err := h.limiter.Wait(ctx); err != nil {
			return domain.WrapOp("delivery.slack", err)
		}

		opts := []slack.MsgOption{slack.MsgOptionText(chunk, false)}
		if threadTS != "" {
			opts = append(opts, slack.MsgOptionTS(threadTS))
		}

		_, ts, err := h.api.PostMessageContext(ctx, cfg.Channel, opts...)
		if err != nil {
			return domain.WrapOp("delivery.slack", err)
		}
		if i == 0 {
			threadTS = ts
		}
	}

	h.logger.Debug("slack delivery complete", "run_id", p.RunID, "channel", cfg.Channel, "chunks", len(chunks))
	return nil
}
