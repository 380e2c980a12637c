package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"taskmill/internal/domain"
)

// discordLimit is Discord's hard 2000-character message cap.
const discordLimit = 2000

// discordSender is the slice of the Discord API the handler needs.
// Satisfied by *discordgo.Session.
type discordSender interface {
	ChannelMessageSend(channelID string, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID string, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// DiscordHandler delivers run results to a Discord channel, splitting long
// results into labeled chunks sent as replies to the first message.
type DiscordHandler struct {
	session discordSender
	logger  *slog.Logger
	limiter *rate.Limiter
}

// NewDiscordHandler creates a Discord delivery handler from an open bot
// session. The caller owns the session lifecycle.
func NewDiscordHandler(session *discordgo.Session, logger *slog.Logger) *DiscordHandler {
	return &DiscordHandler{
		session: session,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

func (h *DiscordHandler) Method() domain.DeliveryMethod { return domain.DeliverDiscord }

func (h *DiscordHandler) Deliver(ctx context.Context, cfg domain.DeliveryConfig, p domain.DeliveryPayload) error {
	if cfg.Channel == "" {
		return domain.NewDomainError("delivery.discord", domain.ErrInvalidInput, "missing channel")
	}

	chunks := chunkMessage(renderText(p), discordLimit)

	var firstID string
	for i, chunk := range chunks {
		if err := h.limiter.Wait(ctx); err != nil {
			return domain.WrapOp("delivery.discord", err)
		}

		var (
			msg *discordgo.Message
			err error
		)
		if firstID == "" {
			msg, err = h.session.ChannelMessageSend(cfg.Channel, chunk, discordgo.WithContext(ctx))
		} else {
			ref := &discordgo.MessageReference{MessageID: firstID, ChannelID: cfg.Channel}
			msg, err = h.session.ChannelMessageSendReply(cfg.Channel, chunk, ref, discordgo.WithContext(ctx))
		}
		if err != nil {
			return domain.WrapOp("delivery.discord", err)
		}
		if i == 0 && msg != nil {
			firstID = msg.ID
		}
	}

	h.logger.Debug("discord delivery complete", "run_id", p.RunID, "channel", cfg.Channel, "chunks", len(chunks))
	return nil
}
