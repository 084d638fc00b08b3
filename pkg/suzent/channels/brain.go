package channels

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/suzent/suzent/pkg/suzent/agent"
	"github.com/suzent/suzent/pkg/suzent/apierr"
	"github.com/suzent/suzent/pkg/suzent/streaming"
)

// TurnProcessor is the slice of the turn processor the brain needs.
type TurnProcessor interface {
	ProcessTurn(ctx context.Context, req agent.TurnRequest) (string, <-chan streaming.Event, error)
}

// Brain is the single consumer of the shared inbound queue. One message
// is processed at a time, in arrival order across all platforms.
type Brain struct {
	channels *Manager
	proc     TurnProcessor
	logger   *slog.Logger
}

// NewBrain wires the consumer.
func NewBrain(channels *Manager, proc TurnProcessor, logger *slog.Logger) *Brain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Brain{
		channels: channels,
		proc:     proc,
		logger:   logger.With("component", "brain"),
	}
}

// Run consumes inbound messages until the context is cancelled.
func (b *Brain) Run(ctx context.Context) {
	for {
		select {
		case msg := <-b.channels.Inbound():
			b.Handle(ctx, msg)
		case <-ctx.Done():
			return
		}
	}
}

// Handle processes one inbound message: authorization, chat mapping,
// agent turn, and reply delivery.
func (b *Brain) Handle(ctx context.Context, msg UnifiedMessage) {
	if !b.channels.authorized(msg) {
		b.logger.Warn("unauthorized sender ignored", "platform", msg.Platform, "sender", msg.SenderID)
		return
	}
	chatID := ChatIDFor(msg)
	req := agent.TurnRequest{
		ChatID:  chatID,
		Message: Envelope(msg),
		ConfigOverride: map[string]any{
			"_social": map[string]any{
				"platform":    msg.Platform,
				"target":      msg.Target(),
				"sender_name": msg.SenderName,
			},
		},
	}
	for i, img := range msg.Images {
		req.Files = append(req.Files, agent.Attachment{
			Name: fmt.Sprintf("image_%d.png", i+1),
			Data: img,
		})
	}

	_, ch, err := b.proc.ProcessTurn(ctx, req)
	if err != nil {
		if apierr.CodeOf(err) == apierr.CodeConflict {
			b.reply(ctx, msg, "Still working on your previous message, one moment.")
			return
		}
		b.logger.Error("social turn failed to start", "chat_id", chatID, "error", err)
		b.reply(ctx, msg, "Something went wrong handling your message.")
		return
	}

	var final, errMsg string
	for ev := range ch {
		data, _ := ev.Data.(map[string]string)
		switch ev.Type {
		case streaming.EventFinalAnswer:
			final = data["output"]
		case streaming.EventError:
			errMsg = data["message"]
		}
	}
	switch {
	case errMsg != "":
		b.logger.Error("social turn failed", "chat_id", chatID, "error", errMsg)
		b.reply(ctx, msg, "Something went wrong handling your message.")
	case final != "":
		b.reply(ctx, msg, final)
	}
}

func (b *Brain) reply(ctx context.Context, msg UnifiedMessage, text string) {
	if err := b.channels.SendMessage(ctx, msg.Platform, msg.Target(), text); err != nil {
		b.logger.Error("reply delivery failed", "platform", msg.Platform, "target", msg.Target(), "error", err)
	}
}
