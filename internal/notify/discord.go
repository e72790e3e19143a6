package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"

	"github.com/rakunlabs/coreserver/internal/config"
)

type discordSink struct {
	cfg config.DiscordConfig
}

func newDiscordSink(cfg config.DiscordConfig) *discordSink {
	return &discordSink{cfg: cfg}
}

func (s *discordSink) Send(ctx context.Context, n Notification) error {
	session, err := discordgo.New("Bot " + s.cfg.BotToken)
	if err != nil {
		return fmt.Errorf("notify: discord session: %w", err)
	}
	defer session.Close()

	_, err = session.ChannelMessageSend(s.cfg.ChannelID, formatChatMessage(n))
	return err
}

func formatChatMessage(n Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**: %s", n.Event, n.Summary)
	for k, v := range n.Fields {
		fmt.Fprintf(&b, "\n%s: %s", k, v)
	}
	return b.String()
}
