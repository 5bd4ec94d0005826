package main

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// discordNotifier posts a message when the leaderboard gets a new leader.
// Entirely optional: without a bot token it stays nil and every call is a
// no-op. Sending uses plain REST, no gateway connection is opened.
type discordNotifier struct {
	dg        *discordgo.Session
	channelID string
}

func newDiscordNotifier(token, channelID string) (*discordNotifier, error) {
	token = strings.TrimSpace(token)
	channelID = strings.TrimSpace(channelID)
	if token == "" || channelID == "" {
		return nil, nil
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return &discordNotifier{dg: dg, channelID: channelID}, nil
}

func (n *discordNotifier) announceLeader(name string, spins uint64) {
	if n == nil || n.dg == nil {
		return
	}
	msg := fmt.Sprintf("New spin leader: **%s** with %d spins", name, spins)
	if _, err := n.dg.ChannelMessageSendComplex(n.channelID, &discordgo.MessageSend{
		Content:         msg,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}); err != nil {
		logger.Warn("discord leader announcement failed", "error", err)
	}
}
