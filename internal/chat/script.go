package chat

import (
	"fmt"
	"time"

	"github.com/jason-s-yu/escaperoom/internal/models"
)

// Clue is a hint the hacker drops after the team has spent Delay in Phase.
type Clue struct {
	Phase models.Phase
	Delay time.Duration
	Text  string
}

// Key names the one-shot flag guarding this clue, relative to the lobby root.
func (c Clue) Key(index int) string {
	return fmt.Sprintf("hackerClues/%d-%d", int(c.Phase), index)
}

// Script is the hacker's scripted dialogue.
type Script struct {
	FirstMessage    string
	DesktopTaunt    string
	FirewallFile    string
	FirewallContent string
	Clues           []Clue
}

// DefaultScript is the dialogue of the TOMAX scenario.
func DefaultScript() Script {
	return Script{
		FirstMessage: "Nice try.\n\nDid you really think the front door would just open for you? " +
			"The credentials are closer than you think. People always leave traces behind.",
		DesktopTaunt: "Well well… you finally made it in\n\n" +
			"Took you long enough. I was starting to think the whole team was just a group of overpaid coffee addicts with fancy job titles\n\n" +
			"But hey, congrats – you've managed to log in. Cute\n\n" +
			"Don't get too excited though. You're still playing in my system\n\n" +
			"The bomb is armed, the clock is ticking, and every second you waste brings your precious data closer to oblivion\n\n" +
			"Let's see if your \"rockstar team\" can actually do something for once\n\n" +
			"Tick tock",
		FirewallFile:    "founding_year.enc",
		FirewallContent: "TOMAX was founded the same year the legacy admin account was created.",
		Clues: []Clue{
			{
				Phase: models.PhaseLogin,
				Delay: 5 * time.Minute,
				Text:  "Did you find the welcome_admin.txt file? Try accessing it directly in your browser by adding it to the end of the URL.",
			},
			{
				Phase: models.PhaseDesktop,
				Delay: 30 * time.Second,
				Text:  "Binary, Base64, ROT13... different layers of encoding for different layers of security. Decrypt them all to proceed.",
			},
		},
	}
}

// First returns the message posted after the first failed login.
func (s Script) First() models.ChatMessage {
	return models.ChatMessage{Sender: models.SenderHacker, Text: s.FirstMessage, IsFirstMessage: true}
}

// Taunt returns the message posted once the team reaches the desktop.
func (s Script) Taunt() models.ChatMessage {
	return models.ChatMessage{Sender: models.SenderHacker, Text: s.DesktopTaunt}
}

// FirewallDrop returns the file message the hacker leaks when the firewall falls.
func (s Script) FirewallDrop() models.ChatMessage {
	return models.ChatMessage{
		Sender:           models.SenderHacker,
		Text:             fmt.Sprintf("[File: %s] You think that wall was stopping me? Here, have a souvenir.", s.FirewallFile),
		IsFile:           true,
		FileName:         s.FirewallFile,
		DecryptedContent: s.FirewallContent,
	}
}

// ClueMessage wraps a clue as a chat message.
func ClueMessage(c Clue) models.ChatMessage {
	return models.ChatMessage{Sender: models.SenderHacker, Text: c.Text}
}
