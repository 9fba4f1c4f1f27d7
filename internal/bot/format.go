// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package bot

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.itsfan.me/site/internal/moments"
	"go.itsfan.me/site/internal/telegram"
)

const (
	msgUnauthorized    = "Access denied. Only authorised users can use this bot."
	msgGeneralError    = "Something went wrong. Please try again later."
	msgUnsupported     = "Unsupported message type. Use commands. See /start for help."
	msgUnknownCommand  = "Unknown command. See /start for help."
	msgBusy            = "Finish the current operation or use /cancel first."
	msgStillProcessing = "Still processing the previous message, please wait."

	helpText = "**Commands**\n\n" +
		"- `/publish` - create a new moment\n" +
		"- `/edit <id>` - edit a moment\n" +
		"- `/delete <id>` - delete a moment\n" +
		"- `/moments [tag]` - list moments\n" +
		"- `/cancel` - abort the current operation\n"
)

// Callback data.
const (
	confirmCreate = "confirm_create"
	cancelCreate  = "cancel_create"
	confirmEdit   = "confirm_edit"
	cancelEdit    = "cancel_edit"
	loadMore      = "more"
	retryLoad     = "retry"
)

const (
	timeFormat    = "2006-01-02 15:04:05"
	previewLength = 100
)

func notFound(id string) string {
	return fmt.Sprintf("Moment with id %q was not found.", id)
}

func usage(cmd, example string) string {
	return strings.Join([]string{
		"Moment id is required.",
		"Usage: /" + cmd + " <id>",
		"Example: /" + cmd + " " + example,
	}, "\n")
}

func (b *Bot) formatTime(t time.Time) string {
	return t.In(b.loc).Format(timeFormat)
}

func (b *Bot) formatMomentDetails(m moments.Moment) string {
	content := strings.TrimSpace(m.Content)
	if content == "" {
		content = "(empty)"
	}
	return strings.Join([]string{
		"Moment Overview",
		"---------------",
		"ID: " + m.ID,
		"",
		"Content:",
		content,
		"",
		fmt.Sprintf("Images: %d", len(m.Images)),
		"Tags: " + joinTags(m.Tags),
		"Created: " + b.formatTime(m.CreatedAt),
		"Updated: " + b.formatTime(m.UpdatedAt),
	}, "\n")
}

func formatDeleteConfirmation(m moments.Moment) string {
	return strings.Join([]string{
		"Confirm delete",
		"",
		"ID: " + m.ID,
		"Content: " + truncate(m.Content, previewLength),
		fmt.Sprintf("Images: %d", len(m.Images)),
		"Tags: " + joinTags(m.Tags),
		"",
		"This action cannot be undone.",
	}, "\n")
}

func (b *Bot) formatListEntry(m moments.Moment) string {
	entry := b.formatTime(m.CreatedAt) + "  " + m.ID + "\n" + truncate(m.Content, previewLength)
	if len(m.Tags) > 0 {
		entry += "\nTags: " + joinTags(m.Tags)
	}
	return entry
}

func joinTags(tags []string) string {
	if len(tags) == 0 {
		return "None"
	}
	return strings.Join(tags, ", ")
}

// truncate cuts s to n characters, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func actionsKeyboard(id string) *telegram.InlineKeyboardMarkup {
	return telegram.Row(
		telegram.Button("Edit", "edit_"+id),
		telegram.Button("Delete", "delete_"+id),
	)
}

func deleteKeyboard(id string) *telegram.InlineKeyboardMarkup {
	return telegram.Row(
		telegram.Button("Confirm delete", "confirm_delete_"+id),
		telegram.Button("Cancel", "cancel_delete"),
	)
}
