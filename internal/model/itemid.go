package model

import "strconv"

// itemIDFormat builds the "{chat_id}_{message_id}" item key, the
// deterministic identity of a download item.
func itemIDFormat(chatID, messageID int64) string {
	return strconv.FormatInt(chatID, 10) + "_" + strconv.FormatInt(messageID, 10)
}

// FileNamePrefix returns the "{message_id}-{|chat_id|}-" prefix every
// deterministically-named exported file begins with. It is distinct
// from the item id (chat-id-first, underscore-joined): this is the
// on-disk naming contract, used both to build a file's final name and
// to match partial files back to the item that owns them.
func FileNamePrefix(chatID, messageID int64) string {
	abs := chatID
	if abs < 0 {
		abs = -abs
	}
	return strconv.FormatInt(messageID, 10) + "-" + strconv.FormatInt(abs, 10) + "-"
}
