package telegram

import "github.com/go-telegram/bot/models"

// MainKeyboard returns the admin menu keyboard
func MainKeyboard() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "📊 Stats", CallbackData: "stats"},
			},
			{
				{Text: "🧹 Sweep all", CallbackData: "sweep_all"},
				{Text: "🎯 Sweep one", CallbackData: "sweep_one"},
			},
		},
	}
}

// BackKeyboard returns a simple back button
func BackKeyboard() *models.InlineKeyboardMarkup {
	return &models.InlineKeyboardMarkup{
		InlineKeyboard: [][]models.InlineKeyboardButton{
			{
				{Text: "⬅️ Back", CallbackData: "back"},
			},
		},
	}
}
