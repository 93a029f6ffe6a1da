package config

import "fmt"

// TelegramConfig holds the notification bot configuration.
type TelegramConfig struct {
	BotToken string  `json:"bot_token"`
	ChatIDs  []int64 `json:"chat_ids"`
}

// LoadTelegramConfig builds a TelegramConfig from the server config.
// Returns an error when no bot token is configured anywhere.
func LoadTelegramConfig(c Config) (TelegramConfig, error) {
	token := c.ResolveTelegramToken()
	if token == "" {
		return TelegramConfig{}, fmt.Errorf("telegram bot token not set: set TELEGRAM_BOT_TOKEN or telegram_bot_token in config.json")
	}
	if len(c.TelegramChatIDs) == 0 {
		return TelegramConfig{}, fmt.Errorf("telegram_chat_ids not set: notifications need at least one chat id")
	}
	return TelegramConfig{
		BotToken: token,
		ChatIDs:  c.TelegramChatIDs,
	}, nil
}
