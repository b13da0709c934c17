// Package telegram ingests whitelisted chat messages and answers the query
// commands over Telegram long polling.
package telegram

import (
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot is the subset of the Telegram Bot API the service uses.
type Bot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetSelf() tgbotapi.User
}

// BotFactory creates Bot instances.
type BotFactory func(token, apiEndpoint string, client *http.Client) (Bot, error)

type botAPI struct {
	bot *tgbotapi.BotAPI
}

func (w *botAPI) GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return w.bot.GetUpdatesChan(config)
}

func (w *botAPI) StopReceivingUpdates() {
	w.bot.StopReceivingUpdates()
}

func (w *botAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	return w.bot.Send(c)
}

func (w *botAPI) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// NewBotAPI connects to the Telegram Bot API.
func NewBotAPI(token, apiEndpoint string, client *http.Client) (Bot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &botAPI{bot: bot}, nil
}
