package notifier

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/novamd/bridge-server-go/internal/util"
)

const (
	telegramUserPrefix = "tg:"
	qrImageSize        = 512
)

// BotClient is the subset of *bot.Bot used for notifications.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	SendPhoto(ctx context.Context, params *bot.SendPhotoParams) (*models.Message, error)
}

// Telegram delivers notifications straight to users whose id is a Telegram chat id.
type Telegram struct {
	client      BotClient
	qrMinutes   int
	pairMinutes int
}

func NewTelegram(token string, qrMinutes, pairMinutes int) (*Telegram, error) {
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return NewTelegramWithClient(b, qrMinutes, pairMinutes), nil
}

func NewTelegramWithClient(client BotClient, qrMinutes, pairMinutes int) *Telegram {
	return &Telegram{client: client, qrMinutes: qrMinutes, pairMinutes: pairMinutes}
}

// ChatID extracts the Telegram chat id from "tg:<id>" or a bare numeric id.
func ChatID(userID string) (int64, bool) {
	id := strings.TrimPrefix(userID, telegramUserPrefix)
	chatID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, false
	}
	return chatID, true
}

func (t *Telegram) SendMessage(ctx context.Context, userID, text string) bool {
	chatID, ok := ChatID(userID)
	if !ok {
		return false
	}
	if _, err := t.client.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: text}); err != nil {
		log.Warn().Err(err).Str("userId", userID).Msg("telegram send message failed")
		return false
	}
	return true
}

// SendQRCode renders the code as a PNG and falls back to the raw text when
// rendering or uploading fails.
func (t *Telegram) SendQRCode(ctx context.Context, userID, code, sessionID string) bool {
	chatID, ok := ChatID(userID)
	if !ok {
		return false
	}

	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err == nil {
		_, err = t.client.SendPhoto(ctx, &bot.SendPhotoParams{
			ChatID:  chatID,
			Photo:   &models.InputFileUpload{Filename: "qr.png", Data: bytes.NewReader(png)},
			Caption: QRCodeCaption(t.qrMinutes),
		})
		if err == nil {
			log.Info().Str("userId", userID).Str("sessionId", sessionID).Msg("qr code sent")
			return true
		}
	}
	log.Warn().Err(err).Str("userId", userID).Str("sessionId", sessionID).Msg("qr image delivery failed, sending text")

	return t.SendMessage(ctx, userID, QRCodeCaption(t.qrMinutes)+"\n\n"+code)
}

func (t *Telegram) SendPairingCode(ctx context.Context, userID, code, phone string) bool {
	if !t.SendMessage(ctx, userID, PairingCodeMessage(code, t.pairMinutes)) {
		return false
	}
	log.Info().Str("userId", userID).Str("phoneSuffix", util.PhoneSuffix(phone)).Msg("pairing code sent")
	return true
}
