// Package notifier delivers codes and status messages to the operator bridge.
// Delivery is best effort: every method reports success and never fails the caller.
package notifier

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/novamd/bridge-server-go/internal/util"
)

type Notifier interface {
	SendMessage(ctx context.Context, userID, text string) bool
	SendQRCode(ctx context.Context, userID, code, sessionID string) bool
	SendPairingCode(ctx context.Context, userID, code, phone string) bool
}

// Chain tries each notifier in order until one succeeds.
type Chain []Notifier

func (c Chain) SendMessage(ctx context.Context, userID, text string) bool {
	for _, n := range c {
		if n.SendMessage(ctx, userID, text) {
			return true
		}
	}
	return false
}

func (c Chain) SendQRCode(ctx context.Context, userID, code, sessionID string) bool {
	for _, n := range c {
		if n.SendQRCode(ctx, userID, code, sessionID) {
			return true
		}
	}
	return false
}

func (c Chain) SendPairingCode(ctx context.Context, userID, code, phone string) bool {
	for _, n := range c {
		if n.SendPairingCode(ctx, userID, code, phone) {
			return true
		}
	}
	return false
}

// Log writes notifications to the log. It is the last link of a chain so
// codes are never silently lost during development.
type Log struct{}

func (Log) SendMessage(ctx context.Context, userID, text string) bool {
	log.Info().Str("userId", userID).Str("text", text).Msg("notification")
	return true
}

func (Log) SendQRCode(ctx context.Context, userID, code, sessionID string) bool {
	log.Info().Str("userId", userID).Str("sessionId", sessionID).Int("qrLength", len(code)).Msg("qr code issued")
	return true
}

func (Log) SendPairingCode(ctx context.Context, userID, code, phone string) bool {
	log.Info().Str("userId", userID).Str("phoneSuffix", util.PhoneSuffix(phone)).Msg("pairing code issued")
	return true
}

// PairingCodeMessage is the operator-facing text for a numeric pairing code.
func PairingCodeMessage(code string, minutes int) string {
	return fmt.Sprintf("Your pairing code: %s\n\nOpen WhatsApp > Linked devices > Link with phone number and enter the code. It expires in %d minutes.", code, minutes)
}

// QRCodeCaption accompanies a rendered QR image.
func QRCodeCaption(minutes int) string {
	return fmt.Sprintf("Scan this QR code with WhatsApp > Linked devices within %d minutes.", minutes)
}
