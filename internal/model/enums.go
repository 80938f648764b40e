package model

type SessionStatus string

const (
	SessionStatusConnecting       SessionStatus = "connecting"
	SessionStatusQRGenerated      SessionStatus = "qr_generated"
	SessionStatusPairingRequested SessionStatus = "pairing_requested"
	SessionStatusConnected        SessionStatus = "connected"
	SessionStatusDisconnected     SessionStatus = "disconnected"
	SessionStatusReconnecting     SessionStatus = "reconnecting"
	SessionStatusExpired          SessionStatus = "expired"
)

type ConnectionMethod string

const (
	ConnectionMethodQR      ConnectionMethod = "qr"
	ConnectionMethodPairing ConnectionMethod = "pairing"
)

func (m ConnectionMethod) Valid() bool {
	return m == ConnectionMethodQR || m == ConnectionMethodPairing
}

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusExpired   SubscriptionStatus = "expired"
)

type PairingOutcome string

const (
	PairingOutcomeSuccess PairingOutcome = "success"
	PairingOutcomeFailed  PairingOutcome = "failed"
	PairingOutcomeExpired PairingOutcome = "expired"
)
