// Package notifiertest provides a notifier that records deliveries.
package notifiertest

import (
	"context"
	"strings"
	"sync"
)

type Delivery struct {
	Kind   string
	UserID string
	Body   string
	// Ref is the session id of a qr delivery or the phone of a pairing delivery.
	Ref string
}

type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func (r *Recorder) record(d Delivery) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deliveries = append(r.deliveries, d)
	return true
}

func (r *Recorder) SendMessage(ctx context.Context, userID, text string) bool {
	return r.record(Delivery{Kind: "message", UserID: userID, Body: text})
}

func (r *Recorder) SendQRCode(ctx context.Context, userID, code, sessionID string) bool {
	return r.record(Delivery{Kind: "qr", UserID: userID, Body: code, Ref: sessionID})
}

func (r *Recorder) SendPairingCode(ctx context.Context, userID, code, phone string) bool {
	return r.record(Delivery{Kind: "pairing", UserID: userID, Body: code, Ref: phone})
}

// Of returns the deliveries of one kind to userID, in order.
func (r *Recorder) Of(kind, userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.deliveries {
		if d.Kind == kind && d.UserID == userID {
			out = append(out, d.Body)
		}
	}
	return out
}

// Refs returns the Ref of each delivery of one kind to userID, in order.
func (r *Recorder) Refs(kind, userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, d := range r.deliveries {
		if d.Kind == kind && d.UserID == userID {
			out = append(out, d.Ref)
		}
	}
	return out
}

// Contains reports whether a message to userID contains substr.
func (r *Recorder) Contains(userID, substr string) bool {
	for _, text := range r.Of("message", userID) {
		if strings.Contains(text, substr) {
			return true
		}
	}
	return false
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}
