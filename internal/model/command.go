package model

// CommandContext is an in-band command addressed to a user's bot.
type CommandContext struct {
	Name      string   `json:"name"`
	Args      []string `json:"args"`
	UserID    string   `json:"userId"`
	SessionID string   `json:"sessionId"`
	Chat      string   `json:"chat"`
	Sender    string   `json:"sender"`
	IsOwner   bool     `json:"isOwner"`
	IsGroup   bool     `json:"isGroup"`
}

type CommandInfo struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	Category    string `json:"category" yaml:"category"`
	OwnerOnly   bool   `json:"ownerOnly" yaml:"owner_only"`
}
