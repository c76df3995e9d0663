// Package domain holds the gateway's core types: the agent registry's
// principal record and the normalized inbound/outbound message shapes.
package domain

import (
	"strings"
	"time"
)

// TrustLevel gates how an agent participates in agent-to-agent traffic.
type TrustLevel string

const (
	TrustStandard TrustLevel = "standard"
	TrustElevated TrustLevel = "elevated"
)

// ReceiveMode controls whether an agent sees every room message or only
// the ones that mention it directly.
type ReceiveMode string

const (
	ReceiveMentions ReceiveMode = "mentions"
	ReceiveAll      ReceiveMode = "all"
)

// ConnectionType is the set of downstream transports an agent may use.
type ConnectionType string

const (
	ConnSocket  ConnectionType = "socket"
	ConnWebhook ConnectionType = "webhook"
	ConnBoth    ConnectionType = "both"
)

// DeliveryMode picks how a mention is pushed when no live session exists.
type DeliveryMode string

const (
	DeliveryWebhook     DeliveryMode = "webhook"
	DeliveryLocalInject DeliveryMode = "local-inject"
)

// Status reflects the agent's registry lifecycle, not its connection state.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
)

// Agent is the principal record loaded from the registry. Identity is the
// PrincipalID; BearerToken is a separate, rotatable projection of it.
type Agent struct {
	PrincipalID    string
	Username       string
	DisplayName    string
	Emoji          string
	MentionKey     string
	TrustLevel     TrustLevel
	ReceiveMode    ReceiveMode
	ConnectionType ConnectionType
	DeliveryMode   DeliveryMode
	WebhookURL     string
	WebhookSecret  string
	Status         Status
	BearerToken    string
}

// Mentions reports whether content names this agent via its mention key or
// username, case-insensitively, as the "@" + token form.
func (a Agent) Mentions(contentLower string) bool {
	if a.MentionKey != "" && strings.Contains(contentLower, "@"+strings.ToLower(a.MentionKey)) {
		return true
	}
	if a.Username != "" && strings.Contains(contentLower, "@"+strings.ToLower(a.Username)) {
		return true
	}
	return false
}

// SessionCredential is the upstream bridge's own gateway-principal
// credential, cached with an explicit expiry.
type SessionCredential struct {
	Token  string
	Expiry time.Time
}

// Room describes a chat room visible to an agent via the upstream bridge.
type Room struct {
	ID   string
	Name string
}
