// Package sessions defines the canonical session key format and its helpers.
//
// Session keys follow the form:
//
//	agent:{agentId}:{rest}
//
// Where {rest} depends on the session type:
//
//	DM:    {channel}:direct:{peerId}
//	Group: {channel}:group:{groupId}
//	Main:  main
//	Cron:  cron:{jobId}
//
// Examples:
//
//	agent:default:telegram:direct:386246614
//	agent:default:discord:group:98761234
//	agent:default:main
//	agent:default:cron:standup-reminder
//
// Keys whose rest begins with "background:" or "isolated:" (or bare keys with
// those prefixes) are ephemeral: never persisted, never listed.
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildSessionKey builds the canonical agent session key for a channel conversation.
//
//	DM:    agent:{agentId}:{channel}:direct:{peerID}
//	Group: agent:{agentId}:{channel}:group:{chatID}
func BuildSessionKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// MainSessionKey builds the shared "main" session key for an agent. System
// events (heartbeat, cron) without an explicit session land here.
//
//	agent:{agentId}:main
func MainSessionKey(agentID string) string {
	return fmt.Sprintf("agent:%s:main", agentID)
}

// BuildCronSessionKey builds the session key for a cron job delivery.
// Guards against double-prefixing: if jobID is already a canonical session
// key, only its rest part is used.
//
//	agent:{agentId}:cron:{jobID}
func BuildCronSessionKey(agentID, jobID string) string {
	if _, rest := ParseSessionKey(jobID); rest != "" {
		jobID = rest
	}
	return fmt.Sprintf("agent:%s:cron:%s", agentID, jobID)
}

// ParseSessionKey extracts the agentID and rest from a canonical session key.
// Returns ("", "") if the key is not in the expected format.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" {
		return "", ""
	}
	return parts[1], parts[2]
}

// RouteFromKey extracts the channel and chat ID from a channel session key
// (agent:{agentId}:{channel}:{kind}:{chatID}). Returns ("", "") for main,
// cron, and ephemeral keys.
func RouteFromKey(key string) (channel, chatID string) {
	parts := strings.SplitN(key, ":", 5)
	if len(parts) < 5 || parts[0] != "agent" {
		return "", ""
	}
	if parts[3] != string(PeerDirect) && parts[3] != string(PeerGroup) {
		return "", ""
	}
	return parts[2], parts[4]
}

// IsEphemeralKey reports whether a session key names an ephemeral session
// ("background:" or "isolated:" prefix, checked after any agent:{id}: prefix).
// Ephemeral sessions live in memory only.
func IsEphemeralKey(key string) bool {
	rest := key
	if _, r := ParseSessionKey(key); r != "" {
		rest = r
	}
	return strings.HasPrefix(rest, "background:") || strings.HasPrefix(rest, "isolated:")
}

// IsCronSession checks if a session key indicates a cron delivery session.
func IsCronSession(key string) bool {
	_, rest := ParseSessionKey(key)
	return strings.HasPrefix(rest, "cron:")
}

// PeerKindFromGroup returns PeerGroup if isGroup is true, PeerDirect otherwise.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
