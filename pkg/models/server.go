package models

import (
	"fmt"
	"strings"
)

// PermissionConsoleRead is the sub-user permission that grants console (and error) visibility.
const PermissionConsoleRead = "control.console"

// gmodEggMarkers identify a Garry's Mod egg by name.
var gmodEggMarkers = []string{"garry", "gmod", "garrysmod"}

// DaemonConnection holds what is needed to reach a server's remote daemon.
type DaemonConnection struct {
	Scheme string `yaml:"scheme" json:"scheme"`
	Host   string `yaml:"host"   json:"host"`
	Port   int    `yaml:"port"   json:"port"`
	Token  string `yaml:"token"  json:"-"`
}

// BaseURL returns scheme://host:port, defaulting the scheme to https.
func (d DaemonConnection) BaseURL() string {
	scheme := d.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, d.Host, d.Port)
}

// SubUser is a user granted access to a server by its owner.
type SubUser struct {
	UserID      string   `yaml:"user_id"     json:"user_id"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

// HasPermission reports whether the sub-user holds perm.
func (s SubUser) HasPermission(perm string) bool {
	for _, p := range s.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// MonitoredServer is a polling target. It is owned by the panel and read-only here.
type MonitoredServer struct {
	ID                string           `yaml:"id"                 json:"id"`
	UUID              string           `yaml:"uuid"               json:"uuid"`
	Name              string           `yaml:"name"               json:"name"`
	Egg               string           `yaml:"egg"                json:"egg"`
	OwnerID           string           `yaml:"owner_id"           json:"owner_id"`
	SubUsers          []SubUser        `yaml:"sub_users"          json:"sub_users"`
	Daemon            DaemonConnection `yaml:"daemon"             json:"daemon"`
	MonitoringEnabled bool             `yaml:"monitoring_enabled" json:"monitoring_enabled"`
}

// DaemonIdentifier is the path segment the daemon knows the server by.
// The UUID is preferred; the panel ID is the fallback.
func (s MonitoredServer) DaemonIdentifier() string {
	if s.UUID != "" {
		return s.UUID
	}
	return s.ID
}

// IsGarrysMod reports whether the server's egg is a Garry's Mod egg.
func (s MonitoredServer) IsGarrysMod() bool {
	egg := strings.ToLower(s.Egg)
	for _, m := range gmodEggMarkers {
		if strings.Contains(egg, m) {
			return true
		}
	}
	return false
}

// Eligible reports whether the server should be polled.
func (s MonitoredServer) Eligible() bool {
	return s.MonitoringEnabled && s.IsGarrysMod()
}

// NotificationRecipients returns the owner followed by every sub-user with console access.
func (s MonitoredServer) NotificationRecipients() []string {
	recipients := make([]string, 0, 1+len(s.SubUsers))
	if s.OwnerID != "" {
		recipients = append(recipients, s.OwnerID)
	}
	for _, su := range s.SubUsers {
		if su.UserID != "" && su.UserID != s.OwnerID && su.HasPermission(PermissionConsoleRead) {
			recipients = append(recipients, su.UserID)
		}
	}
	return recipients
}
