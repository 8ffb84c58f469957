package config

import (
	"reflect"
	"strings"

	logx "groupcast/pkg/logx"
)

// Change summarizes what differs between two configs.
type Change struct {
	Sections []string
	// Restart lists changed settings that only take effect after a restart.
	Restart []string
}

func (c Change) Has(section string) bool {
	for _, s := range c.Sections {
		if s == section {
			return true
		}
	}
	return false
}

// Fields renders the change for logging. Secrets are never included.
func (c Change) Fields() []logx.Field {
	return []logx.Field{
		logx.String("sections", strings.Join(c.Sections, ",")),
		logx.String("restart_required", strings.Join(c.Restart, ",")),
	}
}

// Diff compares old and new section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change

	if oldCfg.Telegram.Token != newCfg.Telegram.Token {
		ch.Restart = append(ch.Restart, "telegram.token")
	}
	if oldCfg.Telegram.PollTimeout != newCfg.Telegram.PollTimeout {
		ch.Restart = append(ch.Restart, "telegram.poll_timeout")
	}
	if !reflect.DeepEqual(oldCfg.Telegram.OwnerUserIDs, newCfg.Telegram.OwnerUserIDs) ||
		oldCfg.Telegram.CommandTimeout != newCfg.Telegram.CommandTimeout ||
		oldCfg.Telegram.SupportContact != newCfg.Telegram.SupportContact {
		ch.Sections = append(ch.Sections, "telegram")
	}
	if oldCfg.Telegram.Workers != newCfg.Telegram.Workers {
		ch.Restart = append(ch.Restart, "telegram.workers")
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		ch.Sections = append(ch.Sections, "logging")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		ch.Restart = append(ch.Restart, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Sender, newCfg.Sender) {
		ch.Sections = append(ch.Sections, "sender")
	}
	if !reflect.DeepEqual(oldCfg.Broadcast, newCfg.Broadcast) {
		ch.Sections = append(ch.Sections, "broadcast")
	}
	return ch
}
