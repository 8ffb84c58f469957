// Package tgui holds small Telegram UI helpers for the control bot: inline
// keyboards, "scope:action:payload" callback data and an HTML message
// builder that escapes by default.
package tgui
