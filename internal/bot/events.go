package bot

import (
	"context"

	"groupcast/internal/eventbus"
	"groupcast/internal/sender"
	"groupcast/pkg/tgui"
)

// stopNotice is the direct message sent when a loop ends on its own.
// Reasons without an entry are not reported.
func stopNotice(ev eventbus.Event) string {
	switch {
	case ev.Type == eventbus.SenderReaped, ev.Reason == sender.ReasonExpired:
		return "Your subscription has expired, so sending has stopped."
	case ev.Reason == sender.ReasonRetriesExhausted:
		text := "Sending stopped after repeated errors."
		if st, ok := ev.Data.(sender.Status); ok && st.LastError != "" {
			text += " Last error: " + tgui.TruncRunes(st.LastError, 200)
		}
		return text + " Check /status, then /run again."
	case ev.Reason == sender.ReasonNotReady:
		return "Sending stopped because your setup is incomplete. Use /run to see what is missing."
	case ev.Reason == sender.ReasonFault:
		return "Sending stopped after an internal error. Use /run to start again."
	}
	return ""
}

// SubscribeEvents registers for the events WatchEvents reports. Subscribe
// before senders are restored so stops during restore are not missed.
func (b *Bot) SubscribeEvents() (<-chan eventbus.Event, func()) {
	return b.d.Bus.Subscribe(64, eventbus.SenderStopped, eventbus.SenderReaped)
}

// WatchEvents tells users when their sender stopped without them asking. It
// returns when ctx ends or events is closed.
func (b *Bot) WatchEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if text := stopNotice(ev); text != "" {
				b.notify(ctx, ev.UserID, text)
			}
		}
	}
}
