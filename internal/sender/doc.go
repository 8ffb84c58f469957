// Package sender runs one background send loop per active user.
//
// Manager is the task registry: Start and Stop are the only entry points the
// control bot, the reaper, restore and shutdown use. Each loop re-reads the
// user, subscription, profile, message and destinations from the store on
// every cycle, so admin actions (ban, subscription removal) reach a running
// loop without any signalling.
//
// Loop states:
//
//	checking -> sending -> sleeping -> checking
//	any state -> stopped
package sender
