// Package agent keeps long-lived conversational processes alive across HTTP requests.
//
// # Overview
//
// A Session owns one Process, started through a Runtime, and the Queue that
// feeds it user turns. A background pump reads the process output and fans
// every Event out to the session's listeners in order.
//
// # Service
//
// The Service is the registry of live sessions:
//
//	svc := agent.NewService(runtime, agent.Config{MaxTurns: 100}, logger)
//	sess, err := svc.GetOrCreate(sessionID, nil)
//
// Key operations:
//
//   - GetOrCreate(id, cfg): Return the live session, starting one if needed
//   - Get(id): Look up a live session without starting one
//   - CloseSession(id): Close and forget one session
//   - Cleanup(): Close everything on shutdown
//
// # Events
//
// Every exchange produces zero or more EventAssistantText and EventToolUse
// events followed by exactly one EventResult or EventError. A process fault
// is reported as EventError and ends the session; GetOrCreate replaces such
// sessions with a fresh one.
//
// # Idle sessions
//
// The Service never evicts on its own. A Reaper can be run alongside it to
// close sessions that have had no listeners and no activity for a timeout.
package agent
