// Package store provides persistent storage for agent sessions using SQLite.
//
// # Data Model
//
//   - AgentSession: one conversation, addressed externally by SessionID and
//     scoped to an OwnerID. Carries a title, a status (active, completed,
//     archived) and optional generated artifacts.
//   - TranscriptEntry: one persisted turn (user, assistant or system).
//
// Transcripts are append-only. AppendTranscript writes the entries of one
// exchange in a single transaction so a crash loses at most that exchange.
//
// # Usage
//
//	s, err := store.NewSQLiteStore("~/.local/share/slideforge/slideforge.db")
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
// MockStore is an in-memory implementation for tests.
package store
