// Package session maps conversation keys to continuity state: which backend
// mode a conversation uses and, for assistant conversations, which backend
// thread accumulates its messages. Two backends implement the same Store
// contract: an in-memory map for ephemeral deployments and a SQLite database
// for continuity across restarts.
package session
