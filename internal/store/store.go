// Package store persists finalized conversation turns. The chat loop owns
// the live history; a Store only ever sees messages that will not change
// again.
package store

import "annailabs/annai/internal/message"

// Store is the message persistence collaborator.
type Store interface {
	Append(msg *message.Message) error
	List() ([]*message.Message, error)
	Clear() error
}
