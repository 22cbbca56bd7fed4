// Package network connects client transports to the broker. Every transport
// opens a broker connection, feeds it inbound frames and drains its outbound queue.
package network

import (
	"versus/server/pubsub"
	"versus/server/registry"
)

// Dispatcher is the broker surface a transport drives.
type Dispatcher interface {
	Open() (*registry.Connection, pubsub.Subscriber)
	Dispatch(connID string, frame []byte)
	Close(connID string)
}

const maxFrameSize = 64 * 1024
