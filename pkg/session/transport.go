// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"time"
)

// Peripheral is a discoverable device as reported by the transport
type Peripheral struct {
	ID   string
	Name string
}

// ScanFilter narrows interactive discovery to devices offering a service
type ScanFilter struct {
	ServiceUUID uint16
	NamePrefix  string
}

// Transport is the BLE capability the session drives. Implementations
// must honor context cancellation on every blocking call.
type Transport interface {
	// Scan runs interactive discovery and returns the chosen device
	Scan(ctx context.Context, filter ScanFilter) (Peripheral, error)
	// AuthorizedDevices lists devices the user granted access to earlier
	AuthorizedDevices(ctx context.Context) ([]Peripheral, error)
	// WatchProximity reports whether p advertised within timeout
	WatchProximity(ctx context.Context, p Peripheral, timeout time.Duration) (bool, error)
	// Connect opens a link to p
	Connect(ctx context.Context, p Peripheral) (Connection, error)
}

// Connection is an open link to a peripheral
type Connection interface {
	Characteristic(ctx context.Context, service, characteristic uint16) (Characteristic, error)
	// OnDisconnect registers a listener for link loss not requested by Disconnect
	OnDisconnect(fn func())
	Disconnect() error
}

// Characteristic is a notify/write endpoint on a connection
type Characteristic interface {
	// OnNotification registers the fragment handler. The transport must call
	// it from one goroutine at a time.
	OnNotification(fn func([]byte))
	StartNotifications(ctx context.Context) error
	StopNotifications(ctx context.Context) error
	WriteWithAck(ctx context.Context, data []byte) error
	WriteWithoutAck(ctx context.Context, data []byte) error
}
