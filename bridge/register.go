package bridge

import (
	"errors"
	"sync"
)

var (
	connectorMu sync.Mutex
	connector   Connector
)

// RegisterConnector installs the process-wide bridge connector. Platform
// bridge modules call this from an init function, the same way database
// drivers register themselves. Only one connector can be registered per
// process; registering twice or registering nil panics.
func RegisterConnector(c Connector) {
	connectorMu.Lock()
	defer connectorMu.Unlock()
	if c == nil {
		panic("bridge: RegisterConnector with nil connector")
	}
	if connector != nil {
		panic("bridge: connector already registered")
	}
	connector = c
}

// DefaultConnector returns the connector installed by the platform bridge
// module linked into this binary.
func DefaultConnector() (Connector, error) {
	connectorMu.Lock()
	defer connectorMu.Unlock()
	if connector == nil {
		return nil, errors.New("no bridge connector registered: this build was linked without a platform bridge module")
	}
	return connector, nil
}
