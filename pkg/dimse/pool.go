package dimse

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// ConnectionPool bounds the number of simultaneous associations the service
// opens against the PACS. Pre-cache workers and on-demand builds all draw
// from the same pool.
type ConnectionPool struct {
	config        AssociationConfig
	maxSize       int
	maxIdleTime   time.Duration
	connections   []*Association
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	done          chan struct{}
}

// PoolConfig holds configuration for the connection pool
type PoolConfig struct {
	AssociationConfig
	MaxPoolSize int
	MaxIdleTime time.Duration
}

// NewConnectionPool creates a new connection pool
func NewConnectionPool(config PoolConfig) *ConnectionPool {
	if config.MaxPoolSize == 0 {
		config.MaxPoolSize = 5
	}
	if config.MaxIdleTime == 0 {
		config.MaxIdleTime = 5 * time.Minute
	}

	pool := &ConnectionPool{
		config:        config.AssociationConfig,
		maxSize:       config.MaxPoolSize,
		maxIdleTime:   config.MaxIdleTime,
		connections:   make([]*Association, 0, config.MaxPoolSize),
		cleanupTicker: time.NewTicker(1 * time.Minute),
		done:          make(chan struct{}),
	}

	go pool.cleanup()

	return pool
}

// Get retrieves an idle association or opens a new one
func (p *ConnectionPool) Get(ctx context.Context) (*Association, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, conn := range p.connections {
		if conn.IsConnected() {
			p.connections = append(p.connections[:i], p.connections[i+1:]...)
			return conn, nil
		}
	}

	if len(p.connections) < p.maxSize {
		conn := NewAssociation(p.config)
		if err := conn.Connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to create new connection: %w", err)
		}
		return conn, nil
	}

	return nil, fmt.Errorf("connection pool exhausted")
}

// Put returns an association to the pool
func (p *ConnectionPool) Put(conn *Association) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !conn.IsConnected() {
		conn.Close()
		return
	}

	if len(p.connections) >= p.maxSize {
		conn.Close()
		return
	}

	p.connections = append(p.connections, conn)
}

// Close closes all associations and stops the pool
func (p *ConnectionPool) Close() error {
	close(p.done)
	p.cleanupTicker.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	var errCount int
	for _, conn := range p.connections {
		if err := conn.Close(); err != nil {
			errCount++
		}
	}

	p.connections = nil

	if errCount > 0 {
		return fmt.Errorf("encountered %d errors while closing pool", errCount)
	}

	return nil
}

// cleanup periodically removes idle associations
func (p *ConnectionPool) cleanup() {
	for {
		select {
		case <-p.cleanupTicker.C:
			p.removeIdleConnections()
		case <-p.done:
			return
		}
	}
}

// removeIdleConnections drops associations that have been idle too long
func (p *ConnectionPool) removeIdleConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	active := make([]*Association, 0, len(p.connections))

	for _, conn := range p.connections {
		if now.Sub(conn.GetLastUsed()) > p.maxIdleTime {
			conn.Close()
		} else if conn.IsConnected() {
			active = append(active, conn)
		} else {
			conn.Close()
		}
	}

	p.connections = active
}
