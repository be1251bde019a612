package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockNATSClient is an in-memory publish/subscribe transport. It matches
// the Publish and Subscribe signatures of natsclient.Client.
type MockNATSClient struct {
	mu            sync.RWMutex
	messages      map[string][][]byte
	subscriptions map[string][]func(context.Context, []byte)
	publishErr    error
	closed        bool
}

// NewMockNATSClient creates an empty transport
func NewMockNATSClient() *MockNATSClient {
	return &MockNATSClient{
		messages:      make(map[string][][]byte),
		subscriptions: make(map[string][]func(context.Context, []byte)),
	}
}

// Publish records data and hands it to every subscriber of subject before
// returning
func (c *MockNATSClient) Publish(ctx context.Context, subject string, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("client is closed")
	}
	if c.publishErr != nil {
		err := c.publishErr
		c.mu.Unlock()
		return err
	}

	c.messages[subject] = append(c.messages[subject], data)
	handlers := append([]func(context.Context, []byte){}, c.subscriptions[subject]...)
	c.mu.Unlock()

	for _, handler := range handlers {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		handler(msgCtx, data)
		cancel()
	}
	return nil
}

// Subscribe registers handler for subject
func (c *MockNATSClient) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("client is closed")
	}
	c.subscriptions[subject] = append(c.subscriptions[subject], handler)
	return nil
}

// Deliver hands raw data to the subscribers of subject without recording
// it, for feeding malformed payloads
func (c *MockNATSClient) Deliver(ctx context.Context, subject string, data []byte) {
	c.mu.RLock()
	handlers := append([]func(context.Context, []byte){}, c.subscriptions[subject]...)
	c.mu.RUnlock()
	for _, handler := range handlers {
		handler(ctx, data)
	}
}

// FailPublish makes every later Publish return err. A nil err clears it.
func (c *MockNATSClient) FailPublish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// GetMessages returns a copy of the payloads published on subject
func (c *MockNATSClient) GetMessages(subject string) [][]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	msgs := c.messages[subject]
	if msgs == nil {
		return nil
	}
	return append([][]byte(nil), msgs...)
}

// GetMessageCount returns the number of payloads published on subject
func (c *MockNATSClient) GetMessageCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.messages[subject])
}

// SubscriberCount returns the number of handlers on subject
func (c *MockNATSClient) SubscriberCount(subject string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions[subject])
}

// IsHealthy reports whether the client is open. It lets the mock stand in
// for a membership health source.
func (c *MockNATSClient) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// Close rejects later Publish and Subscribe calls
func (c *MockNATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
