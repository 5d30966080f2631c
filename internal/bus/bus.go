// Copyright 2025 The coderelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package bus defines the event-bus port. The control plane publishes
// structured events; consumers are external. A durable bus is assumed to be
// available in production; the in-memory implementation here serves tests
// and single-process deployments.
package bus

import (
	"context"
	"sync"
	"time"
)

// Topics published by the control plane.
const (
	TopicRunStateChanged   = "run.state_changed"
	TopicStepCompleted     = "step.completed"
	TopicApprovalRequested = "approval.requested"
	TopicApprovalDecided   = "approval.decided"
	TopicAuditAppended     = "audit.appended"
)

// Event is a structured bus message.
type Event struct {
	Topic     string         `json:"topic"`
	TenantID  string         `json:"tenant_id"`
	RunID     string         `json:"run_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher is the outbound port.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Memory is an in-process pub-sub bus. Publishing never blocks: slow
// subscribers drop events rather than stalling the publisher.
type Memory struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
}

// NewMemory creates a new in-memory bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]chan Event)}
}

// Publish delivers the event to all subscribers of its topic.
func (m *Memory) Publish(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.subs[event.Topic] {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop rather than block the publisher.
		}
	}
	return nil
}

// Subscribe returns a buffered channel receiving events for topic.
func (m *Memory) Subscribe(topic string, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = append(m.subs[topic], ch)
	return ch
}

// Discard is a Publisher that drops every event. Useful as a default when
// no bus is wired.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(ctx context.Context, event Event) error { return nil }
