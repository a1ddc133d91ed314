// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package ipc

import "github.com/corelattice/kernel/pkg/errors"

// CreateChannel allocates a channel (spec §4.2 "create_channel(kind,
// owner, capacity, name?) -> ChannelId"). name, if non-empty, must be
// unique; a collision is an InvalidOperation.
func (m *Manager) CreateChannel(kind Discipline, owner ThreadID, capacity int, name string) (ChannelID, error) {
	id, err := m.nextHandle()
	if err != nil {
		return 0, err
	}

	m.chMu.Lock()
	defer m.chMu.Unlock()
	if name != "" {
		if _, exists := m.chNames[name]; exists {
			return 0, errors.ErrInvalidOperation
		}
	}
	ch := &Channel{
		ID:          id,
		Name:        name,
		Discipline:  kind,
		Owner:       owner,
		Capacity:    capacity,
		Perm:        Permissions{Read: true, Write: true, Subscribe: true},
		subscribers: make(map[ThreadID]struct{}),
	}
	m.chans[id] = ch
	if name != "" {
		m.chNames[name] = id
	}
	return id, nil
}

func (m *Manager) getChannel(id ChannelID) (*Channel, error) {
	m.chMu.RLock()
	ch, ok := m.chans[id]
	m.chMu.RUnlock()
	if !ok {
		return nil, errors.ErrChannelNotFound
	}
	return ch, nil
}

// Destroy removes a channel; only the owner may destroy it (spec §4.2
// "destroy(id, caller) -- fails unless caller is owner"). Destruction
// drains the queue, unblocks every subscriber, and removes the channel
// from the table, so any later operation on id fails with
// ErrChannelNotFound (spec §3 "destruction drains the queue and wakes
// all waiters with a channel-closed error").
func (m *Manager) Destroy(id ChannelID, caller ThreadID) error {
	ch, err := m.getChannel(id)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	if ch.Owner != caller {
		ch.mu.Unlock()
		return errors.ErrPermissionDenied
	}
	ch.closed = true
	ch.queue = nil
	subs := make([]ThreadID, 0, len(ch.subscribers))
	for tid := range ch.subscribers {
		subs = append(subs, tid)
	}
	ch.mu.Unlock()

	for _, tid := range subs {
		_ = m.sched.Unblock(tid)
	}

	m.chMu.Lock()
	delete(m.chans, id)
	if ch.Name != "" {
		delete(m.chNames, ch.Name)
	}
	m.chMu.Unlock()
	return nil
}

// FindByName resolves a name-indexed channel (spec §4.2
// "find_by_name(name) -> Option<ChannelId>").
func (m *Manager) FindByName(name string) (ChannelID, bool) {
	m.chMu.RLock()
	defer m.chMu.RUnlock()
	id, ok := m.chNames[name]
	return id, ok
}

// Subscribe registers tid as an observer of id (spec §4.2
// "subscribe(id, tid)").
func (m *Manager) Subscribe(id ChannelID, tid ThreadID) error {
	ch, err := m.getChannel(id)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if !ch.Perm.Subscribe {
		return errors.ErrPermissionDenied
	}
	ch.subscribers[tid] = struct{}{}
	return nil
}

// Unsubscribe removes tid from id's subscriber set (spec §4.2
// "unsubscribe(id, tid)"); a no-op if tid was not subscribed.
func (m *Manager) Unsubscribe(id ChannelID, tid ThreadID) error {
	ch, err := m.getChannel(id)
	if err != nil {
		return err
	}
	ch.mu.Lock()
	delete(ch.subscribers, tid)
	ch.mu.Unlock()
	return nil
}

// Send enqueues payload onto id (spec §4.2 "send(id, sender, recipient?,
// kind, payload) -> MessageId"). kind is the message's declared
// discipline tag (spec §3 "Message": "discipline tag"); it must match
// id's own discipline or Send fails with ErrInvalidMessageType (spec-full
// §3 "Message-type validation": "send rejects payloads whose declared
// discipline tag is inconsistent with the channel's discipline, e.g.,
// sending a RequestResponse-tagged message on a plain Asynchronous
// channel"). Insertion is priority-ordered: the new message is placed
// before the first queued message of strictly lower priority, preserving
// FIFO order among equal priorities (spec §3 "Channel" invariant, §8
// testable property).
func (m *Manager) Send(id ChannelID, sender ThreadID, recipient *ThreadID, kind Discipline, prio Priority, payload []byte, expiresNs *uint64) (MessageID, error) {
	ch, err := m.getChannel(id)
	if err != nil {
		return 0, err
	}
	if kind != ch.Discipline {
		return 0, errors.ErrInvalidMessageType
	}
	msgID, err := m.nextHandle()
	if err != nil {
		return 0, err
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return 0, errors.ErrChannelClosed
	}
	if !ch.Perm.Write {
		ch.mu.Unlock()
		return 0, errors.ErrPermissionDenied
	}
	if ch.Capacity > 0 && len(ch.queue) >= ch.Capacity {
		ch.mu.Unlock()
		return 0, errors.ErrQueueFull
	}

	msg := &Message{
		ID:         msgID,
		Sender:     sender,
		Recipient:  recipient,
		Discipline: kind,
		Priority:   prio,
		CreatedNs:  m.clock.NowNs(),
		ExpiresNs:  expiresNs,
		Payload:    payload,
	}

	insertAt := len(ch.queue)
	for i, existing := range ch.queue {
		if existing.Priority < prio {
			insertAt = i
			break
		}
	}
	ch.queue = append(ch.queue, nil)
	copy(ch.queue[insertAt+1:], ch.queue[insertAt:])
	ch.queue[insertAt] = msg

	broadcast := ch.Discipline == Broadcast && sender != ch.Owner
	var wake []ThreadID
	if broadcast {
		for tid := range ch.subscribers {
			if tid != sender {
				wake = append(wake, tid)
			}
		}
	}
	ch.mu.Unlock()

	for _, tid := range wake {
		_ = m.sched.Unblock(tid)
	}
	return msgID, nil
}

// Receive returns the highest-priority, oldest-inserted message still
// pending on id, pruning expired messages from the head first (spec §4.2
// "receive(id, caller) -> Option<Message>"; §3 "Message" invariant: "a
// message with an expiration older than the current timestamp is never
// delivered; expired messages are silently removed on the next receive
// attempt"). Returns (nil, nil) on an empty queue — callers that must
// block poll via a backoff loop (see the request/response layer) rather
// than the scheduler, since a plain receive never suspends.
func (m *Manager) Receive(id ChannelID, caller ThreadID) (*Message, error) {
	ch, err := m.getChannel(id)
	if err != nil {
		return nil, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return nil, errors.ErrChannelClosed
	}
	if ch.Discipline == Synchronous {
		_, subscribed := ch.subscribers[caller]
		if caller != ch.Owner && !subscribed {
			return nil, errors.ErrPermissionDenied
		}
	}

	now := m.clock.NowNs()
	for len(ch.queue) > 0 && ch.queue[0].expired(now) {
		ch.queue = ch.queue[1:]
	}
	if len(ch.queue) == 0 {
		return nil, nil
	}
	msg := ch.queue[0]
	ch.queue = ch.queue[1:]
	return msg, nil
}
