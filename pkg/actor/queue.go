package actor

import (
	"context"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/burrow-labs/burrow/pkg/kv"
)

// Queue backoff bounds: delay = min(backoffMax, backoffInitial·2^(failures−1)).
const (
	backoffInitial = time.Second
	backoffMax     = 30 * time.Second
)

func backoffDelay(failureCount int) time.Duration {
	if failureCount <= 0 {
		return 0
	}
	shift := failureCount - 1
	if shift > 10 {
		return backoffMax
	}
	d := backoffInitial << shift
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// queueManager is the durable per-actor FIFO with at most one in-flight
// message. The message set is mirrored in memory (this instance exclusively
// owns the namespace) and every mutation is written as a single KV batch
// through the shared serialized write queue. Guarded by the instance mutex.
type queueManager struct {
	inst *Instance

	meta      queueMetadata
	msgs      []*QueueMessage // sorted by ID
	pendingID *uint64

	waiters     []*receiveWaiter
	completions map[uint64]chan Completion
}

// receiveWaiter is one blocked Receive call. wake is closed when a matching
// message may have become available.
type receiveWaiter struct {
	names map[string]struct{} // empty matches every name
	wake  chan struct{}
}

func (w *receiveWaiter) matches(name string) bool {
	if len(w.names) == 0 {
		return true
	}
	_, ok := w.names[name]
	return ok
}

func newQueueManager(inst *Instance) *queueManager {
	return &queueManager{inst: inst, completions: make(map[uint64]chan Completion)}
}

// init loads the persisted queue, rebuilds metadata when it is missing or
// corrupt, and recovers messages a previous process left in flight: each gets
// its failure count incremented, a backoff delay, and its in-flight flag
// cleared.
func (q *queueManager) init(ctx context.Context) error {
	rows, err := q.inst.driver.KVListPrefix(ctx, q.inst.id, kv.QueuePrefix())
	if err != nil {
		return err
	}

	var maxID uint64
	msgs := make([]*QueueMessage, 0, len(rows))
	for _, row := range rows {
		id, ok := kv.QueueMessageIDFromKey(row.Key)
		if !ok {
			continue
		}
		var msg QueueMessage
		if err := cbor.Unmarshal(row.Value, &msg); err != nil {
			q.inst.log.Error("Dropping undecodable queue message", "id", id, "error", err)
			continue
		}
		msgs = append(msgs, &msg)
		if msg.ID > maxID {
			maxID = msg.ID
		}
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })

	metaRows, err := q.inst.driver.KVBatchGet(ctx, q.inst.id, [][]byte{kv.QueueMetadataKey()})
	if err != nil {
		return err
	}

	var meta queueMetadata
	metaValid := false
	if len(metaRows) == 1 && metaRows[0] != nil {
		if err := cbor.Unmarshal(metaRows[0], &meta); err == nil && meta.Size == len(msgs) && meta.NextID > maxID {
			metaValid = true
		}
	}
	if !metaValid {
		meta = queueMetadata{NextID: maxID + 1, Size: len(msgs)}
		if len(msgs) == 0 && maxID == 0 {
			meta.NextID = 1
		}
	}

	// In-flight recovery sweep.
	now := time.Now().UnixMilli()
	var recovered []kv.Entry
	for _, msg := range msgs {
		if !msg.InFlight {
			continue
		}
		msg.InFlight = false
		msg.InFlightAt = 0
		msg.FailureCount++
		msg.AvailableAt = now + backoffDelay(msg.FailureCount).Milliseconds()
		blob, err := cbor.Marshal(msg)
		if err != nil {
			return err
		}
		recovered = append(recovered, kv.Entry{Key: kv.QueueMessageKey(msg.ID), Value: blob})
		q.inst.log.Warn("Recovered in-flight queue message",
			"id", msg.ID, "name", msg.Name, "failure_count", msg.FailureCount)
	}

	if !metaValid || len(recovered) > 0 {
		metaBlob, err := cbor.Marshal(&meta)
		if err != nil {
			return err
		}
		batch := append(recovered, kv.Entry{Key: kv.QueueMetadataKey(), Value: metaBlob})
		if err := q.inst.driver.KVBatchPut(ctx, q.inst.id, batch); err != nil {
			return err
		}
	}

	q.inst.mu.Lock()
	q.meta = meta
	q.msgs = msgs
	q.inst.mu.Unlock()
	return nil
}

// EnqueueOptions tunes a single enqueue.
type EnqueueOptions struct {
	// Delay makes the message available only after now+Delay.
	Delay time.Duration
	// DeferWaiters suppresses waking blocked Receive calls; used when the
	// caller is about to enqueue a batch and wants one wake at the end.
	DeferWaiters bool
}

// Enqueue validates, encodes, and durably appends one message, then wakes
// matching receive waiters.
func (q *queueManager) Enqueue(ctx context.Context, name string, body any, opts EnqueueOptions) (*QueueMessage, error) {
	msg, _, err := q.enqueue(ctx, name, body, opts, false)
	return msg, err
}

func (q *queueManager) enqueue(ctx context.Context, name string, body any, opts EnqueueOptions, withCompletion bool) (*QueueMessage, chan Completion, error) {
	if err := validateQueueBody(body); err != nil {
		return nil, nil, err
	}
	encoded, err := cbor.Marshal(body)
	if err != nil {
		return nil, nil, ErrQueueMessageInvalid("body")
	}
	if limit := q.inst.opts.MaxQueueMessageSize; limit > 0 && len(encoded) > limit {
		return nil, nil, ErrQueueMessageTooLarge(len(encoded), limit)
	}

	q.inst.mu.Lock()
	if limit := q.inst.opts.MaxQueueSize; limit > 0 && q.meta.Size >= limit {
		size := q.meta.Size
		q.inst.mu.Unlock()
		return nil, nil, ErrQueueFull(size, q.inst.opts.MaxQueueSize)
	}

	now := time.Now()
	msg := &QueueMessage{
		ID:          q.meta.NextID,
		Name:        name,
		Body:        encoded,
		CreatedAt:   now.UnixMilli(),
		AvailableAt: now.Add(opts.Delay).UnixMilli(),
	}
	q.meta.NextID++
	q.meta.Size++
	q.msgs = append(q.msgs, msg)

	var completion chan Completion
	if withCompletion {
		completion = make(chan Completion, 1)
		q.completions[msg.ID] = completion
	}

	batch, err := q.messageBatchLocked(msg)
	if err != nil {
		q.removeMirrorLocked(msg.ID)
		q.meta.Size--
		delete(q.completions, msg.ID)
		q.inst.mu.Unlock()
		return nil, nil, err
	}
	q.inst.sleep.resetLocked()
	q.inst.mu.Unlock()

	if err := q.writeBatch(ctx, batch, nil); err != nil {
		q.inst.mu.Lock()
		q.removeMirrorLocked(msg.ID)
		q.meta.Size--
		delete(q.completions, msg.ID)
		q.inst.mu.Unlock()
		return nil, nil, err
	}

	if !opts.DeferWaiters {
		q.WakeWaiters(name)
	}
	return msg, completion, nil
}

// WakeWaiters wakes every blocked Receive whose name filter matches.
func (q *queueManager) WakeWaiters(name string) {
	q.inst.mu.Lock()
	remaining := q.waiters[:0]
	var woken []*receiveWaiter
	for _, w := range q.waiters {
		if w.matches(name) {
			woken = append(woken, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	q.waiters = remaining
	q.inst.mu.Unlock()

	for _, w := range woken {
		close(w.wake)
	}
}

// ReceiveOptions tunes a Receive call.
type ReceiveOptions struct {
	// Names filters by message name; empty receives any.
	Names []string
	// Count caps the number of returned messages (ignored when Wait).
	Count int
	// Timeout bounds the wait for an eligible message. Zero returns
	// immediately with whatever matched.
	Timeout time.Duration
	// Wait marks the first eligible message in-flight and returns only it;
	// the caller must Complete it.
	Wait bool
}

// Receive returns eligible messages per opts. With Wait it returns exactly
// one message, marked in-flight; otherwise consumed messages are removed in
// one batch and their completion waiters resolve with no response.
//
// Fails with QueueMessagePending while another message is in flight. Blocked
// waits are woken by matching enqueues, by the earliest future availability
// (backoff redelivery), by the caller's context, or by actor abort.
func (q *queueManager) Receive(ctx context.Context, opts ReceiveOptions) ([]*QueueMessage, error) {
	count := opts.Count
	if count <= 0 {
		count = 1
	}
	var nameSet map[string]struct{}
	if len(opts.Names) > 0 {
		nameSet = make(map[string]struct{}, len(opts.Names))
		for _, n := range opts.Names {
			nameSet[n] = struct{}{}
		}
	}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	for {
		q.inst.mu.Lock()
		if q.pendingID != nil {
			id := *q.pendingID
			q.inst.mu.Unlock()
			return nil, ErrQueueMessagePending(id)
		}

		now := time.Now().UnixMilli()
		var eligible []*QueueMessage
		var earliestFuture int64
		for _, msg := range q.msgs {
			if msg.InFlight {
				continue
			}
			if nameSet != nil {
				if _, ok := nameSet[msg.Name]; !ok {
					continue
				}
			}
			if msg.AvailableAt > now {
				if earliestFuture == 0 || msg.AvailableAt < earliestFuture {
					earliestFuture = msg.AvailableAt
				}
				continue
			}
			eligible = append(eligible, msg)
			if len(eligible) == count && !opts.Wait {
				break
			}
		}

		if len(eligible) > 0 {
			if opts.Wait {
				msg := eligible[0]
				msg.InFlight = true
				msg.InFlightAt = now
				id := msg.ID
				q.pendingID = &id
				batch, err := q.messageBatchLocked(msg)
				q.inst.mu.Unlock()
				if err == nil {
					err = q.writeBatch(ctx, batch, nil)
				}
				if err != nil {
					q.inst.mu.Lock()
					msg.InFlight = false
					msg.InFlightAt = 0
					q.pendingID = nil
					q.inst.mu.Unlock()
					return nil, err
				}
				return []*QueueMessage{msg}, nil
			}

			deletes := make([][]byte, 0, len(eligible))
			for _, msg := range eligible {
				deletes = append(deletes, kv.QueueMessageKey(msg.ID))
				q.removeMirrorLocked(msg.ID)
				q.meta.Size--
			}
			completions := make([]chan Completion, 0)
			for _, msg := range eligible {
				if ch, ok := q.completions[msg.ID]; ok {
					completions = append(completions, ch)
					delete(q.completions, msg.ID)
				}
			}
			batch, err := q.metadataBatchLocked()
			q.inst.sleep.resetLocked()
			q.inst.mu.Unlock()
			if err != nil {
				return nil, err
			}
			if err := q.writeBatch(ctx, batch, deletes); err != nil {
				return nil, err
			}
			for _, ch := range completions {
				ch <- Completion{Status: CompletionCompleted}
			}
			return eligible, nil
		}

		// Nothing eligible now.
		if opts.Timeout == 0 {
			q.inst.mu.Unlock()
			return nil, nil
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			q.inst.mu.Unlock()
			return nil, nil
		}

		waiter := &receiveWaiter{names: nameSet, wake: make(chan struct{})}
		q.waiters = append(q.waiters, waiter)
		q.inst.queueWaitCount++
		q.inst.sleep.resetLocked()
		q.inst.mu.Unlock()

		err := q.blockOnWaiter(ctx, waiter, deadline, earliestFuture)

		q.inst.mu.Lock()
		q.removeWaiterLocked(waiter)
		q.inst.queueWaitCount--
		q.inst.sleep.resetLocked()
		q.inst.mu.Unlock()

		if err != nil {
			return nil, err
		}
		// Woken or redelivery due: loop and rescan.
	}
}

// blockOnWaiter waits for a wake, the redelivery instant, the deadline, the
// caller's context, or actor abort. A nil return means "rescan".
func (q *queueManager) blockOnWaiter(ctx context.Context, waiter *receiveWaiter, deadline time.Time, earliestFuture int64) error {
	wakeAt := deadline
	if earliestFuture > 0 {
		redeliverAt := time.UnixMilli(earliestFuture)
		if wakeAt.IsZero() || redeliverAt.Before(wakeAt) {
			wakeAt = redeliverAt
		}
	}

	var timerC <-chan time.Time
	if !wakeAt.IsZero() {
		timer := time.NewTimer(time.Until(wakeAt))
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-waiter.wake:
		return nil
	case <-timerC:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.inst.abortCtx.Done():
		return ErrActorAborted()
	}
}

// Complete resolves the single in-flight message with a response, removing it
// durably and waking its completion waiter.
func (q *queueManager) Complete(ctx context.Context, msg *QueueMessage, response any) error {
	q.inst.mu.Lock()
	if q.pendingID == nil || *q.pendingID != msg.ID {
		q.inst.mu.Unlock()
		return ErrQueueAlreadyCompleted(msg.ID)
	}
	q.pendingID = nil
	q.removeMirrorLocked(msg.ID)
	q.meta.Size--
	var completion chan Completion
	if ch, ok := q.completions[msg.ID]; ok {
		completion = ch
		delete(q.completions, msg.ID)
	}
	batch, err := q.metadataBatchLocked()
	q.inst.sleep.resetLocked()
	q.inst.mu.Unlock()
	if err != nil {
		return err
	}

	if err := q.writeBatch(ctx, batch, [][]byte{kv.QueueMessageKey(msg.ID)}); err != nil {
		return err
	}
	if completion != nil {
		completion <- Completion{Status: CompletionCompleted, Response: response}
	}
	return nil
}

// EnqueueAndWait durably appends a message and blocks until a consumer
// completes it (or drains it without an explicit response).
func (q *queueManager) EnqueueAndWait(ctx context.Context, name string, body any, timeout time.Duration) (*Completion, error) {
	msg, completion, err := q.enqueue(ctx, name, body, EnqueueOptions{}, true)
	if err != nil {
		return nil, err
	}

	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	q.inst.mu.Lock()
	q.inst.queueWaitCount++
	q.inst.sleep.resetLocked()
	q.inst.mu.Unlock()
	defer func() {
		q.inst.mu.Lock()
		q.inst.queueWaitCount--
		q.inst.sleep.resetLocked()
		q.inst.mu.Unlock()
	}()

	select {
	case result := <-completion:
		return &result, nil
	case <-timerC:
		q.inst.mu.Lock()
		delete(q.completions, msg.ID)
		q.inst.mu.Unlock()
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		q.inst.mu.Lock()
		delete(q.completions, msg.ID)
		q.inst.mu.Unlock()
		return nil, ctx.Err()
	case <-q.inst.abortCtx.Done():
		q.inst.mu.Lock()
		delete(q.completions, msg.ID)
		q.inst.mu.Unlock()
		return nil, ErrActorAborted()
	}
}

// Size returns the persisted message count.
func (q *queueManager) Size() int {
	q.inst.mu.Lock()
	defer q.inst.mu.Unlock()
	return q.meta.Size
}

// messageBatchLocked builds a put batch of one message plus metadata.
// Caller holds the instance mutex.
func (q *queueManager) messageBatchLocked(msg *QueueMessage) ([]kv.Entry, error) {
	blob, err := cbor.Marshal(msg)
	if err != nil {
		return nil, err
	}
	metaBlob, err := cbor.Marshal(&q.meta)
	if err != nil {
		return nil, err
	}
	return []kv.Entry{
		{Key: kv.QueueMessageKey(msg.ID), Value: blob},
		{Key: kv.QueueMetadataKey(), Value: metaBlob},
	}, nil
}

// metadataBatchLocked builds a put batch of metadata alone. Caller holds the
// instance mutex.
func (q *queueManager) metadataBatchLocked() ([]kv.Entry, error) {
	metaBlob, err := cbor.Marshal(&q.meta)
	if err != nil {
		return nil, err
	}
	return []kv.Entry{{Key: kv.QueueMetadataKey(), Value: metaBlob}}, nil
}

// writeBatch issues one put+delete pair through the shared serialized write
// queue so queue batches never race state batches.
func (q *queueManager) writeBatch(ctx context.Context, puts []kv.Entry, deletes [][]byte) error {
	return q.inst.state.writes.Do(ctx, func() error {
		if len(puts) > 0 {
			if err := q.inst.driver.KVBatchPut(ctx, q.inst.id, puts); err != nil {
				return err
			}
		}
		if len(deletes) > 0 {
			if err := q.inst.driver.KVBatchDelete(ctx, q.inst.id, deletes); err != nil {
				return err
			}
		}
		return nil
	})
}

func (q *queueManager) removeMirrorLocked(id uint64) {
	for i, msg := range q.msgs {
		if msg.ID == id {
			q.msgs = append(q.msgs[:i], q.msgs[i+1:]...)
			return
		}
	}
}

func (q *queueManager) removeWaiterLocked(waiter *receiveWaiter) {
	for i, w := range q.waiters {
		if w == waiter {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}
