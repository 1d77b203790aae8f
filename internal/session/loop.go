package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/chaz8081/serenescent/internal/ble"
	"github.com/chaz8081/serenescent/internal/ble/protocol"
)

func (s *Session) run() {
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	defer s.shutdown()

	for !s.closing {
		if s.ready() && len(s.queue) > 0 {
			select {
			case <-s.quit:
				return
			case c := <-s.ctl:
				s.handleControl(c)
				continue
			default:
			}
			call := s.queue[0]
			s.queue = s.queue[1:]
			s.execute(call)
			s.flushDeferred()
			continue
		}

		select {
		case c := <-s.reqs:
			s.enqueue(c)
		case c := <-s.ctl:
			s.handleControl(c)
		case n := <-s.notes:
			s.consume(n)
		case l := <-s.lost:
			if l == s.link {
				s.linkDown()
			}
		case r := <-s.dialed:
			s.handleDialed(r)
		case <-s.redialC():
			s.redial = nil
			if s.wantConnected && s.conn == Disconnected {
				s.startDial(Reconnecting)
			}
		case now := <-ticker.C:
			s.onTick(now)
		case <-s.quit:
			return
		}
	}
}

func (s *Session) ready() bool {
	return s.conn == Connected && s.link != nil
}

func (s *Session) redialC() <-chan time.Time {
	if s.redial == nil {
		return nil
	}
	return s.redial.C
}

func (s *Session) stopRedial() {
	if s.redial != nil {
		s.redial.Stop()
		s.redial = nil
	}
}

func (s *Session) handleControl(c control) {
	var err error
	switch c.kind {
	case ctlConnect:
		if s.conn == Connected {
			break
		}
		s.wantConnected = true
		s.idleReleased = false
		s.waiters = append(s.waiters, c.reply)
		s.startDial(Connecting)
		return
	case ctlDisconnect:
		s.log.Info("[SESSION] disconnecting")
		s.teardown(ErrCancelled)
	case ctlCancel:
		s.log.Info("[SESSION] cancelling queued commands", "queued", len(s.queue))
		s.failQueue(ErrCancelled)
	case ctlPolling:
		s.polling = c.enabled
		s.log.Info("[SESSION] polling", "enabled", c.enabled)
	}
	if c.reply != nil {
		c.reply <- err
	}
}

func (s *Session) flushDeferred() {
	pending := s.deferred
	s.deferred = nil
	for _, c := range pending {
		s.handleControl(c)
	}
}

func (s *Session) enqueue(c *Call) {
	if s.callerQueued() >= s.opts.QueueSize {
		s.evictOldest()
	}
	s.queue = append(s.queue, c)
	if s.idleReleased && s.wantConnected && s.conn == Disconnected {
		s.idleReleased = false
		s.log.Info("[SESSION] reconnecting idle link")
		s.startDial(Connecting)
	}
}

// callerQueued counts queued calls submitted through the public API.
func (s *Session) callerQueued() int {
	n := 0
	for _, c := range s.queue {
		if !c.internal {
			n++
		}
	}
	return n
}

// evictOldest fails the oldest caller-submitted call with ErrQueueFull.
// Keepalive polls and mode corrections stay queued.
func (s *Session) evictOldest() {
	for i, c := range s.queue {
		if c.internal {
			continue
		}
		s.queue = slices.Delete(s.queue, i, i+1)
		s.log.Warn("[SESSION] queue full, dropping oldest command", "command", c.cmd)
		c.finish(ErrQueueFull)
		return
	}
}

// schedulePoll queues a status query unless one is already waiting.
func (s *Session) schedulePoll() {
	if s.pollQueued {
		return
	}
	c := newCall(intentPoll, protocol.Command{Kind: protocol.KindStatusQuery})
	c.closed = s.stopped
	c.internal = true
	s.pollQueued = true
	s.queue = append(s.queue, c)
}

func (s *Session) queueReconcile(t Transition) {
	if s.reconcileQueued {
		return
	}
	c := newCall(intentReconcile, protocol.Command{})
	c.transition = t
	c.closed = s.stopped
	c.internal = true
	s.reconcileQueued = true
	s.queue = append([]*Call{c}, s.queue...)
	s.log.Info("[SESSION] device mode drifted, correcting", "transition", t)
}

func (s *Session) onTick(now time.Time) {
	if !s.ready() {
		return
	}
	if s.opts.IdleTimeout > 0 && len(s.queue) == 0 && now.Sub(s.lastIntent) >= s.opts.IdleTimeout {
		s.log.Info("[SESSION] releasing idle link", "idle", now.Sub(s.lastIntent).Round(time.Second))
		s.releaseLink()
		s.idleReleased = true
		s.setConn(Disconnected, nil)
		return
	}
	if s.polling {
		s.schedulePoll()
	}
}

// execute runs one queued call to completion.
func (s *Session) execute(c *Call) {
	if c.kind.mutating() {
		s.lastIntent = time.Now()
	}

	var err error
	switch c.kind {
	case intentPoll:
		if c.internal {
			s.pollQueued = false
		}
		err = s.transmit(protocol.StatusQuery(s.machine.Mode()), s.opts.CommandRetries, c.accept)
	case intentReconcile:
		s.reconcileQueued = false
		err = s.runTransition(c.transition, c.accept)
	case intentSchedule:
		err = s.runTransition(c.transition, c.accept)
	case intentControl:
		err = s.runControl(c)
	}

	switch {
	case errors.Is(err, errLinkLost):
		// Replayed once the link is back.
		s.queue = append([]*Call{c}, s.queue...)
		s.linkDown()
		return
	case errors.Is(err, errAborted):
		err = ErrCancelled
	}
	if err != nil && !errors.Is(err, ErrCancelled) {
		s.log.Warn("[SESSION] command failed", "command", c.cmd, "err", err)
	}
	c.finish(err)

	if c.kind.mutating() && !errors.Is(err, ErrWrongMode) && !errors.Is(err, ErrCancelled) {
		s.schedulePoll()
	}
}

func (s *Session) runControl(c *Call) error {
	if s.machine.State() == StateSchedule {
		if c.keepMode {
			return ErrWrongMode
		}
		if err := s.runTransition(TransitionHome, nil); err != nil {
			return err
		}
	}
	return s.transmit(c.cmd, s.opts.CommandRetries, func() {
		if d, ok := s.model.ApplyOptimistic(c.cmd); ok {
			s.publish(d)
		}
		c.accept()
	})
}

// runTransition sends a mode sequence with no interleaving. Steps are
// single-attempt; a failed step reverts the machine and the model.
func (s *Session) runTransition(t Transition, onFirstWrite func()) error {
	before := s.model.State()
	seq, err := s.machine.Begin(t, before)
	if err != nil {
		return err
	}
	if seq == nil {
		if onFirstWrite != nil {
			onFirstWrite()
		}
		return nil
	}
	s.syncMachine()
	s.log.Info("[SESSION] mode transition", "transition", t, "steps", len(seq))

	for i, cmd := range seq {
		var written func()
		if i == 0 {
			written = onFirstWrite
		}
		if err := s.transmit(cmd, 0, written); err != nil {
			s.machine.Abort()
			s.syncMachine()
			if d, ok := s.model.Restore(before); ok {
				s.publish(d)
			}
			if errors.Is(err, errLinkLost) || errors.Is(err, errAborted) {
				return err
			}
			return &ModeTransitionError{Transition: t, Step: i + 1, Command: cmd, Err: err}
		}
		if d, ok := s.model.ApplyOptimistic(cmd); ok {
			s.publish(d)
		}
	}

	s.machine.Complete()
	s.syncMachine()
	if d, ok := s.model.ApplyOptimistic(protocol.ModeSwitch(s.machine.Mode())); ok {
		s.publish(d)
	}
	s.log.Info("[SESSION] mode transition complete", "mode", s.machine.State())
	return nil
}

// transmit writes one command and waits for its echo, retrying up to
// retries more times with linear backoff. onWritten runs after the first
// successful write.
func (s *Session) transmit(cmd protocol.Command, retries int, onWritten func()) error {
	frame, err := protocol.Encode(cmd)
	if err != nil {
		return err
	}
	echo := frame.ExpectedEcho()
	s.inflight = &PendingCommand{
		Frame:            frame,
		ExpectedEcho:     echo,
		RetriesRemaining: uint8(retries),
	}
	defer func() { s.inflight = nil }()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			s.inflight.RetriesRemaining--
			s.log.Debug("[SESSION] retrying command", "frame", frame, "attempt", attempt, "err", lastErr)
			if err := s.wait(retryDelay(attempt, s.opts.RetryBackoff), nil); err != nil {
				return err
			}
		}
		if err := s.pace(); err != nil {
			return err
		}
		if s.link == nil {
			return errLinkLost
		}

		s.inflight.IssuedAt = time.Now()
		s.log.Debug("[SESSION] write", "frame", frame)
		err := s.link.Write(frame.Bytes())
		s.lastWrite = time.Now()
		if err != nil {
			if !s.link.IsConnected() {
				return errLinkLost
			}
			lastErr = fmt.Errorf("session: write %s: %w", frame, err)
			continue
		}
		if onWritten != nil {
			onWritten()
			onWritten = nil
		}

		err = s.wait(s.opts.CommandTimeout, &echo)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errAckTimeout) {
			return err
		}
		lastErr = fmt.Errorf("%w: %s after %s", ErrCommandTimeout, frame, s.opts.CommandTimeout)
	}
	return lastErr
}

// pace holds the next write until CommandSpacing has passed since the last.
func (s *Session) pace() error {
	if s.lastWrite.IsZero() || s.opts.CommandSpacing == 0 {
		return nil
	}
	gap := s.opts.CommandSpacing - time.Since(s.lastWrite)
	if gap <= 0 {
		return nil
	}
	return s.wait(gap, nil)
}

// wait services the loop for d while a command is outstanding. With a
// non-nil echo it returns as soon as a frame echoing that opcode arrives and
// errAckTimeout if none does; with a nil echo it simply sleeps.
func (s *Session) wait(d time.Duration, echo *byte) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case n := <-s.notes:
			frame, ok := s.consume(n)
			if ok && echo != nil && frame.Echo == *echo {
				return nil
			}
		case l := <-s.lost:
			if l == s.link {
				return errLinkLost
			}
		case c := <-s.reqs:
			s.enqueue(c)
		case c := <-s.ctl:
			switch c.kind {
			case ctlDisconnect, ctlCancel:
				s.deferred = append(s.deferred, c)
				return errAborted
			default:
				s.handleControl(c)
			}
		case <-s.quit:
			s.closing = true
			return errAborted
		case <-timer.C:
			if echo != nil {
				return errAckTimeout
			}
			return nil
		}
	}
}

// consume decodes one notification and folds it into the model.
func (s *Session) consume(n note) (protocol.ResponseFrame, bool) {
	if n.link != s.link || protocol.IsFiller(n.data) {
		return protocol.ResponseFrame{}, false
	}
	frame, err := protocol.Decode(n.data)
	if err != nil {
		s.log.Debug("[SESSION] dropping notification", "data", fmt.Sprintf("% X", n.data), "err", err)
		return protocol.ResponseFrame{}, false
	}
	if frame.Kind == protocol.FrameStatus {
		if d, ok := s.model.Apply(frame); ok {
			s.publish(d)
		}
		if t, ok := s.machine.ObservePoll(frame.Status.Mode); ok {
			s.queueReconcile(t)
		}
		s.syncMachine()
	}
	return frame, true
}

func (s *Session) startDial(state ConnState) {
	if s.dialCancel != nil {
		return
	}
	s.stopRedial()
	s.setConn(state, nil)
	s.launchDial(0)
}

// launchDial starts a connect round at the given attempt, carrying the
// adaptive connect delay.
func (s *Session) launchDial(first int) {
	s.dialGen++
	ctx, cancel := context.WithCancel(context.Background())
	s.dialCancel = cancel
	go s.dial(ctx, s.dialGen, first, s.connectDelay)
}

// dial runs the remaining attempts of a connect round. The delay grows after
// every failed attempt and is slept before the next one.
func (s *Session) dial(ctx context.Context, gen uint64, first int, delay time.Duration) {
	var lastErr error
	for attempt := first; attempt < s.opts.ConnectAttempts; attempt++ {
		if attempt > 0 {
			s.log.Info("[SESSION] connect retry", "attempt", attempt+1, "delay", delay, "err", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		link, err := s.transport.Connect(ctx)
		if err == nil {
			if err = s.attach(link); err == nil {
				s.report(ctx, dialResult{gen: gen, link: link, attempt: attempt, delay: delay})
				return
			}
			_ = link.Disconnect()
		}
		lastErr = err
		if ctx.Err() != nil {
			return
		}
		delay = growConnectDelay(delay, s.opts.ConnectBaseDelay, s.opts.ConnectMaxDelay)
	}
	s.report(ctx, dialResult{gen: gen, err: lastErr, attempt: s.opts.ConnectAttempts - 1, delay: delay})
}

func (s *Session) attach(link ble.Link) error {
	link.OnDisconnect(func() {
		select {
		case s.lost <- link:
		default:
		}
	})
	return link.Subscribe(func(data []byte) {
		buf := make([]byte, len(data))
		copy(buf, data)
		select {
		case s.notes <- note{link: link, data: buf}:
		case <-s.stopped:
		}
	})
}

func (s *Session) report(ctx context.Context, r dialResult) {
	select {
	case s.dialed <- r:
	case <-ctx.Done():
		if r.link != nil {
			_ = r.link.Disconnect()
		}
	}
}

func (s *Session) handleDialed(r dialResult) {
	if r.gen != s.dialGen || s.dialCancel == nil {
		if r.link != nil {
			_ = r.link.Disconnect()
		}
		return
	}
	if r.err != nil {
		s.endDial()
		s.connectDelay = r.delay
		s.connectFailed(r.err)
		return
	}

	// The round stays open until the device answers the initial status
	// query; a silent device counts as a failed attempt.
	s.link = r.link
	s.machine = NewModeMachine()
	s.syncMachine()
	err := s.transmit(protocol.StatusQuery(protocol.ModeHome), s.opts.CommandRetries, nil)
	s.endDial()

	switch {
	case err == nil:
	case errors.Is(err, errAborted):
		s.log.Info("[SESSION] connect abandoned")
		s.releaseLink()
		s.wantConnected = false
		s.replyWaiters(ErrCancelled)
		s.setConn(Disconnected, nil)
		s.flushDeferred()
		return
	default:
		s.log.Warn("[SESSION] device did not answer after connecting", "attempt", r.attempt+1, "err", err)
		s.releaseLink()
		s.connectDelay = growConnectDelay(r.delay, s.opts.ConnectBaseDelay, s.opts.ConnectMaxDelay)
		if r.attempt+1 < s.opts.ConnectAttempts {
			s.launchDial(r.attempt + 1)
			return
		}
		s.connectFailed(fmt.Errorf("initial status query: %w", err))
		return
	}

	s.connectDelay = relaxConnectDelay(r.delay)
	s.lastIntent = time.Now()
	s.setConn(Connected, nil)
	s.log.Info("[SESSION] connected")
	s.replyWaiters(nil)
}

func (s *Session) endDial() {
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
}

// connectFailed ends an exhausted connect round.
func (s *Session) connectFailed(cause error) {
	err := fmt.Errorf("%w: %w", ErrConnection, cause)
	s.log.Error("[SESSION] connect failed", "attempts", s.opts.ConnectAttempts, "err", cause)
	s.setConn(Disconnected, err)
	s.replyWaiters(err)
	if s.opts.AutoReconnect && s.wantConnected {
		s.redial = time.NewTimer(s.opts.ReconnectInterval)
	}
}

func (s *Session) replyWaiters(err error) {
	for _, w := range s.waiters {
		w <- err
	}
	s.waiters = nil
}

// linkDown handles a dropped link: the link is released and, if the session
// still wants a connection, a reconnect round starts.
func (s *Session) linkDown() {
	s.log.Warn("[SESSION] link lost")
	s.releaseLink()
	s.inflight = nil
	if !s.wantConnected {
		s.setConn(Disconnected, nil)
		return
	}
	s.startDial(Reconnecting)
}

func (s *Session) releaseLink() {
	if s.link == nil {
		return
	}
	l := s.link
	s.link = nil
	if err := l.Unsubscribe(); err != nil {
		s.log.Debug("[SESSION] unsubscribe", "err", err)
	}
	if err := l.Disconnect(); err != nil {
		s.log.Debug("[SESSION] disconnect", "err", err)
	}
}

func (s *Session) failQueue(reason error) {
	queued := s.queue
	s.queue = nil
	s.pollQueued = false
	s.reconcileQueued = false
	for _, c := range queued {
		c.finish(reason)
	}
	for {
		select {
		case c := <-s.reqs:
			c.finish(reason)
		default:
			return
		}
	}
}

// teardown drops the connection and everything waiting on it. The device
// snapshot is kept.
func (s *Session) teardown(reason error) {
	s.wantConnected = false
	s.idleReleased = false
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
		s.dialGen++
	}
	s.stopRedial()
	s.releaseLink()
	s.inflight = nil
	s.failQueue(reason)
	s.replyWaiters(reason)
	s.setConn(Disconnected, nil)
}

func (s *Session) shutdown() {
	s.log.Debug("[SESSION] stopping")
	s.teardown(ErrCancelled)

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsClosed = true
	s.subMu.Unlock()

	close(s.stopped)
	for {
		select {
		case c := <-s.reqs:
			c.finish(ErrClosed)
		default:
			return
		}
	}
}
