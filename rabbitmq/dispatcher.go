package rabbitmq

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/israelio/amqpr-go/internal/frame"
	"github.com/israelio/amqpr-go/internal/protocol"
)

// outbound is one queued frame. done, when set, receives the write result
// once the frame has been flushed to the transport.
type outbound struct {
	frame *frame.Frame
	done  chan error
}

// dispatcher is the only component that touches the transport. Its reader
// loop routes inbound frames by channel id; its writer loop drains the
// outbound queue in FIFO order.
type dispatcher struct {
	transport frame.Transport
	out       chan outbound
	registry  *channelRegistry
	logger    *zap.Logger
	metrics   MetricsCollector

	// global receives channel 0 traffic; violation receives unroutable frames.
	global    func(*frame.Frame)
	violation func(*ProtocolViolationError)

	cancel   context.CancelFunc
	stopping chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

func newDispatcher(t frame.Transport, registry *channelRegistry, queueSize int, logger *zap.Logger, metrics MetricsCollector) *dispatcher {
	return &dispatcher{
		transport: t,
		out:       make(chan outbound, queueSize),
		registry:  registry,
		logger:    logger,
		metrics:   metrics,
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// start launches the reader and writer loops. The first loop to fail cancels
// the other; err is set before done is closed.
func (d *dispatcher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.readLoop(gctx) })
	g.Go(func() error { return d.writeLoop(gctx) })
	g.Go(func() error {
		// Closing the transport is the only way to unblock ReadFrame.
		<-gctx.Done()
		d.transport.Close()
		return nil
	})

	go func() {
		d.err = g.Wait()
		if d.err == nil {
			d.err = ErrClosed
		}
		close(d.done)
	}()
}

// stop shuts both loops down and closes the transport.
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() {
		close(d.stopping)
		if d.cancel != nil {
			d.cancel()
		}
	})
}

// failure returns the error that ended the dispatcher, or nil while running.
func (d *dispatcher) failure() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

func (d *dispatcher) isStopping() bool {
	select {
	case <-d.stopping:
		return true
	default:
		return false
	}
}

func (d *dispatcher) readLoop(ctx context.Context) error {
	for {
		f, err := d.transport.ReadFrame()
		if err != nil {
			if d.isStopping() || ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return ErrUnexpectedConnectionClose
			}
			d.logger.Error("read failed", zap.Error(err))
			return &TransportError{Op: "read", Err: err}
		}

		d.metrics.FrameReceived(f.Type)
		if ce := d.logger.Check(zap.DebugLevel, "frame received"); ce != nil {
			ce.Write(zap.Uint16("channel_id", f.ChannelID), zap.String("frame", f.String()))
		}
		d.route(f)
	}
}

func (d *dispatcher) route(f *frame.Frame) {
	if f.ChannelID == protocol.GlobalChannel {
		d.global(f)
		return
	}

	if f.Type == protocol.FrameHeartbeat {
		d.reportViolation(f, "heartbeat on non-zero channel")
		return
	}

	actor, ok := d.registry.get(f.ChannelID)
	if !ok {
		d.reportViolation(f, "frame for unknown channel")
		return
	}
	if err := actor.deliver(f); err != nil {
		d.reportViolation(f, "frame for closed channel")
	}
}

func (d *dispatcher) reportViolation(f *frame.Frame, reason string) {
	d.metrics.ProtocolViolation()
	d.violation(&ProtocolViolationError{
		ChannelID: f.ChannelID,
		Frame:     f.String(),
		Reason:    reason,
	})
}

func (d *dispatcher) writeLoop(ctx context.Context) error {
	var pending []chan error

	signal := func(err error) {
		for _, done := range pending {
			if done != nil {
				done <- err
			}
		}
		pending = pending[:0]
	}

	write := func(ob outbound) error {
		pending = append(pending, ob.done)
		if err := d.transport.WriteFrame(ob.frame); err != nil {
			return err
		}
		d.metrics.FrameSent(ob.frame.Type)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			signal(ErrClosed)
			return nil
		case ob := <-d.out:
			err := write(ob)
			// Batch whatever is already queued into one flush.
			for err == nil && len(d.out) > 0 {
				err = write(<-d.out)
			}
			if err == nil {
				err = d.transport.Flush()
			}
			if err != nil {
				if d.isStopping() {
					signal(ErrClosed)
					return nil
				}
				d.logger.Error("write failed", zap.Error(err))
				terr := &TransportError{Op: "write", Err: err}
				signal(terr)
				return terr
			}
			signal(nil)
		}
	}
}

// enqueue hands f to the writer loop. It blocks while the outbound queue is
// full. The returned channel, if done is true, receives the write result.
func (d *dispatcher) enqueue(ctx context.Context, f *frame.Frame, wantDone bool) (<-chan error, error) {
	ob := outbound{frame: f}
	if wantDone {
		ob.done = make(chan error, 1)
	}

	if err := d.failure(); err != nil {
		return nil, err
	}

	select {
	case d.out <- ob:
		return ob.done, nil
	case <-d.done:
		return nil, d.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// send enqueues f and waits until it has been written or ctx ends. A frame
// abandoned after queueing is still written.
func (d *dispatcher) send(ctx context.Context, f *frame.Frame) error {
	done, err := d.enqueue(ctx, f, true)
	if err != nil {
		return err
	}
	return d.await(ctx, done)
}

// await waits for a write result, or for the dispatcher to stop.
func (d *dispatcher) await(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		// The writer may have signalled just before exiting.
		select {
		case err := <-done:
			return err
		default:
			return d.err
		}
	}
}
