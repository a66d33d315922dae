package job

import (
	"context"
	"syscall"
	"time"

	"github.com/m45pool/stratumpool/internal/log"
	zmq4 "github.com/pebbe/zmq4"
)

const (
	zmqRecreateBackoffMin = 500 * time.Millisecond
	zmqRecreateBackoffMax = 30 * time.Second
	zmqReceiveTimeout     = 1 * time.Second
	zmqReconnectInterval  = 100 * time.Millisecond
	zmqReconnectMax       = 5 * time.Second
	zmqHeartbeatInterval  = 15 * time.Second
	zmqHeartbeatTimeout   = 30 * time.Second
	zmqHeartbeatTTL       = 45 * time.Second
)

// ZMQWatcher subscribes to bitcoind's hashblock/rawblock topics and signals
// a LocalNode to refresh out-of-cadence when the chain tip advances, so a
// newly found block reaches miners without waiting for the next poll tick.
type ZMQWatcher struct {
	Addr    string
	Refresh chan<- struct{}
	Logger  *log.Logger
}

// NewZMQWatcher constructs a watcher; Addr must be a tcp:// endpoint
// matching bitcoind's -zmqpubhashblock configuration.
func NewZMQWatcher(addr string, refresh chan<- struct{}, logger *log.Logger) *ZMQWatcher {
	if logger == nil {
		logger = log.Default
	}
	return &ZMQWatcher{Addr: addr, Refresh: refresh, Logger: logger}
}

// Run blocks, reconnecting with exponential backoff, until ctx is cancelled.
func (w *ZMQWatcher) Run(ctx context.Context) error {
	if w.Addr == "" {
		return nil
	}
	backoff := zmqRecreateBackoffMin
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.runOnce(ctx); err != nil {
			w.Logger.Warn("zmq watcher error, reconnecting", "addr", w.Addr, "error", err, "backoff", backoff)
		}
		if err := sleepContext(ctx, backoff); err != nil {
			return err
		}
		backoff *= 2
		if backoff > zmqRecreateBackoffMax {
			backoff = zmqRecreateBackoffMax
		}
	}
}

func (w *ZMQWatcher) runOnce(ctx context.Context) error {
	sub, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return err
	}
	defer sub.Close()
	_ = sub.SetLinger(0)

	for _, topic := range []string{"hashblock", "rawblock"} {
		if err := sub.SetSubscribe(topic); err != nil {
			return err
		}
	}
	if err := sub.SetRcvtimeo(zmqReceiveTimeout); err != nil {
		return err
	}
	_ = sub.SetReconnectIvl(zmqReconnectInterval)
	_ = sub.SetReconnectIvlMax(zmqReconnectMax)
	_ = sub.SetHeartbeatIvl(zmqHeartbeatInterval)
	_ = sub.SetHeartbeatTimeout(zmqHeartbeatTimeout)
	_ = sub.SetHeartbeatTtl(zmqHeartbeatTTL)

	if err := sub.Connect(w.Addr); err != nil {
		return err
	}
	w.Logger.Info("watching zmq block notifications", "addr", w.Addr)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, err := sub.RecvMessageBytes(0)
		if err != nil {
			eno := zmq4.AsErrno(err)
			if eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT {
				continue
			}
			return err
		}
		select {
		case w.Refresh <- struct{}{}:
		default:
		}
	}
}
