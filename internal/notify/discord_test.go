package notify

import (
	"io"
	"testing"
	"time"

	"github.com/m45pool/stratumpool/internal/log"
)

func TestOpenWithoutCredentialsIsDisabledNoOp(t *testing.T) {
	n, err := Open(Config{Logger: log.New(io.Discard, log.LevelError)})
	if err != nil {
		t.Fatalf("Open with empty config should not error, got %v", err)
	}
	if n.enabled() {
		t.Fatal("expected a Notifier with no bot token/channel to be disabled")
	}

	// These must not panic or attempt to reach a nil discordgo.Session.
	n.NotifyBlockSolve(800000, "worker1", "0000000000abc")
	n.NotifyWorkerOffline("worker1", time.Now().Add(-time.Hour))
	if err := n.Close(); err != nil {
		t.Fatalf("Close on a disabled Notifier should not error, got %v", err)
	}
}

func TestOpenWithOnlyChannelIDStaysDisabled(t *testing.T) {
	n, err := Open(Config{ChannelID: "12345", Logger: log.New(io.Discard, log.LevelError)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if n.enabled() {
		t.Fatal("expected a Notifier missing a bot token to stay disabled")
	}
}
