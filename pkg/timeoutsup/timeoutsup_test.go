package timeoutsup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInterTokenTimeoutCancelsWithoutProduction(t *testing.T) {
	s := New(Config{Total: time.Hour, InterToken: 10 * time.Millisecond, Ack: time.Hour, KeepAlive: time.Hour})
	defer s.Stop()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected inter-token timeout to fire")
	}
}

func TestOnTokenProducedResetsInterTokenTimer(t *testing.T) {
	s := New(Config{Total: time.Hour, InterToken: 30 * time.Millisecond, Ack: time.Hour, KeepAlive: time.Hour})
	defer s.Stop()

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		s.OnTokenProduced()
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case <-s.Done():
		t.Fatal("should not have cancelled while tokens kept resetting the timer")
	default:
	}
}

func TestAckTimeoutCancelsWhenEnabledAndNotAcked(t *testing.T) {
	s := New(Config{Total: time.Hour, InterToken: time.Hour, Ack: 10 * time.Millisecond, KeepAlive: time.Hour})
	defer s.Stop()
	s.EnableAck()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("expected ack timeout to fire")
	}
}

func TestKeepAliveFiresRepeatedlyWithoutCancelling(t *testing.T) {
	s := New(Config{Total: time.Hour, InterToken: time.Hour, Ack: time.Hour, KeepAlive: 10 * time.Millisecond})
	defer s.Stop()

	fired := make(chan struct{}, 10)
	s.StartKeepAlive(func() { fired <- struct{}{} })

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(time.Second):
			t.Fatal("expected keep-alive to fire")
		}
	}

	select {
	case <-s.Done():
		t.Fatal("keep-alive must never cancel the stream")
	default:
	}
}

func TestStopDisarmsAllTimers(t *testing.T) {
	s := New(Config{Total: 10 * time.Millisecond, InterToken: time.Hour, Ack: time.Hour, KeepAlive: time.Hour})
	s.Stop()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-s.Done():
		t.Fatal("total timer should have been disarmed by Stop")
	default:
	}
}
