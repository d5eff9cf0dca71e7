package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFake_AdvanceMovesNow(t *testing.T) {
	c := Fake(epoch)
	c.Advance(3601 * time.Second)
	if got := c.Now(); !got.Equal(epoch.Add(3601 * time.Second)) {
		t.Errorf("Now = %v, want %v", got, epoch.Add(3601*time.Second))
	}
}

func TestFake_TickerFiresPerInterval(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Minute)
	defer tk.Stop()

	c.Advance(30 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("ticker fired before interval elapsed")
	default:
	}

	c.Advance(30 * time.Second)
	select {
	case got := <-tk.C:
		if !got.Equal(epoch.Add(time.Minute)) {
			t.Errorf("tick = %v, want %v", got, epoch.Add(time.Minute))
		}
	default:
		t.Fatal("ticker did not fire after interval")
	}
}

func TestFake_StoppedTickerDoesNotFire(t *testing.T) {
	c := Fake(epoch)
	tk := c.NewTicker(time.Second)
	tk.Stop()
	c.Advance(5 * time.Second)
	select {
	case <-tk.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFake_WaitForTickers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		c.WaitForTickers(1)
		close(done)
	}()
	tk := c.NewTicker(time.Second)
	defer tk.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WaitForTickers did not return")
	}
}
