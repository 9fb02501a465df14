package presence

import (
	"sync"
	"testing"
)

func TestConnectDisconnectTransitions(t *testing.T) {
	var events []string
	tr := NewTracker(func(userID string, online bool) {
		if online {
			events = append(events, "online:"+userID)
		} else {
			events = append(events, "offline:"+userID)
		}
	})

	// First connection fires online.
	if n := tr.Connect("u1"); n != 1 {
		t.Fatalf("expected count 1, got %d", n)
	}
	// Second device: no transition.
	if n := tr.Connect("u1"); n != 2 {
		t.Fatalf("expected count 2, got %d", n)
	}
	if !tr.IsOnline("u1") {
		t.Fatal("expected u1 online")
	}

	// First disconnect: still online, no transition.
	if n := tr.Disconnect("u1"); n != 1 {
		t.Fatalf("expected count 1, got %d", n)
	}
	// Last disconnect fires offline.
	if n := tr.Disconnect("u1"); n != 0 {
		t.Fatalf("expected count 0, got %d", n)
	}
	if tr.IsOnline("u1") {
		t.Fatal("expected u1 offline")
	}

	want := []string{"online:u1", "offline:u1"}
	if len(events) != len(want) {
		t.Fatalf("expected %d transitions, got %d (%v)", len(want), len(events), events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("transition %d: expected %q, got %q", i, want[i], events[i])
		}
	}
}

func TestDisconnectWithoutConnect(t *testing.T) {
	fired := false
	tr := NewTracker(func(string, bool) { fired = true })

	if n := tr.Disconnect("ghost"); n != 0 {
		t.Fatalf("expected count 0, got %d", n)
	}
	if fired {
		t.Error("expected no transition for unknown user")
	}
}

func TestOnlineUsers(t *testing.T) {
	tr := NewTracker(nil)
	tr.Connect("a")
	tr.Connect("a")
	tr.Connect("b")

	if n := tr.OnlineUsers(); n != 2 {
		t.Fatalf("expected 2 online users, got %d", n)
	}
	tr.Disconnect("a")
	tr.Disconnect("a")
	if n := tr.OnlineUsers(); n != 1 {
		t.Fatalf("expected 1 online user, got %d", n)
	}
}

// Concurrent connects and disconnects must produce exactly one online and one
// offline transition and leave the count at zero.
func TestConcurrentTransitions(t *testing.T) {
	var mu sync.Mutex
	online, offline := 0, 0
	tr := NewTracker(func(_ string, isOnline bool) {
		mu.Lock()
		if isOnline {
			online++
		} else {
			offline++
		}
		mu.Unlock()
	})

	const devices = 64
	var wg sync.WaitGroup
	wg.Add(devices)
	for i := 0; i < devices; i++ {
		go func() {
			defer wg.Done()
			tr.Connect("u1")
		}()
	}
	wg.Wait()

	if n := tr.Count("u1"); n != devices {
		t.Fatalf("expected count %d, got %d", devices, n)
	}

	wg.Add(devices)
	for i := 0; i < devices; i++ {
		go func() {
			defer wg.Done()
			tr.Disconnect("u1")
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if online != 1 {
		t.Errorf("expected exactly 1 online transition, got %d", online)
	}
	if offline != 1 {
		t.Errorf("expected exactly 1 offline transition, got %d", offline)
	}
	if tr.IsOnline("u1") {
		t.Error("expected u1 offline after all disconnects")
	}
}
