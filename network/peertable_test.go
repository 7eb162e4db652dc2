package network

import (
	"net"
	"testing"
	"time"
)

func fakeConn(t *testing.T) *Conn {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	return NewConn(server)
}

func TestPeerTablePerIPCap(t *testing.T) {
	pt := NewPeerTable()
	for i := 0; i < MaxPeersPerIP; i++ {
		addr := "1.2.3.4:" + string(rune('a'+i))
		if _, ok := pt.Add(addr, fakeConn(t)); !ok {
			t.Fatalf("add %d should have succeeded under the cap", i)
		}
	}
	if _, ok := pt.Add("1.2.3.4:overflow", fakeConn(t)); ok {
		t.Fatal("the (MaxPeersPerIP+1)th connection from one IP should be rejected")
	}
	if pt.Len() != MaxPeersPerIP {
		t.Fatalf("Len = %d, want %d", pt.Len(), MaxPeersPerIP)
	}
}

func TestPeerTableDistinctIPsUnaffectedByCap(t *testing.T) {
	pt := NewPeerTable()
	for i := 0; i < MaxPeersPerIP+5; i++ {
		addr := string(rune('a'+i)) + ".2.3.4:7075"
		if _, ok := pt.Add(addr, fakeConn(t)); !ok {
			t.Fatalf("add from distinct IP %d should have succeeded", i)
		}
	}
}

func TestPeerTableCleanupEvictsIdle(t *testing.T) {
	pt := NewPeerTable()
	pt.Add("1.1.1.1:7075", fakeConn(t))
	pt.mu.Lock()
	pt.peers["1.1.1.1:7075"].lastPacket = time.Now().Add(-time.Hour)
	pt.mu.Unlock()

	evicted := pt.Cleanup(time.Minute)
	if len(evicted) != 1 || evicted[0] != "1.1.1.1:7075" {
		t.Fatalf("Cleanup = %v, want one stale peer evicted", evicted)
	}
	if pt.Len() != 0 {
		t.Fatalf("Len = %d, want 0 after cleanup", pt.Len())
	}
}

func TestPeerTableTouchPreventsEviction(t *testing.T) {
	pt := NewPeerTable()
	pt.Add("2.2.2.2:7075", fakeConn(t))
	pt.mu.Lock()
	pt.peers["2.2.2.2:7075"].lastPacket = time.Now().Add(-time.Hour)
	pt.mu.Unlock()

	pt.Touch("2.2.2.2:7075")
	if evicted := pt.Cleanup(time.Minute); len(evicted) != 0 {
		t.Fatalf("a just-touched peer should not be evicted, got %v", evicted)
	}
}

func TestPeerTableShouldReachOutThrottles(t *testing.T) {
	pt := NewPeerTable()
	if !pt.ShouldReachOut("3.3.3.3:7075") {
		t.Fatal("first reach-out should be allowed")
	}
	if pt.ShouldReachOut("3.3.3.3:7075") {
		t.Fatal("second reach-out within the window should be throttled")
	}
}

func TestPeerTableRandomFanoutBounds(t *testing.T) {
	pt := NewPeerTable()
	for i := 0; i < 5; i++ {
		addr := string(rune('a'+i)) + ".0.0.0:7075"
		pt.Add(addr, fakeConn(t))
	}
	if got := pt.RandomFanout(3); len(got) != 3 {
		t.Fatalf("RandomFanout(3) returned %d, want 3", len(got))
	}
	if got := pt.RandomFanout(100); len(got) != 5 {
		t.Fatalf("RandomFanout(100) returned %d, want all 5", len(got))
	}
}

func TestSplitAddrList(t *testing.T) {
	got := splitAddrList(" a:1, b:2 ,,c:3")
	want := []string{"a:1", "b:2", "c:3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
