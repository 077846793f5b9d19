package ws

import "testing"

func testSession(userID int) *Session {
	return newSession(userID, ConnInfo{ConnID: newConnID(), UserID: userID}, nil, nil)
}

func TestRegistryAddAndRemove(t *testing.T) {
	registry := NewRegistry()
	s := testSession(1)

	if first := registry.Add(s); !first {
		t.Fatalf("expected first session to bring user online")
	}
	if !registry.IsOnline(1) {
		t.Fatalf("expected user 1 online")
	}

	if last := registry.Remove(s); !last {
		t.Fatalf("expected removing only session to take user offline")
	}
	if registry.IsOnline(1) {
		t.Fatalf("expected user 1 offline")
	}
}

func TestRegistryMultipleSessionsPerUser(t *testing.T) {
	registry := NewRegistry()
	first := testSession(1)
	second := testSession(1)

	if !registry.Add(first) {
		t.Fatalf("expected first add to report online transition")
	}
	if registry.Add(second) {
		t.Fatalf("expected second add not to report online transition")
	}

	// Closing one of two sessions must leave presence online.
	if registry.Remove(first) {
		t.Fatalf("expected user to stay online with one session left")
	}
	if !registry.IsOnline(1) {
		t.Fatalf("expected user 1 still online")
	}

	if !registry.Remove(second) {
		t.Fatalf("expected last removal to take user offline")
	}
}

func TestRegistryRooms(t *testing.T) {
	registry := NewRegistry()
	a := testSession(1)
	b := testSession(2)
	registry.Add(a)
	registry.Add(b)

	registry.Join(7, a)
	registry.Join(7, b)
	if !registry.InRoom(7, a) {
		t.Fatalf("expected session in room")
	}
	if got := len(registry.SessionsInRoom(7)); got != 2 {
		t.Fatalf("expected 2 sessions in room, got %d", got)
	}

	// Join is a no-op when already joined.
	registry.Join(7, a)
	if got := len(registry.SessionsInRoom(7)); got != 2 {
		t.Fatalf("expected join to be idempotent, got %d sessions", got)
	}

	registry.Leave(7, a)
	if registry.InRoom(7, a) {
		t.Fatalf("expected session out of room after leave")
	}
}

func TestRegistryRemoveDropsRoomMembership(t *testing.T) {
	registry := NewRegistry()
	s := testSession(1)
	registry.Add(s)
	registry.Join(3, s)
	registry.Join(4, s)

	registry.Remove(s)
	if len(registry.SessionsInRoom(3)) != 0 || len(registry.SessionsInRoom(4)) != 0 {
		t.Fatalf("expected disconnect to leave all rooms")
	}
}

func TestRegistryClear(t *testing.T) {
	registry := NewRegistry()
	s := testSession(1)
	registry.Add(s)
	registry.Join(9, s)

	registry.Clear()
	if registry.IsOnline(1) || len(registry.SessionsInRoom(9)) != 0 {
		t.Fatalf("expected empty registry after clear")
	}
	if registry.OnlineUserCount() != 0 {
		t.Fatalf("expected zero online users after clear")
	}
}
