package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"relaychat/internal/app/history"
)

// decodeEnvelopes decodes every frame a sink captured.
func decodeEnvelopes(t *testing.T, frames [][]byte) []Envelope {
	t.Helper()

	envelopes := make([]Envelope, 0, len(frames))
	for _, frame := range frames {
		var e Envelope
		if err := json.Unmarshal(frame, &e); err != nil {
			t.Fatalf("failed to decode frame %q: %v", frame, err)
		}
		envelopes = append(envelopes, e)
	}
	return envelopes
}

// eventsOfType filters a sink's captured frames by event type.
func eventsOfType(t *testing.T, s *fakeSink, eventType EventType) []Envelope {
	t.Helper()

	var matched []Envelope
	for _, e := range decodeEnvelopes(t, s.snapshot()) {
		if e.Type == eventType {
			matched = append(matched, e)
		}
	}
	return matched
}

func roomMessages(t *testing.T, s *fakeSink) []RoomMessagePayload {
	t.Helper()

	var messages []RoomMessagePayload
	for _, e := range eventsOfType(t, s, EventRoomMessage) {
		var p RoomMessagePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			t.Fatalf("failed to decode roomMessage payload: %v", err)
		}
		messages = append(messages, p)
	}
	return messages
}

func notices(t *testing.T, s *fakeSink) []string {
	t.Helper()

	var texts []string
	for _, e := range eventsOfType(t, s, EventRoomNotice) {
		var p RoomNoticePayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			t.Fatalf("failed to decode roomNotice payload: %v", err)
		}
		texts = append(texts, p.Text)
	}
	return texts
}

// countingStore wraps a Store and counts calls, to assert that an operation
// never touched persistence.
type countingStore struct {
	inner   history.Store
	appends atomic.Int64
	lists   atomic.Int64
}

func (c *countingStore) Append(ctx context.Context, room, sender, body string) (int64, error) {
	c.appends.Add(1)
	return c.inner.Append(ctx, room, sender, body)
}

func (c *countingStore) ListByRoom(ctx context.Context, room string) ([]history.Message, error) {
	c.lists.Add(1)
	return c.inner.ListByRoom(ctx, room)
}

// failingStore rejects every append, simulating a persistence outage.
type failingStore struct {
	history.Store
}

func (failingStore) Append(ctx context.Context, room, sender, body string) (int64, error) {
	return 0, errors.New("store unavailable")
}

func newTestGateway(t *testing.T) (*Gateway, *history.Memory) {
	t.Helper()

	store := history.NewMemory()
	return NewGateway(store, 0), store
}

func connect(t *testing.T, g *Gateway, connID string) *fakeSink {
	t.Helper()

	sink := &fakeSink{}
	g.Connect(connID, sink)
	return sink
}

func TestJoinAnnouncesAndRegistersMembership(t *testing.T) {
	g, _ := newTestGateway(t)
	x := connect(t, g, "x")

	g.Join("x", "X", "general")

	if room, _ := g.Registry().Room("x"); room != "general" {
		t.Fatalf("registry room = %q, want general", room)
	}
	if members := g.Broadcaster().Members("general"); len(members) != 1 || members[0] != "x" {
		t.Fatalf("broadcaster members = %v, want [x]", members)
	}

	got := notices(t, x)
	if len(got) != 1 || got[0] != "X joined general" {
		t.Fatalf("join notices = %q, want [X joined general]", got)
	}
}

func TestJoinWithBlankFieldsIsDropped(t *testing.T) {
	g, _ := newTestGateway(t)
	x := connect(t, g, "x")

	g.Join("x", "   ", "general")
	g.Join("x", "X", "")

	if _, ok := g.Registry().Room("x"); ok {
		t.Fatal("blank join must not assign a room")
	}
	if len(x.snapshot()) != 0 {
		t.Fatal("blank join must produce no events")
	}
}

func TestSendDeliversToWholeRoomAndPersists(t *testing.T) {
	g, store := newTestGateway(t)
	x := connect(t, g, "x")
	y := connect(t, g, "y")

	g.Join("x", "X", "general")
	g.Join("y", "Y", "general")

	g.Send(context.Background(), "x", "X", "general", "hi")

	for name, sink := range map[string]*fakeSink{"x": x, "y": y} {
		msgs := roomMessages(t, sink)
		if len(msgs) != 1 {
			t.Fatalf("%s received %d roomMessages, want 1", name, len(msgs))
		}
		if msgs[0].DisplayName != "X" || msgs[0].Body != "hi" {
			t.Fatalf("%s received %+v, want X/hi", name, msgs[0])
		}
	}

	stored, err := store.ListByRoom(context.Background(), "general")
	if err != nil {
		t.Fatalf("ListByRoom: %v", err)
	}
	if len(stored) != 1 || stored[0].Sender != "X" || stored[0].Body != "hi" {
		t.Fatalf("stored = %+v, want one message X/hi", stored)
	}
}

func TestMessagePersistedBeforeBroadcast(t *testing.T) {
	store := history.NewMemory()
	counting := &countingStore{inner: store}
	g := NewGateway(counting, 0)

	// observer fails the test if a roomMessage arrives before the append.
	observer := &observerSink{
		t:       t,
		counts:  counting,
		backing: &fakeSink{},
	}
	g.Connect("x", observer)
	g.Join("x", "X", "general")

	g.Send(context.Background(), "x", "X", "general", "hi")

	if got := roomMessages(t, observer.backing); len(got) != 1 {
		t.Fatalf("received %d roomMessages, want 1", len(got))
	}
}

// observerSink asserts the store-before-broadcast invariant on delivery.
type observerSink struct {
	t       *testing.T
	counts  *countingStore
	backing *fakeSink
}

func (o *observerSink) Enqueue(event []byte) bool {
	var e Envelope
	if err := json.Unmarshal(event, &e); err == nil && e.Type == EventRoomMessage {
		if o.counts.appends.Load() == 0 {
			o.t.Error("roomMessage broadcast observed before the store append")
		}
	}
	return o.backing.Enqueue(event)
}

func TestHistoryReplayIsPrivateAndOrdered(t *testing.T) {
	g, _ := newTestGateway(t)
	x := connect(t, g, "x")
	connect(t, g, "y")

	g.Join("x", "X", "general")
	g.Join("y", "Y", "general")

	g.Send(context.Background(), "x", "X", "general", "first")
	g.Send(context.Background(), "x", "X", "general", "second")

	xBefore := len(roomMessages(t, x))

	z := connect(t, g, "z")
	g.Join("z", "Z", "general")

	replayed := roomMessages(t, z)
	if len(replayed) != 2 {
		t.Fatalf("joiner received %d replayed messages, want 2", len(replayed))
	}
	if replayed[0].Body != "first" || replayed[1].Body != "second" {
		t.Fatalf("replay out of order: %+v", replayed)
	}

	// Replay never reaches existing members.
	if got := len(roomMessages(t, x)); got != xBefore {
		t.Fatalf("existing member message count changed from %d to %d on replay", xBefore, got)
	}
}

func TestLateJoinerSeesMessageExactlyOnce(t *testing.T) {
	g, _ := newTestGateway(t)
	connect(t, g, "x")
	connect(t, g, "y")
	g.Join("x", "X", "general")
	g.Join("y", "Y", "general")

	g.Send(context.Background(), "x", "X", "general", "hi")

	z := connect(t, g, "z")
	g.Join("z", "Z", "general")

	msgs := roomMessages(t, z)
	if len(msgs) != 1 {
		t.Fatalf("late joiner received %d copies, want exactly 1", len(msgs))
	}
	if msgs[0].DisplayName != "X" || msgs[0].Body != "hi" {
		t.Fatalf("late joiner received %+v, want X/hi", msgs[0])
	}
}

func TestJoinSwitchesRooms(t *testing.T) {
	g, _ := newTestGateway(t)
	connect(t, g, "x")
	general := connect(t, g, "g")
	sports := connect(t, g, "s")

	g.Join("g", "G", "general")
	g.Join("s", "S", "sports")
	g.Join("x", "X", "general")

	g.Join("x", "X", "sports")

	if members := g.Broadcaster().Members("general"); len(members) != 1 || members[0] != "g" {
		t.Fatalf("general members after switch = %v, want [g]", members)
	}

	found := false
	for _, id := range g.Broadcaster().Members("sports") {
		if id == "x" {
			found = true
		}
	}
	if !found {
		t.Fatal("sports member set must contain the switched connection")
	}

	leaveNotices := 0
	for _, text := range notices(t, general) {
		if text == "X left general" {
			leaveNotices++
		}
	}
	if leaveNotices != 1 {
		t.Fatalf("general received %d leave notices for X, want exactly 1", leaveNotices)
	}

	joinNotices := 0
	for _, text := range notices(t, sports) {
		if text == "X joined sports" {
			joinNotices++
		}
	}
	if joinNotices != 1 {
		t.Fatalf("sports received %d join notices for X, want exactly 1", joinNotices)
	}
}

func TestSendFromUnjoinedConnectionIsDropped(t *testing.T) {
	g, store := newTestGateway(t)
	counting := &countingStore{inner: store}
	g.store = counting

	connect(t, g, "x")

	g.Send(context.Background(), "x", "X", "general", "hi")

	if counting.appends.Load() != 0 {
		t.Fatal("send before join must not touch the store")
	}
}

func TestSendWithMismatchedIdentityIsDropped(t *testing.T) {
	g, store := newTestGateway(t)
	x := connect(t, g, "x")
	y := connect(t, g, "y")
	g.Join("x", "X", "general")
	g.Join("y", "Y", "general")

	before := len(x.snapshot())

	g.Send(context.Background(), "x", "X", "sports", "spoofed room")
	g.Send(context.Background(), "x", "Mallory", "general", "spoofed name")

	stored, _ := store.ListByRoom(context.Background(), "general")
	if len(stored) != 0 {
		t.Fatalf("mismatched send stored %d messages, want 0", len(stored))
	}
	if len(x.snapshot()) != before || len(roomMessages(t, y)) != 0 {
		t.Fatal("mismatched send must not broadcast")
	}
}

func TestSendWithBlankBodyIsDropped(t *testing.T) {
	g, store := newTestGateway(t)
	x := connect(t, g, "x")
	g.Join("x", "X", "general")

	before := len(x.snapshot())

	g.Send(context.Background(), "x", "X", "general", "   \n\t ")

	stored, _ := store.ListByRoom(context.Background(), "general")
	if len(stored) != 0 {
		t.Fatal("blank body must not be stored")
	}
	if len(x.snapshot()) != before {
		t.Fatal("blank body must not be broadcast")
	}
}

func TestStoreFailureSuppressesBroadcast(t *testing.T) {
	g := NewGateway(failingStore{history.NewMemory()}, 0)
	x := connect(t, g, "x")
	y := connect(t, g, "y")
	g.Join("x", "X", "general")
	g.Join("y", "Y", "general")

	g.Send(context.Background(), "x", "X", "general", "hi")

	if len(roomMessages(t, x)) != 0 || len(roomMessages(t, y)) != 0 {
		t.Fatal("a message that failed to persist must never be broadcast")
	}
}

func TestTypingExcludesSenderAndUsesRegisteredName(t *testing.T) {
	g, store := newTestGateway(t)
	counting := &countingStore{inner: store}
	g.store = counting

	x := connect(t, g, "x")
	y := connect(t, g, "y")
	g.Join("x", "X", "general")
	g.Join("y", "Y", "general")

	appendsBefore := counting.appends.Load()

	g.Typing("x", true)

	if got := eventsOfType(t, x, EventTyping); len(got) != 0 {
		t.Fatal("typist must not receive its own typing indicator")
	}

	typingEvents := eventsOfType(t, y, EventTyping)
	if len(typingEvents) != 1 {
		t.Fatalf("other member received %d typing events, want 1", len(typingEvents))
	}

	var p TypingPayload
	if err := json.Unmarshal(typingEvents[0].Payload, &p); err != nil {
		t.Fatalf("failed to decode typing payload: %v", err)
	}
	if p.DisplayName != "X" || !p.IsTyping {
		t.Fatalf("typing payload = %+v, want X/true", p)
	}

	if counting.appends.Load() != appendsBefore {
		t.Fatal("typing indicators must never be persisted")
	}
}

func TestTypingFromUnjoinedConnectionIsDropped(t *testing.T) {
	g, _ := newTestGateway(t)
	connect(t, g, "x")
	y := connect(t, g, "y")
	g.Join("y", "Y", "general")

	g.Typing("x", true)

	if got := eventsOfType(t, y, EventTyping); len(got) != 0 {
		t.Fatal("typing before join must not broadcast")
	}
}

func TestLeaveReportsOutcome(t *testing.T) {
	g, _ := newTestGateway(t)
	connect(t, g, "x")
	y := connect(t, g, "y")
	g.Join("x", "X", "general")
	g.Join("y", "Y", "general")

	if !g.Leave("x") {
		t.Fatal("leave from a joined connection must succeed")
	}

	if members := g.Broadcaster().Members("general"); len(members) != 1 || members[0] != "y" {
		t.Fatalf("members after leave = %v, want [y]", members)
	}

	found := false
	for _, text := range notices(t, y) {
		if text == "X left general" {
			found = true
		}
	}
	if !found {
		t.Fatal("remaining members must receive the leave notice")
	}

	// Second leave has no room to act on.
	if g.Leave("x") {
		t.Fatal("leave without an active room must report failure")
	}
}

func TestDisconnectWithoutJoinIsSilent(t *testing.T) {
	g, store := newTestGateway(t)
	counting := &countingStore{inner: store}
	g.store = counting

	connect(t, g, "x")
	y := connect(t, g, "y")
	g.Join("y", "Y", "general")

	noticesBefore := len(y.snapshot())
	appendsBefore := counting.appends.Load()
	listsBefore := counting.lists.Load()

	g.Disconnect("x")

	if len(y.snapshot()) != noticesBefore {
		t.Fatal("disconnecting a never-joined connection must not broadcast")
	}
	if counting.appends.Load() != appendsBefore || counting.lists.Load() != listsBefore {
		t.Fatal("disconnecting a never-joined connection must not touch the store")
	}
}

func TestDisconnectCleansUpJoinedConnection(t *testing.T) {
	g, _ := newTestGateway(t)
	connect(t, g, "x")
	y := connect(t, g, "y")
	g.Join("x", "X", "general")
	g.Join("y", "Y", "general")

	g.Disconnect("x")

	if members := g.Broadcaster().Members("general"); len(members) != 1 || members[0] != "y" {
		t.Fatalf("members after disconnect = %v, want [y]", members)
	}
	if _, ok := g.Registry().Room("x"); ok {
		t.Fatal("disconnected connection must be gone from the registry")
	}

	found := false
	for _, text := range notices(t, y) {
		if text == "X left general" {
			found = true
		}
	}
	if !found {
		t.Fatal("remaining members must be notified of the disconnect")
	}

	// Double disconnect is a no-op.
	before := len(y.snapshot())
	g.Disconnect("x")
	if len(y.snapshot()) != before {
		t.Fatal("double disconnect must not broadcast again")
	}
}

func TestConcurrentSendsDuringRoomSwitch(t *testing.T) {
	g, _ := newTestGateway(t)
	counting := &countingStore{inner: history.NewMemory()}
	g.store = counting

	observer := connect(t, g, "observer")
	g.Join("observer", "Observer", "roomA")

	connect(t, g, "switcher")
	g.Join("switcher", "Switcher", "roomA")

	const senders = 8
	const perSender = 50

	for i := 0; i < senders; i++ {
		connID := fmt.Sprintf("sender-%d", i)
		connect(t, g, connID)
		g.Join(connID, fmt.Sprintf("Sender-%d", i), "roomA")
	}

	start := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start

			connID := fmt.Sprintf("sender-%d", i)
			name := fmt.Sprintf("Sender-%d", i)
			for n := 0; n < perSender; n++ {
				g.Send(context.Background(), connID, name, "roomA", fmt.Sprintf("message %d from %s", n, name))
			}
		}(i)
	}

	// One member switches rooms and drops out while sends are in flight.
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start

		g.Join("switcher", "Switcher", "roomB")
		g.Disconnect("switcher")
	}()

	close(start)
	wg.Wait()

	total := int64(senders * perSender)
	if got := counting.appends.Load(); got != total {
		t.Fatalf("store recorded %d appends, want %d", got, total)
	}

	// The observer stayed in roomA throughout, so every persisted message
	// must have reached it exactly once.
	if got := len(roomMessages(t, observer)); got != int(total) {
		t.Fatalf("observer received %d room messages, want %d", got, total)
	}

	if members := sortedMembers(g.Broadcaster(), "roomA"); len(members) != senders+1 {
		t.Fatalf("roomA has %d members after the switch, want %d", len(members), senders+1)
	}
	if members := g.Broadcaster().Members("roomB"); len(members) != 0 {
		t.Fatalf("roomB still has members %v after its only member disconnected", members)
	}
	if _, ok := g.Registry().Room("switcher"); ok {
		t.Fatal("disconnected connection must be gone from the registry")
	}
}

func TestDisconnectRacesInFlightSends(t *testing.T) {
	g, _ := newTestGateway(t)
	counting := &countingStore{inner: history.NewMemory()}
	g.store = counting

	connect(t, g, "x")
	g.Join("x", "X", "general")

	observer := connect(t, g, "y")
	g.Join("y", "Y", "general")

	start := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start

		for n := 0; n < 100; n++ {
			g.Send(context.Background(), "x", "X", "general", "still here")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		<-start

		g.Disconnect("x")
		g.Disconnect("x")
	}()

	close(start)
	wg.Wait()

	if members := g.Broadcaster().Members("general"); len(members) != 1 || members[0] != "y" {
		t.Fatalf("members after racing disconnect = %v, want [y]", members)
	}
	if _, ok := g.Registry().Room("x"); ok {
		t.Fatal("disconnected connection must be gone from the registry")
	}

	// Sends overlapping the disconnect may land or be dropped, but a
	// delivered message must always have been persisted first.
	if delivered, persisted := int64(len(roomMessages(t, observer))), counting.appends.Load(); delivered > persisted {
		t.Fatalf("observer received %d room messages but only %d were persisted", delivered, persisted)
	}
}
