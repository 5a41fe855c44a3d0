package dispatch

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/push"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakePush struct {
	mu     sync.Mutex
	tokens [][]string
}

func (f *fakePush) BroadcastOffer(_ context.Context, _ push.Message, tokens []string) (push.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, tokens)
	return push.Report{Delivered: len(tokens)}, nil
}

func (f *fakePush) calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.tokens))
	copy(out, f.tokens)
	return out
}

type sentEvent struct {
	role realtime.Role
	id   string
	ev   realtime.Event
}

type fakeRT struct {
	mu   sync.Mutex
	sent []sentEvent
}

func (f *fakeRT) SendToSession(role realtime.Role, id string, ev realtime.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{role, id, ev})
	return nil
}

func (f *fakeRT) byType(t realtime.EventType) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sentEvent
	for _, s := range f.sent {
		if s.ev.Type == t {
			out = append(out, s)
		}
	}
	return out
}

func newTestCoordinator(t *testing.T, window time.Duration) (*Coordinator, *directory.Index, *fakePush, *fakeRT) {
	t.Helper()
	idx := directory.NewIndex()
	fp := &fakePush{}
	rt := &fakeRT{}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCoordinator(idx, fp, rt, storage.NewMemoryStore(), log, window, 10*time.Minute, 25)
	return c, idx, fp, rt
}

func addDriver(t *testing.T, idx *directory.Index, id string, withToken, withSession bool) {
	t.Helper()
	ctx := context.Background()
	if err := idx.Heartbeat(ctx, models.DriverPresence{ID: id, Name: "Driver " + id, VehicleClass: "taxi"}); err != nil {
		t.Fatal(err)
	}
	if withToken {
		if err := idx.SetPushToken(ctx, id, "tok-"+id+strings.Repeat("x", 60)); err != nil {
			t.Fatal(err)
		}
	}
	if withSession {
		if err := idx.SetSession(ctx, id, "sess-"+id); err != nil {
			t.Fatal(err)
		}
	}
}

func testRequest(rider string) models.RideRequest {
	return models.RideRequest{
		RiderID:      rider,
		RiderName:    "Rider",
		RiderMobile:  "9876543210",
		Pickup:       models.Location{Coord: models.Coord{Lat: 11.33, Lon: 77.71}, Address: "Bus Stand"},
		Drop:         models.Location{Coord: models.Coord{Lat: 11.35, Lon: 77.73}, Address: "Railway Station"},
		VehicleClass: "taxi",
		Fare:         180,
	}
}

func TestSingleWinnerUnderConcurrentAccepts(t *testing.T) {
	c, idx, _, rt := newTestCoordinator(t, time.Minute)
	drivers := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, d := range drivers {
		addDriver(t, idx, d, true, true)
	}
	r, err := c.Request(context.Background(), testRequest("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusBroadcasting {
		t.Fatalf("expected broadcasting, got %s", r.Status)
	}

	outcomes := make([]Outcome, len(drivers))
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, d := range drivers {
		wg.Add(1)
		go func(i int, d string) {
			defer wg.Done()
			<-start
			out, _, err := c.Accept(context.Background(), r.ID, d)
			if err != nil {
				t.Errorf("accept %s: %v", d, err)
				return
			}
			outcomes[i] = out
		}(i, d)
	}
	close(start)
	wg.Wait()

	winners := 0
	var winner string
	for i, out := range outcomes {
		switch out {
		case OutcomeAccepted:
			winners++
			winner = drivers[i]
		case OutcomeAlreadyTaken:
		default:
			t.Fatalf("unexpected outcome %q for driver %s", out, drivers[i])
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}

	got, err := c.Status(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusAccepted || got.DriverID != winner {
		t.Fatalf("ride not bound to winner: status=%s driver=%s winner=%s", got.Status, got.DriverID, winner)
	}
	if p, _ := idx.Get(context.Background(), winner); p.Status != models.DriverOnRide {
		t.Fatalf("winner presence not on_ride: %s", p.Status)
	}

	taken := rt.byType(realtime.EventRideTaken)
	if len(taken) != len(drivers)-1 {
		t.Fatalf("expected %d ride_taken signals, got %d", len(drivers)-1, len(taken))
	}
	accepted := rt.byType(realtime.EventRideAccepted)
	if len(accepted) != 1 || accepted[0].role != realtime.RoleRider || accepted[0].id != "u1" {
		t.Fatalf("rider notification wrong: %+v", accepted)
	}
	if p := accepted[0].ev.Data.(realtime.RideAcceptedPayload); p.Driver.ID != winner || p.Simulated {
		t.Fatalf("accepted payload wrong: %+v", p)
	}
}

func TestNoEligibleDriversExpiresImmediately(t *testing.T) {
	c, idx, fp, rt := newTestCoordinator(t, time.Minute)
	// present but unreachable: no token, no session
	addDriver(t, idx, "unreachable", false, false)

	r, err := c.Request(context.Background(), testRequest("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusExpired {
		t.Fatalf("expected expired, got %s", r.Status)
	}
	ev := rt.byType(realtime.EventRideExpired)
	if len(ev) != 1 || ev[0].id != "u1" {
		t.Fatalf("requester not told about no drivers: %+v", ev)
	}
	if p := ev[0].ev.Data.(realtime.RideExpiredPayload); p.Reason != "no_drivers" {
		t.Fatalf("expected no_drivers reason, got %q", p.Reason)
	}
	if len(fp.calls()) != 0 {
		t.Fatal("no broadcast should happen with zero candidates")
	}
}

func TestOfferWindowExpiry(t *testing.T) {
	c, idx, _, rt := newTestCoordinator(t, 30*time.Millisecond)
	addDriver(t, idx, "d1", true, true)
	addDriver(t, idx, "d2", true, true)

	r, err := c.Request(context.Background(), testRequest("u1"))
	if err != nil {
		t.Fatal(err)
	}

	// both candidates and the requester hear about the expiry
	deadline := time.Now().Add(2 * time.Second)
	for len(rt.byType(realtime.EventRideExpired)) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected 3 expiry events (2 drivers + rider), got %d", len(rt.byType(realtime.EventRideExpired)))
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, err := c.Status(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusExpired {
		t.Fatalf("expected expired, got %s", got.Status)
	}

	// a late accept resolves from the stored ride
	out, _, err := c.Accept(context.Background(), r.ID, "d1")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeExpired {
		t.Fatalf("late accept should see expired, got %s", out)
	}
}

func TestAcceptBeatsExpiry(t *testing.T) {
	c, idx, _, _ := newTestCoordinator(t, 50*time.Millisecond)
	addDriver(t, idx, "d1", true, true)
	r, err := c.Request(context.Background(), testRequest("u1"))
	if err != nil {
		t.Fatal(err)
	}
	out, _, err := c.Accept(context.Background(), r.ID, "d1")
	if err != nil || out != OutcomeAccepted {
		t.Fatalf("accept: %v %s", err, out)
	}
	// let the timer fire; the resolved attempt must win over expiry
	time.Sleep(120 * time.Millisecond)
	got, err := c.Status(context.Background(), r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.StatusAccepted {
		t.Fatalf("expiry overrode acceptance: %s", got.Status)
	}
}

func TestDuplicateAcceptByWinnerReplaysSuccess(t *testing.T) {
	c, idx, _, _ := newTestCoordinator(t, time.Minute)
	addDriver(t, idx, "d1", true, true)
	r, err := c.Request(context.Background(), testRequest("u1"))
	if err != nil {
		t.Fatal(err)
	}
	out1, ride1, err := c.Accept(context.Background(), r.ID, "d1")
	if err != nil || out1 != OutcomeAccepted {
		t.Fatalf("first accept: %v %s", err, out1)
	}
	out2, ride2, err := c.Accept(context.Background(), r.ID, "d1")
	if err != nil || out2 != OutcomeAccepted {
		t.Fatalf("replayed accept must return original success, got %v %s", err, out2)
	}
	if ride1.DriverID != ride2.DriverID || ride2.DriverID != "d1" {
		t.Fatalf("driver binding changed on replay: %s vs %s", ride1.DriverID, ride2.DriverID)
	}
}

func TestCancelDuringBroadcast(t *testing.T) {
	c, idx, _, rt := newTestCoordinator(t, time.Minute)
	addDriver(t, idx, "d1", true, true)
	addDriver(t, idx, "d2", true, true)
	r, err := c.Request(context.Background(), testRequest("u1"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Cancel(context.Background(), r.ID, "someone-else"); err != ErrNotRequester {
		t.Fatalf("expected ErrNotRequester, got %v", err)
	}

	out, err := c.Cancel(context.Background(), r.ID, "u1")
	if err != nil || out != OutcomeCancelled {
		t.Fatalf("cancel: %v %s", err, out)
	}
	if ev := rt.byType(realtime.EventRideCancelled); len(ev) != 2 {
		t.Fatalf("both offered drivers must learn about withdrawal, got %d", len(ev))
	}
	got, _ := c.Status(context.Background(), r.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	// accepting a cancelled ride reports the cancellation
	out2, _, err := c.Accept(context.Background(), r.ID, "d1")
	if err != nil || out2 != OutcomeCancelled {
		t.Fatalf("accept after cancel: %v %s", err, out2)
	}
}

func TestCancelAfterAcceptIsTooLate(t *testing.T) {
	c, idx, _, _ := newTestCoordinator(t, time.Minute)
	addDriver(t, idx, "d1", true, true)
	r, err := c.Request(context.Background(), testRequest("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Accept(context.Background(), r.ID, "d1"); err != nil {
		t.Fatal(err)
	}
	out, err := c.Cancel(context.Background(), r.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if out != OutcomeTooLate {
		t.Fatalf("expected too_late, got %s", out)
	}
}

func TestDispatchFansOutBothChannels(t *testing.T) {
	c, idx, fp, rt := newTestCoordinator(t, time.Minute)
	addDriver(t, idx, "push-only", true, false)
	addDriver(t, idx, "ws-only", false, true)

	if _, err := c.Request(context.Background(), testRequest("u1")); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		pushed := fp.calls()
		offers := rt.byType(realtime.EventRideOffer)
		if len(pushed) == 1 && len(offers) == 1 {
			if len(pushed[0]) != 1 {
				t.Fatalf("expected 1 push token, got %v", pushed[0])
			}
			if offers[0].role != realtime.RoleDriver || offers[0].id != "ws-only" {
				t.Fatalf("ws offer misrouted: %+v", offers[0])
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("fan-out incomplete: push=%d offers=%d", len(pushed), len(offers))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestProgressLifecycle(t *testing.T) {
	c, idx, _, rt := newTestCoordinator(t, time.Minute)
	addDriver(t, idx, "d1", true, true)
	r, err := c.Request(context.Background(), testRequest("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Accept(context.Background(), r.ID, "d1"); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Progress(context.Background(), r.ID, "intruder", models.StatusEnRouteToPickup); err != ErrNotYourRide {
		t.Fatalf("expected ErrNotYourRide, got %v", err)
	}

	for _, s := range []models.RideStatus{models.StatusEnRouteToPickup, models.StatusInProgress, models.StatusCompleted} {
		if _, err := c.Progress(context.Background(), r.ID, "d1", s); err != nil {
			t.Fatalf("progress to %s: %v", s, err)
		}
	}
	got, _ := c.Status(context.Background(), r.ID)
	if got.Status != models.StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("ride not completed: %+v", got)
	}
	p, _ := idx.Get(context.Background(), "d1")
	if p.Status != models.DriverAvailable {
		t.Fatalf("driver not released: %s", p.Status)
	}
	if p.DailyRides != 1 || p.Earnings != 180 {
		t.Fatalf("ride not credited: %+v", p)
	}
	if ev := rt.byType(realtime.EventRideStatus); len(ev) != 3 {
		t.Fatalf("rider should get 3 status updates, got %d", len(ev))
	}
}

func TestSimulateAcceptIsNonAuthoritative(t *testing.T) {
	c, idx, _, rt := newTestCoordinator(t, time.Minute)
	addDriver(t, idx, "d1", true, true)
	r, err := c.Request(context.Background(), testRequest("u1"))
	if err != nil {
		t.Fatal(err)
	}

	before, _ := idx.Get(context.Background(), "d1")
	if err := c.SimulateAccept(context.Background(), r.ID, models.DriverProfile{ID: "fake", Name: "Test Driver"}); err != nil {
		t.Fatal(err)
	}

	ev := rt.byType(realtime.EventRideAccepted)
	if len(ev) != 1 {
		t.Fatalf("expected 1 simulated event, got %d", len(ev))
	}
	if p := ev[0].ev.Data.(realtime.RideAcceptedPayload); !p.Simulated {
		t.Fatal("simulated event must be marked")
	}

	got, _ := c.Status(context.Background(), r.ID)
	if got.Status != models.StatusBroadcasting || got.DriverID != "" {
		t.Fatalf("simulation mutated the ride: %+v", got)
	}
	after, _ := idx.Get(context.Background(), "d1")
	if after.DailyRides != before.DailyRides || after.Earnings != before.Earnings || after.Status != before.Status {
		t.Fatalf("simulation mutated presence: before=%+v after=%+v", before, after)
	}
}

func TestRequestHandsBackCallerOwnedRide(t *testing.T) {
	c, idx, _, _ := newTestCoordinator(t, time.Minute)
	addDriver(t, idx, "d1", true, true)
	r, err := c.Request(context.Background(), testRequest("u1"))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, err := c.Accept(context.Background(), r.ID, "d1"); err != nil {
			t.Errorf("accept: %v", err)
		}
	}()
	// reading the returned ride must stay safe while the accept resolves
	for {
		select {
		case <-done:
			if r.Status != models.StatusBroadcasting {
				t.Fatalf("caller's ride mutated after return: %s", r.Status)
			}
			got, err := c.Status(context.Background(), r.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.Status != models.StatusAccepted || got.DriverID != "d1" {
				t.Fatalf("acceptance not recorded: %+v", got)
			}
			return
		default:
			_ = r.Status
			time.Sleep(time.Microsecond)
		}
	}
}

func TestInstantExpiryLeavesNoAttemptBehind(t *testing.T) {
	c, idx, _, _ := newTestCoordinator(t, time.Nanosecond)
	addDriver(t, idx, "d1", true, true)
	r, err := c.Request(context.Background(), testRequest("u1"))
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := c.Status(context.Background(), r.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status == models.StatusExpired {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ride never expired: %s", got.Status)
		}
		time.Sleep(time.Millisecond)
	}

	c.mu.Lock()
	remaining := len(c.attempts)
	c.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("resolved attempt left in the table: %d", remaining)
	}
}

func TestUnknownRideAndDriver(t *testing.T) {
	c, idx, _, _ := newTestCoordinator(t, time.Minute)
	addDriver(t, idx, "d1", true, true)
	if _, _, err := c.Accept(context.Background(), "nope", "d1"); err != ErrUnknownRide {
		t.Fatalf("expected ErrUnknownRide, got %v", err)
	}
	if _, _, err := c.Accept(context.Background(), "nope", "ghost"); err != ErrUnknownDriver {
		t.Fatalf("expected ErrUnknownDriver, got %v", err)
	}
	if _, err := c.Status(context.Background(), "nope"); err != ErrUnknownRide {
		t.Fatalf("expected ErrUnknownRide, got %v", err)
	}
}
