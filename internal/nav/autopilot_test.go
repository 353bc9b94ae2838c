package nav

import (
	"context"
	"sync"
	"testing"
	"time"

	"nmea-bus/internal/bus"
	"nmea-bus/internal/geo"
	"nmea-bus/internal/nmea"
)

type captureEndpoint struct {
	bus.Node
	mu   sync.Mutex
	sent []nmea.Sentence
}

func newCapture(name string) *captureEndpoint {
	c := &captureEndpoint{}
	c.Init(name, c)
	return c
}

func (c *captureEndpoint) Start(context.Context) error { return nil }
func (c *captureEndpoint) Stop() error                 { return nil }

func (c *captureEndpoint) Send(_ bus.SinkSource, s nmea.Sentence) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, s)
	return nil
}

func (c *captureEndpoint) take() []nmea.Sentence {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.sent
	c.sent = nil
	return out
}

func byID(list []nmea.Sentence, id nmea.SentenceID) []nmea.Sentence {
	var out []nmea.Sentence
	for _, s := range list {
		if s.ID() == id {
			out = append(out, s)
		}
	}
	return out
}

func testRoute(t *testing.T) []RoutePoint {
	t.Helper()
	r, err := NewRoute("R", []RoutePoint{{Name: "A", Position: posA}, {Name: "B", Position: posB}, {Name: "C", Position: posC}})
	if err != nil {
		t.Fatalf("NewRoute: %v", err)
	}
	return r.Points()
}

func TestHasPassedWaypoint_AtTarget(t *testing.T) {
	route := testRoute(t)
	a := NewAutopilotController(nil, newCapture("out"), nil, AutopilotConfig{})
	a.SetNextWaypoint(&route[1])

	if !a.HasPassedWaypoint(posB, 90, route) {
		t.Fatalf("expected arrival when positioned on the waypoint")
	}
	if n := a.NextWaypoint(); n == nil || n.Name != "C" {
		t.Fatalf("next=%+v want C", n)
	}
}

func TestHasPassedWaypoint_FarOnApproach(t *testing.T) {
	route := testRoute(t)
	a := NewAutopilotController(nil, newCapture("out"), nil, AutopilotConfig{})
	a.SetNextWaypoint(&route[1])

	if a.HasPassedWaypoint(geo.Position{Latitude: 47.0, Longitude: 8.95}, 90, route) {
		t.Fatalf("expected no arrival far before the waypoint")
	}
	if n := a.NextWaypoint(); n == nil || n.Name != "B" {
		t.Fatalf("next=%+v want B", n)
	}
}

func TestHasPassedWaypoint_CutCorner(t *testing.T) {
	route := testRoute(t)
	// About 330m north and 190m east of B: closer to leg B-C than to leg A-B.
	pos := geo.Position{Latitude: 47.003, Longitude: 9.1025}

	a := NewAutopilotController(nil, newCapture("out"), nil, AutopilotConfig{})
	a.SetNextWaypoint(&route[1])
	if a.HasPassedWaypoint(pos, 210, route) {
		t.Fatalf("expected no switch while still heading for the waypoint")
	}
	if !a.HasPassedWaypoint(pos, 0, route) {
		t.Fatalf("expected switch when moving away on the next leg")
	}
	if n := a.NextWaypoint(); n == nil || n.Name != "C" {
		t.Fatalf("next=%+v want C", n)
	}
}

func TestHasPassedWaypoint_AcuteTurn(t *testing.T) {
	// B is a hairpin: the leg after it runs back almost parallel to A-B.
	r, err := NewRoute("R", []RoutePoint{
		{Name: "A", Position: posA},
		{Name: "B", Position: posB},
		{Name: "C", Position: geo.Position{Latitude: 47.01, Longitude: 9.0}},
	})
	if err != nil {
		t.Fatalf("NewRoute: %v", err)
	}
	route := r.Points()
	a := NewAutopilotController(nil, newCapture("out"), nil, AutopilotConfig{})
	a.SetNextWaypoint(&route[1])

	approaching := geo.Position{Latitude: 47.0, Longitude: 9.09}
	if a.HasPassedWaypoint(approaching, 90, route) {
		t.Fatalf("expected no premature switch before a hairpin")
	}
	// Same place, turned early onto the return leg.
	if a.HasPassedWaypoint(approaching, 280, route) {
		t.Fatalf("expected no switch while still on the current leg")
	}
}

func TestHasPassedWaypoint_EndOfRoute(t *testing.T) {
	route := testRoute(t)
	a := NewAutopilotController(nil, newCapture("out"), nil, AutopilotConfig{})
	a.SetNextWaypoint(&route[2])
	if !a.HasPassedWaypoint(posC, 0, route) {
		t.Fatalf("expected arrival at the last waypoint")
	}
	if n := a.NextWaypoint(); n != nil {
		t.Fatalf("next=%+v want route complete", n)
	}
}

func TestAutopilot_MasterMode(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	out := newCapture("out")
	a := NewAutopilotController(nil, out, nil, AutopilotConfig{Now: clk.Now})
	c := a.Cache()

	a.CalculateNewStatus(0, clk.now)
	if st := a.State(); st != Unknown {
		t.Fatalf("state=%s want Unknown without declination", st)
	}
	if got := out.take(); len(got) != 0 {
		t.Fatalf("sent %d sentences without declination", len(got))
	}

	start := geo.Position{Latitude: 46.99, Longitude: 8.99}
	c.Add("gps", rmc(clk.now, start, 6, 45))
	a.CalculateNewStatus(1, clk.now)
	if st := a.State(); st != NoRoute {
		t.Fatalf("state=%s want NoRoute", st)
	}
	if got := out.take(); len(got) != 0 {
		t.Fatalf("sent %d sentences without a route", len(got))
	}

	addRoute(c, clk.now)
	a.CalculateNewStatus(2, clk.now)
	if st := a.State(); st != OperatingAsMaster {
		t.Fatalf("state=%s want OperatingAsMaster", st)
	}
	got := out.take()
	rmbs := byID(got, nmea.IDRMB)
	if len(rmbs) != 1 {
		t.Fatalf("RMB count=%d", len(rmbs))
	}
	rmb := rmbs[0].(*nmea.RMB)
	if rmb.Destination != "A" || rmb.Origin != "Origin" || rmb.Target == nil || !rmb.Target.Equal(posA) {
		t.Fatalf("rmb=%+v", rmb)
	}
	if rmb.Talker() != nmea.OwnTalker {
		t.Fatalf("talker=%s", rmb.Talker())
	}
	wantDist := geo.Distance(start, posA) / geo.MetersPerNauticalMile
	if rmb.DistanceNm == nil || *rmb.DistanceNm-wantDist > 1e-9 || wantDist-*rmb.DistanceNm > 1e-9 {
		t.Fatalf("distance=%v want %f", rmb.DistanceNm, wantDist)
	}
	for _, id := range []nmea.SentenceID{nmea.IDXTE, nmea.IDVTG, nmea.IDBWC, nmea.IDBOD} {
		if n := len(byID(got, id)); n != 1 {
			t.Fatalf("%s count=%d want 1", id, n)
		}
	}
	bwc := byID(got, nmea.IDBWC)[0].(*nmea.BWC)
	if want := geo.TrueToMagnetic(*bwc.BearingTrue, 2.5); *bwc.BearingMagnetic != want {
		t.Fatalf("magnetic=%f want %f", *bwc.BearingMagnetic, want)
	}
	if n := len(byID(got, nmea.IDWPL)); n != 3 {
		t.Fatalf("WPL count=%d want 3 on an even cycle", n)
	}
	rtes := byID(got, nmea.IDRTE)
	if len(rtes) != 1 || rtes[0].(*nmea.RTE).Total != 1 {
		t.Fatalf("RTE=%v", rtes)
	}

	a.CalculateNewStatus(3, clk.now)
	got = out.take()
	if n := len(byID(got, nmea.IDWPL)) + len(byID(got, nmea.IDRTE)); n != 0 {
		t.Fatalf("route announced on an odd cycle")
	}

	// Arrive at A: the target moves on to B with A as origin.
	clk.now = clk.now.Add(time.Second)
	c.Add("gps", rmc(clk.now, posA, 6, 90))
	a.CalculateNewStatus(4, clk.now)
	rmb = byID(out.take(), nmea.IDRMB)[0].(*nmea.RMB)
	if rmb.Destination != "B" || rmb.Origin != "A" || !rmb.Arrived {
		t.Fatalf("rmb=%+v want A->B arrived", rmb)
	}
	st := a.Status()
	if st.Next == nil || st.Next.Name != "B" || st.Declination == nil || *st.Declination != 2.5 {
		t.Fatalf("status=%+v", st)
	}
}

func TestAutopilot_SlaveAndDirectGoto(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	out := newCapture("out")
	a := NewAutopilotController(nil, out, nil, AutopilotConfig{Now: clk.Now})
	c := a.Cache()

	decl := -1.5
	c.Add("compass", &nmea.HDG{Header: nmea.NewHeader(nmea.TalkerCompass, clk.now), Heading: 10, Declination: &decl})
	c.Add("gps", rmc(clk.now, geo.Position{Latitude: 46.99, Longitude: 9.05}, 6, 90))
	target := posB
	c.Add("plotter", &nmea.RMB{Header: nmea.NewHeader("GP", clk.now), Origin: "X", Destination: "Y", Target: &target})

	a.CalculateNewStatus(1, clk.now)
	if st := a.State(); st != DirectGoto {
		t.Fatalf("state=%s want DirectGoto", st)
	}
	rmb := byID(out.take(), nmea.IDRMB)[0].(*nmea.RMB)
	if rmb.Destination != "Y" || rmb.Origin != "X" {
		t.Fatalf("rmb=%+v", rmb)
	}

	c.Add("plotter", &nmea.RMB{Header: nmea.NewHeader("GP", clk.now), Origin: "A", Destination: "B", Target: &target})
	addRoute(c, clk.now)
	a.CalculateNewStatus(2, clk.now)
	if st := a.State(); st != OperatingAsSlave {
		t.Fatalf("state=%s want OperatingAsSlave", st)
	}
	got := out.take()
	bod := byID(got, nmea.IDBOD)[0].(*nmea.BOD)
	if bod.Origin != "A" || bod.Destination != "B" {
		t.Fatalf("bod=%+v", bod)
	}
	wantLeg := geo.Bearing(posA, posB)
	if *bod.BearingTrue != wantLeg || *bod.BearingMagnetic != geo.TrueToMagnetic(wantLeg, decl) {
		t.Fatalf("bod bearings=%f/%f", *bod.BearingTrue, *bod.BearingMagnetic)
	}

	// A leg whose target is not on the route cannot be followed.
	other := geo.Position{Latitude: 40, Longitude: 5}
	c.Add("plotter", &nmea.RMB{Header: nmea.NewHeader("GP", clk.now), Origin: "A", Destination: "Z", Target: &other})
	a.CalculateNewStatus(3, clk.now)
	if st := a.State(); st != InvalidNextWaypoint {
		t.Fatalf("state=%s want InvalidNextWaypoint", st)
	}
}

func TestAutopilot_StartStop(t *testing.T) {
	out := newCapture("out")
	in := newCapture("in")
	a := NewAutopilotController(in, out, nil, AutopilotConfig{Period: 5 * time.Millisecond})
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := a.Start(context.Background()); err != bus.ErrAlreadyStarted {
		t.Fatalf("second Start err=%v", err)
	}
	in.DispatchSentence(nil, nmea.NewHDT(nmea.TalkerCompass, time.Time{}, 12))
	if _, ok := a.Cache().LastSentence(nmea.IDHDT); !ok {
		t.Fatalf("expected input to feed the owned cache")
	}
	time.Sleep(20 * time.Millisecond)
	if err := a.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Status().Loops == 0 {
		t.Fatalf("expected the loop to have run")
	}
	if _, ok := a.Cache().LastSentence(nmea.IDHDT); ok {
		t.Fatalf("expected owned cache cleared on Stop")
	}
	in.DispatchSentence(nil, nmea.NewHDT(nmea.TalkerCompass, time.Time{}, 12))
	if _, ok := a.Cache().LastSentence(nmea.IDHDT); ok {
		t.Fatalf("expected cache detached after Stop")
	}
}
