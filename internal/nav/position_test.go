package nav

import (
	"math"
	"testing"
	"time"

	"nmea-bus/internal/cache"
	"nmea-bus/internal/geo"
	"nmea-bus/internal/nmea"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestCache() (*cache.SentenceCache, *fakeClock) {
	clk := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	return cache.New(cache.Config{Now: clk.Now}), clk
}

func gll(at time.Time, p geo.Position) *nmea.GLL {
	return &nmea.GLL{Header: nmea.NewHeader(nmea.TalkerGPS, at), Position: p, Status: "A"}
}

func gga(at time.Time, p geo.Position) *nmea.GGA {
	alt, und := 500.0, 47.5
	return &nmea.GGA{Header: nmea.NewHeader(nmea.TalkerGPS, at), Position: p, Quality: 1, GeoidAltitude: &alt, Undulation: &und}
}

func rmc(at time.Time, p geo.Position, sog, track float64) *nmea.RMC {
	variation := 2.5
	return nmea.NewRMC(nmea.TalkerGPS, at, p, sog, track, &variation)
}

func TestCurrentPosition_PrefersFreshGLL(t *testing.T) {
	c, clk := newTestCache()
	c.Add("gps", rmc(clk.now, posA, 5, 90))
	c.Add("gps", gga(clk.now, posB))
	c.Add("gps", gll(clk.now.Add(-time.Second), posC))

	fix, ok := NewPositionProvider(c).CurrentPosition("", false, clk.now)
	if !ok {
		t.Fatalf("expected a fix")
	}
	if fix.Source != nmea.IDGLL || !fix.Position.Equal(posC) {
		t.Fatalf("fix=%+v want GLL position", fix)
	}
	if fix.Altitude == nil || *fix.Altitude != 547.5 {
		t.Fatalf("altitude=%v want 547.5", fix.Altitude)
	}
	if fix.SpeedKnots != 5 || fix.Track != 90 {
		t.Fatalf("sog=%f track=%f", fix.SpeedKnots, fix.Track)
	}
}

func TestCurrentPosition_FallsBackWhenGLLIsOld(t *testing.T) {
	c, clk := newTestCache()
	c.Add("gps", gll(clk.now.Add(-3*time.Second), posC))
	c.Add("gps", gga(clk.now.Add(-500*time.Millisecond), posB))
	c.Add("gps", rmc(clk.now.Add(-time.Second), posA, 5, 90))

	fix, ok := NewPositionProvider(c).CurrentPosition("", false, clk.now)
	if !ok {
		t.Fatalf("expected a fix")
	}
	if fix.Source != nmea.IDGGA || !fix.Position.Equal(posB) {
		t.Fatalf("fix=%+v want GGA position", fix)
	}
	if fix.Age != 500*time.Millisecond {
		t.Fatalf("age=%s", fix.Age)
	}
}

func TestCurrentPosition_NeedsVelocity(t *testing.T) {
	c, clk := newTestCache()
	c.Add("gps", gll(clk.now, posA))
	p := NewPositionProvider(c)
	if _, ok := p.CurrentPosition("", false, clk.now); ok {
		t.Fatalf("expected no fix without RMC or VTG")
	}
	c.Add("gps", nmea.NewVTG(nmea.TalkerGPS, clk.now, 180, 178, 3))
	hdg := nmea.NewHDT(nmea.TalkerCompass, clk.now, 175)
	c.Add("compass", hdg)
	fix, ok := p.CurrentPosition("", false, clk.now)
	if !ok || fix.Track != 180 || fix.SpeedKnots != 3 {
		t.Fatalf("fix=%+v ok=%v want VTG velocity", fix, ok)
	}
	if fix.Heading == nil || *fix.Heading != 175 {
		t.Fatalf("heading=%v want 175", fix.Heading)
	}
	if _, ok := p.CurrentPosition("compass", false, clk.now); ok {
		t.Fatalf("expected no fix from the compass source")
	}
}

func TestCurrentPosition_Extrapolates(t *testing.T) {
	c, clk := newTestCache()
	c.Add("gps", rmc(clk.now.Add(-10*time.Second), posA, 10, 90))

	fix, ok := NewPositionProvider(c).CurrentPosition("gps", true, clk.now)
	if !ok {
		t.Fatalf("expected a fix")
	}
	moved := geo.Distance(posA, fix.Position)
	want := 10 * geo.KnotsToMetersPerSecond * 10
	if math.Abs(moved-want) > 0.01 {
		t.Fatalf("moved %fm want %fm", moved, want)
	}
	if fix.Position.Longitude <= posA.Longitude {
		t.Fatalf("expected eastward projection, got %v", fix.Position)
	}
}

func addRoute(c *cache.SentenceCache, at time.Time) {
	c.Add("plotter", nmea.NewRTE("GP", at, 3, 1, "R1", []string{"A"}))
	c.Add("plotter", nmea.NewRTE("GP", at, 3, 2, "R1", []string{"B"}))
	c.Add("plotter", nmea.NewRTE("GP", at, 3, 3, "R1", []string{"C"}))
	c.Add("plotter", nmea.NewWPL("GP", at, posA, "A"))
	c.Add("plotter", nmea.NewWPL("GP", at, posB, "B"))
	c.Add("plotter", nmea.NewWPL("GP", at, posC, "C"))
}

func TestCurrentRoute_ThreeFragments(t *testing.T) {
	c, clk := newTestCache()
	p := NewPositionProvider(c)
	if st, _ := p.CurrentRoute(); st != NoRoute {
		t.Fatalf("state=%s want NoRoute", st)
	}
	addRoute(c, clk.now)

	st, pts := p.CurrentRoute()
	if st != RoutePresent {
		t.Fatalf("state=%s want RoutePresent", st)
	}
	if len(pts) != 3 || pts[0].Name != "A" || pts[1].Name != "B" || pts[2].Name != "C" {
		t.Fatalf("points=%+v", pts)
	}
	if pts[0].RouteName != "R1" || !pts[2].Position.Equal(posC) || !pts[0].HasNext {
		t.Fatalf("points=%+v", pts)
	}

	c.RemoveWaypoint("B")
	if st, _ := p.CurrentRoute(); st != WaypointsWithoutPosition {
		t.Fatalf("state=%s want WaypointsWithoutPosition", st)
	}
}

func TestCurrentRoute_SkipsIncompleteNewerSet(t *testing.T) {
	c, clk := newTestCache()
	addRoute(c, clk.now)
	// A newer, incomplete route must not hide the complete one.
	c.Add("plotter", nmea.NewRTE("GP", clk.now, 2, 1, "R2", []string{"C"}))

	st, pts := NewPositionProvider(c).CurrentRoute()
	if st != RoutePresent || len(pts) != 3 || pts[0].RouteName != "R1" {
		t.Fatalf("state=%s points=%+v want R1", st, pts)
	}
}

func TestCurrentRoute_ImpossibleTotalIsSkipped(t *testing.T) {
	c, clk := newTestCache()
	addRoute(c, clk.now)
	c.Add("plotter", nmea.NewRTE("GP", clk.now, math.MaxInt32, 1, "HUGE", []string{"X"}))

	st, pts := NewPositionProvider(c).CurrentRoute()
	if st != RoutePresent || len(pts) != 3 || pts[0].RouteName != "R1" {
		t.Fatalf("state=%s points=%+v want R1", st, pts)
	}
}

func TestCurrentRoute_IncompleteAndDuplicates(t *testing.T) {
	c, clk := newTestCache()
	p := NewPositionProvider(c)
	c.Add("plotter", nmea.NewRTE("GP", clk.now, 2, 2, "R", []string{"B"}))
	if st, _ := p.CurrentRoute(); st != WaypointsWithoutPosition {
		t.Fatalf("state=%s want WaypointsWithoutPosition", st)
	}
	c.Add("plotter", nmea.NewRTE("GP", clk.now, 2, 1, "R", []string{"A", "B"}))
	c.Add("plotter", nmea.NewWPL("GP", clk.now, posA, "A"))
	c.Add("plotter", nmea.NewWPL("GP", clk.now, posB, "B"))
	if st, _ := p.CurrentRoute(); st != RouteWithDuplicateWaypoints {
		t.Fatalf("state=%s want RouteWithDuplicateWaypoints", st)
	}
}

func TestSatellitesInView(t *testing.T) {
	c, clk := newTestCache()
	sat := func(prn int) nmea.Satellite { return nmea.Satellite{PRN: prn} }
	c.Add("gps", &nmea.GSV{Header: nmea.NewHeader("GP", clk.now), Total: 2, Sequence: 1, InView: 7, Satellites: []nmea.Satellite{sat(12), sat(3), sat(5), sat(7)}})
	c.Add("gps", &nmea.GSV{Header: nmea.NewHeader("GP", clk.now), Total: 2, Sequence: 2, InView: 7, Satellites: []nmea.Satellite{sat(1), sat(3)}})
	// Same fragment number from another talker is merged.
	c.Add("gps", &nmea.GSV{Header: nmea.NewHeader("GL", clk.now), Total: 1, Sequence: 1, InView: 1, Satellites: []nmea.Satellite{sat(70)}})

	sats, total := NewPositionProvider(c).SatellitesInView()
	want := []int{1, 3, 5, 7, 12, 70}
	if len(sats) != len(want) {
		t.Fatalf("sats=%+v", sats)
	}
	for i, s := range sats {
		if s.PRN != want[i] {
			t.Fatalf("sats[%d]=%d want %d", i, s.PRN, want[i])
		}
	}
	if total != 7 {
		t.Fatalf("total=%d want 7", total)
	}
}
