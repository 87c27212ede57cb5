package motion

import (
	"image"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestCooldownHysteresis(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	st := newState()
	st.now = clock.now
	cooldown := 10 * time.Second

	// no motion yet
	assert.Assert(t, !st.update(false, cooldown))

	// motion triggers and stays active through the cooldown window
	assert.Assert(t, st.update(true, cooldown))
	clock.advance(2 * time.Second)
	assert.Assert(t, st.update(false, cooldown))
	clock.advance(7 * time.Second)
	assert.Assert(t, st.update(false, cooldown))

	// inactive exactly once the cooldown has elapsed
	clock.advance(time.Second)
	assert.Assert(t, !st.update(false, cooldown))
}

func TestCooldownRenewed(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(1000, 0)}
	st := newState()
	st.now = clock.now
	cooldown := 10 * time.Second

	assert.Assert(t, st.update(true, cooldown))
	clock.advance(8 * time.Second)
	// renewed motion restarts the window
	assert.Assert(t, st.update(true, cooldown))
	clock.advance(8 * time.Second)
	assert.Assert(t, st.update(false, cooldown))
	clock.advance(3 * time.Second)
	assert.Assert(t, !st.update(false, cooldown))
}

func TestBurstScenario(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{t: time.Unix(0, 0)}
	st := newState()
	st.now = clock.now
	cooldown := 10 * time.Second

	// 30s of stillness
	for i := 0; i < 30; i++ {
		assert.Assert(t, !st.update(false, cooldown))
		clock.advance(time.Second)
	}
	// 2s motion burst
	assert.Assert(t, st.update(true, cooldown))
	clock.advance(time.Second)
	assert.Assert(t, st.update(true, cooldown))
	clock.advance(time.Second)
	// stays active for 10s after the burst
	for i := 0; i < 10; i++ {
		assert.Assert(t, st.update(false, cooldown))
		clock.advance(time.Second)
	}
	for i := 0; i < 5; i++ {
		assert.Assert(t, !st.update(false, cooldown))
		clock.advance(time.Second)
	}
}

func TestFrameSkip(t *testing.T) {
	t.Parallel()
	st := newState()

	// frameSkip 3: only every third call analyzes
	var analyzed int
	for i := 0; i < 9; i++ {
		if !st.skip(3) {
			analyzed++
		}
	}
	assert.Equal(t, analyzed, 3)

	// frameSkip 1 analyzes everything
	st = newState()
	for i := 0; i < 4; i++ {
		assert.Assert(t, !st.skip(1))
	}
}

func TestScaleZonesClamped(t *testing.T) {
	t.Parallel()
	bounds := image.Pt(160, 90) // downsampled image size

	// zone partially outside is clipped
	zones := scaleZones([]image.Rectangle{image.Rect(500, 300, 1000, 500)}, 0.25, bounds)
	assert.Equal(t, len(zones), 1)
	assert.Equal(t, zones[0], image.Rect(125, 75, 160, 90))

	// zone fully outside collapses and is dropped
	zones = scaleZones([]image.Rectangle{image.Rect(2000, 2000, 3000, 3000)}, 0.25, bounds)
	assert.Equal(t, len(zones), 0)

	// zone inside is only scaled
	zones = scaleZones([]image.Rectangle{image.Rect(40, 40, 400, 240)}, 0.25, bounds)
	assert.Equal(t, len(zones), 1)
	assert.Equal(t, zones[0], image.Rect(10, 10, 100, 60))
}
