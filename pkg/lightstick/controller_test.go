//go:build test

package lightstick_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/glowlink/stick/internal/gatt"
	"github.com/glowlink/stick/internal/ota"
	"github.com/glowlink/stick/internal/testutils"
	"github.com/glowlink/stick/pkg/config"
	"github.com/glowlink/stick/pkg/lightstick"
)

const stickAddr = "AA:BB:CC:DD:EE:FF"

var (
	effectChar = gatt.NewCharID("fff0", "fff1")
	otaChar    = gatt.NewCharID("fe59", "fe5a")
)

type ControllerTestSuite struct {
	suite.Suite
	helper    *testutils.TestHelper
	transport *testutils.FakeTransport
	ctrl      *lightstick.Controller
}

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}

func (suite *ControllerTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.transport = testutils.NewFakeTransport()

	cfg := config.Default()
	cfg.Queue.MinIntervalMs = 0
	cfg.OTA.ChunkDelayMs = 0
	suite.ctrl = lightstick.New(suite.transport, cfg, suite.helper.Logger)
}

func (suite *ControllerTestSuite) TearDownTest() {
	suite.ctrl.Close()
}

func (suite *ControllerTestSuite) connect() {
	suite.Require().NoError(suite.ctrl.Connect(context.Background(), stickAddr),
		"connect MUST succeed against the fake transport")
}

func (suite *ControllerTestSuite) TestConnectNormalizesAddress() {
	// GOAL: Verify address formats are normalized to one session key
	//
	// TEST SCENARIO: Connect with uppercase → IsConnected with lowercase → same session

	suite.connect()
	suite.Assert().True(suite.ctrl.IsConnected("aa:bb:cc:dd:ee:ff"), "case variants MUST hit the same session")
	suite.Assert().True(suite.ctrl.IsConnected(stickAddr), "original spelling MUST work too")
}

func (suite *ControllerTestSuite) TestRejectsBadAddress() {
	// GOAL: Verify malformed addresses fail locally without transport traffic
	//
	// TEST SCENARIO: Connect with embedded whitespace → ErrBadAddress

	err := suite.ctrl.Connect(context.Background(), "not an address")
	suite.Assert().ErrorIs(err, gatt.ErrBadAddress, "malformed address MUST be rejected")
}

func (suite *ControllerTestSuite) TestOperationsRejectedWhenDisconnected() {
	// GOAL: Verify the facade guards every operation behind the Connected state
	//
	// TEST SCENARIO: No session → read/write/ota → ErrNotConnected

	_, err := suite.ctrl.Read(context.Background(), stickAddr, effectChar)
	suite.Assert().ErrorIs(err, gatt.ErrNotConnected, "read MUST be rejected")

	err = suite.ctrl.WriteEffect(stickAddr, effectChar, []byte{1}, nil)
	suite.Assert().ErrorIs(err, gatt.ErrNotConnected, "effect write MUST be rejected")

	_, err = suite.ctrl.StartOTA(stickAddr, []byte{1, 2, 3}, lightstick.OTAOptions{DataChar: otaChar}, nil, nil)
	suite.Assert().ErrorIs(err, gatt.ErrNotConnected, "ota MUST be rejected")
}

func (suite *ControllerTestSuite) TestEffectWritesAreCoalescedPerCharacteristic() {
	// GOAL: Verify effect writes share a coalesce key derived from the characteristic
	//
	// TEST SCENARIO: Effect write → transport sees a no-response write with the payload

	suite.connect()

	done := make(chan error, 1)
	suite.Require().NoError(suite.ctrl.WriteEffect(stickAddr, effectChar, []byte{0x01, 0xff, 0x00, 0x00},
		func(err error) { done <- err }))

	select {
	case err := <-done:
		suite.Require().NoError(err, "effect outcome MUST report success")
	case <-time.After(time.Second):
		suite.FailNow("effect outcome MUST fire")
	}

	writes := suite.transport.Writes()
	suite.Require().Len(writes, 1, "one transport write MUST be issued")
	suite.Assert().Equal([]byte{0x01, 0xff, 0x00, 0x00}, writes[0].Value, "payload MUST be transmitted verbatim")
	suite.Assert().False(writes[0].WithResponse, "effect writes MUST be without response")
}

func (suite *ControllerTestSuite) TestReadThroughFacade() {
	// GOAL: Verify reads round-trip through session and queue
	//
	// TEST SCENARIO: Seed value → facade read → value returned

	suite.transport.SetValue(effectChar, []byte{0x64})
	suite.connect()

	value, err := suite.ctrl.Read(context.Background(), stickAddr, effectChar)
	suite.Require().NoError(err, "read MUST succeed")
	suite.Assert().Equal([]byte{0x64}, value, "value MUST round-trip")
}

func (suite *ControllerTestSuite) TestOTALifecycleAndEvents() {
	// GOAL: Verify a facade-started transfer completes and publishes progress on the event channel
	//
	// TEST SCENARIO: StartOTA → Done → Complete state → events carry the address and a final 100

	suite.connect()

	fw := make([]byte, 100)
	transfer, err := suite.ctrl.StartOTA(stickAddr, fw, lightstick.OTAOptions{
		DataChar:       otaChar,
		SendEndCommand: true,
		EndOpcode:      []byte{0x01},
	}, nil, nil)
	suite.Require().NoError(err, "ota MUST start while connected")

	select {
	case <-transfer.Done():
	case <-time.After(5 * time.Second):
		suite.FailNow("transfer MUST finish")
	}
	suite.Require().Equal(ota.Complete, transfer.State(), "transfer MUST complete")
	suite.Assert().Equal(ota.Complete, suite.ctrl.OTAState(stickAddr), "facade MUST report the terminal state")

	suite.ctrl.Close() // closes the event channel so the drain below terminates

	sawComplete := false
	sawHundred := false
	for ev := range suite.ctrl.Events() {
		suite.Assert().Equal(gatt.NormalizeAddress(stickAddr), ev.Address, "events MUST carry the address")
		if ev.State == ota.Complete {
			sawComplete = true
		}
		if ev.Percent == 100 {
			sawHundred = true
		}
	}
	suite.Assert().True(sawComplete, "a terminal Complete event MUST be published")
	suite.Assert().True(sawHundred, "a 100 percent event MUST be published")
}

func (suite *ControllerTestSuite) TestOTAEventsObserveInitialState() {
	// GOAL: Verify the event stream observes a transfer from its first transition on
	//
	// TEST SCENARIO: StartOTA → Done → drained events begin with Preparing and end terminal

	suite.connect()

	fw := make([]byte, 40)
	transfer, err := suite.ctrl.StartOTA(stickAddr, fw, lightstick.OTAOptions{DataChar: otaChar}, nil, nil)
	suite.Require().NoError(err, "ota MUST start while connected")

	select {
	case <-transfer.Done():
	case <-time.After(5 * time.Second):
		suite.FailNow("transfer MUST finish")
	}

	suite.ctrl.Close() // closes the event channel so the drain below terminates

	var states []ota.State
	for ev := range suite.ctrl.Events() {
		states = append(states, ev.State)
	}
	suite.Require().NotEmpty(states, "events MUST be published")
	suite.Assert().Equal(ota.Preparing, states[0], "the first published event MUST be the Preparing transition")
	suite.Assert().Equal(ota.Complete, states[len(states)-1], "the last published event MUST be terminal")
}

func (suite *ControllerTestSuite) TestSecondOTARejectedWhileRunning() {
	// GOAL: Verify at most one transfer per address
	//
	// TEST SCENARIO: Hold the first transfer on a manual transport → StartOTA again → ErrBusy

	suite.connect()
	suite.transport.Manual = true

	fw := make([]byte, 100)
	first, err := suite.ctrl.StartOTA(stickAddr, fw, lightstick.OTAOptions{DataChar: otaChar}, nil, nil)
	suite.Require().NoError(err, "first transfer MUST start")

	_, err = suite.ctrl.StartOTA(stickAddr, fw, lightstick.OTAOptions{DataChar: otaChar}, nil, nil)
	suite.Assert().ErrorIs(err, gatt.ErrBusy, "second concurrent transfer MUST be rejected")

	suite.ctrl.AbortOTA(stickAddr)
	select {
	case <-first.Done():
	case <-time.After(5 * time.Second):
		suite.FailNow("aborted transfer MUST terminate")
	}
	suite.Assert().Equal(ota.Aborted, first.State(), "abort MUST terminate the held transfer")
}

func (suite *ControllerTestSuite) TestDisconnectIdempotentAcrossFacade() {
	// GOAL: Verify facade disconnect tears the session down and tolerates repeats
	//
	// TEST SCENARIO: Connect → Disconnect twice → not connected, no error

	suite.connect()
	suite.Require().NoError(suite.ctrl.Disconnect(stickAddr))
	suite.Assert().False(suite.ctrl.IsConnected(stickAddr), "session MUST be gone")
	suite.Assert().NoError(suite.ctrl.Disconnect(stickAddr), "repeat disconnect MUST be a no-op")
	suite.Assert().NoError(suite.ctrl.Disconnect("11:22:33:44:55:66"), "unknown address MUST be a no-op")
}
