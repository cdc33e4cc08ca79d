//go:build test

package ota_test

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/glowlink/stick/internal/gatt"
	"github.com/glowlink/stick/internal/ota"
)

var dataChar = gatt.NewCharID("fe59", "fe5a")

// fakeConn is a minimal in-process connection for driving transfers. Every
// write succeeds unless failAfter is reached; an optional beforeWrite hook
// lets tests abort or drop the link at a precise point in the chunk stream.
type fakeConn struct {
	mu          sync.Mutex
	connected   bool
	mtu         int
	grantMTU    int
	mtuErr      error
	writes      []fakeWrite
	failAfter   int // fail the Nth write (1-based); 0 disables
	beforeWrite func(n int)

	notifyMu   sync.Mutex
	notify     []gatt.NotifyHandler
	disconnect []func(gatt.DisconnectReason)
}

type fakeWrite struct {
	value        []byte
	withResponse bool
}

func newFakeConn(grantMTU int) *fakeConn {
	return &fakeConn{connected: true, grantMTU: grantMTU}
}

func (c *fakeConn) Address() gatt.DeviceAddress { return "aa:bb:cc:dd:ee:ff" }

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeConn) MTU() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mtu
}

func (c *fakeConn) RequestMTU(ctx context.Context, preferred int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mtuErr != nil {
		return 0, c.mtuErr
	}
	granted := c.grantMTU
	if granted == 0 {
		granted = preferred
	}
	c.mtu = granted
	return granted, nil
}

func (c *fakeConn) EnableNotifications(ctx context.Context, id gatt.CharID, enable bool) error {
	return nil
}

func (c *fakeConn) OnNotify(id gatt.CharID, fn gatt.NotifyHandler) func() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.notify = append(c.notify, fn)
	return func() {}
}

func (c *fakeConn) OnDisconnect(fn func(gatt.DisconnectReason)) func() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()
	c.disconnect = append(c.disconnect, fn)
	return func() {}
}

func (c *fakeConn) WriteAwait(ctx context.Context, id gatt.CharID, value []byte, withResponse bool) error {
	c.mu.Lock()
	n := len(c.writes) + 1
	hook := c.beforeWrite
	c.mu.Unlock()

	if hook != nil {
		hook(n)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter > 0 && n >= c.failAfter {
		return errors.New("link failure")
	}
	data := make([]byte, len(value))
	copy(data, value)
	c.writes = append(c.writes, fakeWrite{value: data, withResponse: withResponse})
	return nil
}

// sendNotification waits for a handler registration, then delivers. The
// result handler is registered only once the transfer enters Verifying, after
// the test hook that schedules the notification has already run.
func (c *fakeConn) sendNotification(value []byte) {
	deadline := time.Now().Add(2 * time.Second)
	for {
		c.notifyMu.Lock()
		handlers := append([]gatt.NotifyHandler(nil), c.notify...)
		c.notifyMu.Unlock()
		if len(handlers) > 0 {
			for _, fn := range handlers {
				fn(value)
			}
			return
		}
		if time.Now().After(deadline) {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *fakeConn) dropLink() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.notifyMu.Lock()
	hooks := append([]func(gatt.DisconnectReason){}, c.disconnect...)
	c.notifyMu.Unlock()
	for _, fn := range hooks {
		fn(gatt.ReasonOutOfRange)
	}
}

func (c *fakeConn) recorded() []fakeWrite {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]fakeWrite, len(c.writes))
	copy(out, c.writes)
	return out
}

type TransferTestSuite struct {
	suite.Suite
	logger *logrus.Logger
}

func TestTransferTestSuite(t *testing.T) {
	suite.Run(t, new(TransferTestSuite))
}

func (suite *TransferTestSuite) SetupSuite() {
	suite.logger = logrus.New()
	suite.logger.SetLevel(logrus.DebugLevel)
}

func (suite *TransferTestSuite) wait(t *ota.Transfer) {
	select {
	case <-t.Done():
	case <-time.After(5 * time.Second):
		suite.FailNow("transfer MUST reach a terminal state")
	}
}

func firmware(n int) []byte {
	fw := make([]byte, n)
	for i := range fw {
		fw[i] = byte(i)
	}
	return fw
}

func (suite *TransferTestSuite) TestChunkingAndEndCommand() {
	// GOAL: Verify the image is cut into ceil(size/payload) no-response chunks followed by the end command
	//
	// TEST SCENARIO: 100 byte image, MTU grants 23 → 5 chunks of 20 → end command carries block count and CRC little-endian

	conn := newFakeConn(23)
	fw := firmware(100)

	transfer, err := ota.Start(conn, fw, ota.Options{
		DataChar:       dataChar,
		PreferredMTU:   23,
		SendEndCommand: true,
		EndOpcode:      []byte{0x01},
	}, nil, nil, suite.logger)
	suite.Require().NoError(err, "transfer MUST start")

	suite.wait(transfer)
	suite.Require().Equal(ota.Complete, transfer.State(), "transfer MUST complete")
	suite.Assert().NoError(transfer.Err(), "terminal error MUST be nil")
	suite.Assert().Equal(100, transfer.Offset(), "offset MUST cover the whole image")

	writes := conn.recorded()
	suite.Require().Len(writes, 6, "5 chunks plus the end command MUST be written")

	var reassembled []byte
	for _, w := range writes[:5] {
		suite.Assert().False(w.withResponse, "chunks MUST be written without response")
		suite.Assert().LessOrEqual(len(w.value), 20, "chunk MUST fit the payload budget")
		reassembled = append(reassembled, w.value...)
	}
	suite.Assert().Equal(fw, reassembled, "chunks MUST reassemble to the image")

	end := writes[5]
	suite.Assert().True(end.withResponse, "end command MUST be written with response")
	suite.Require().Len(end.value, 5, "end command MUST be opcode + count + crc")
	suite.Assert().Equal(byte(0x01), end.value[0], "end command MUST start with the opcode")
	suite.Assert().Equal(uint16(5), binary.LittleEndian.Uint16(end.value[1:3]), "block count MUST be little-endian")
	suite.Assert().Equal(ota.Checksum(fw), binary.LittleEndian.Uint16(end.value[3:5]), "image CRC MUST be little-endian")
}

func (suite *TransferTestSuite) TestShortFinalChunk() {
	// GOAL: Verify a non-multiple image size produces a short final chunk, never padding
	//
	// TEST SCENARIO: 45 byte image, payload 20 → chunks of 20, 20, 5

	conn := newFakeConn(0)
	transfer, err := ota.Start(conn, firmware(45), ota.Options{
		DataChar: dataChar,
	}, nil, nil, suite.logger)
	suite.Require().NoError(err)

	suite.wait(transfer)
	suite.Require().Equal(ota.Complete, transfer.State())

	writes := conn.recorded()
	suite.Require().Len(writes, 3, "45 bytes at payload 20 MUST yield 3 chunks")
	suite.Assert().Len(writes[2].value, 5, "final chunk MUST carry only the remainder")
}

func (suite *TransferTestSuite) TestLargerMTUExpandsPayload() {
	// GOAL: Verify a successful MTU negotiation raises the chunk payload to MTU minus ATT overhead
	//
	// TEST SCENARIO: Grant 103 → payload 100 → 200 byte image in 2 chunks

	conn := newFakeConn(103)
	transfer, err := ota.Start(conn, firmware(200), ota.Options{
		DataChar:     dataChar,
		PreferredMTU: 247,
	}, nil, nil, suite.logger)
	suite.Require().NoError(err)

	suite.wait(transfer)
	suite.Require().Equal(ota.Complete, transfer.State())
	suite.Assert().Len(conn.recorded(), 2, "payload MUST grow to MTU-3")
}

func (suite *TransferTestSuite) TestMTUFailureFallsBack() {
	// GOAL: Verify MTU negotiation failure is best-effort: the transfer proceeds on the default payload
	//
	// TEST SCENARIO: RequestMTU errors → transfer still completes with 20 byte chunks

	conn := newFakeConn(0)
	conn.mtuErr = errors.New("exchange rejected")

	transfer, err := ota.Start(conn, firmware(40), ota.Options{
		DataChar:     dataChar,
		PreferredMTU: 247,
	}, nil, nil, suite.logger)
	suite.Require().NoError(err)

	suite.wait(transfer)
	suite.Require().Equal(ota.Complete, transfer.State(), "transfer MUST survive MTU failure")
	suite.Assert().Len(conn.recorded(), 2, "chunks MUST use the default payload")
}

func (suite *TransferTestSuite) TestProgressMonotoneEndsAtHundred() {
	// GOAL: Verify progress is whole percents, strictly increasing, at most once per value, ending at exactly one 100
	//
	// TEST SCENARIO: Record every callback → sequence strictly ascending → last is 100

	conn := newFakeConn(0)

	var mu sync.Mutex
	var percents []int
	transfer, err := ota.Start(conn, firmware(333), ota.Options{
		DataChar: dataChar,
	}, func(percent int) {
		mu.Lock()
		percents = append(percents, percent)
		mu.Unlock()
	}, nil, suite.logger)
	suite.Require().NoError(err)

	suite.wait(transfer)
	suite.Require().Equal(ota.Complete, transfer.State())

	mu.Lock()
	defer mu.Unlock()
	suite.Require().NotEmpty(percents, "progress MUST be reported")
	for i := 1; i < len(percents); i++ {
		suite.Assert().Greater(percents[i], percents[i-1], "progress MUST be strictly increasing")
	}
	suite.Assert().Equal(100, percents[len(percents)-1], "progress MUST end at 100")

	hundreds := 0
	for _, p := range percents {
		if p == 100 {
			hundreds++
		}
	}
	suite.Assert().Equal(1, hundreds, "exactly one final 100 MUST be reported")
}

func (suite *TransferTestSuite) TestStartRequiresConnection() {
	// GOAL: Verify a transfer never dials: starting without a connection fails immediately
	//
	// TEST SCENARIO: Disconnected conn → Start returns ErrNotConnected

	conn := newFakeConn(0)
	conn.connected = false

	_, err := ota.Start(conn, firmware(10), ota.Options{DataChar: dataChar}, nil, nil, suite.logger)
	suite.Assert().ErrorIs(err, gatt.ErrNotConnected, "start MUST be rejected while disconnected")
}

func (suite *TransferTestSuite) TestEmptyImageRejected() {
	// GOAL: Verify an empty image is rejected before any protocol traffic
	//
	// TEST SCENARIO: Start with empty firmware → error, no writes

	conn := newFakeConn(0)
	_, err := ota.Start(conn, nil, ota.Options{DataChar: dataChar}, nil, nil, suite.logger)
	suite.Assert().Error(err, "empty image MUST be rejected")
	suite.Assert().Empty(conn.recorded(), "no writes MUST be issued")
}

func (suite *TransferTestSuite) TestAbortMidTransfer() {
	// GOAL: Verify cooperative abort unwinds to Aborted with ErrAborted, and abort wins over a racing write failure
	//
	// TEST SCENARIO: Abort during the 3rd chunk → terminal Aborted → offset frozen before the end of the image

	conn := newFakeConn(0)
	var transfer *ota.Transfer
	started := make(chan struct{})

	conn.beforeWrite = func(n int) {
		if n == 3 {
			<-started
			transfer.Abort()
		}
	}
	// The write racing the abort also fails, and Aborted must still win.
	conn.failAfter = 3

	transfer, err := ota.Start(conn, firmware(200), ota.Options{
		DataChar: dataChar,
	}, nil, nil, suite.logger)
	suite.Require().NoError(err)
	close(started)

	suite.wait(transfer)
	suite.Assert().Equal(ota.Aborted, transfer.State(), "terminal state MUST be Aborted, not Error")
	suite.Assert().ErrorIs(transfer.Err(), ota.ErrAborted, "terminal error MUST be ErrAborted")
	suite.Assert().Less(transfer.Offset(), 200, "transfer MUST stop before the end of the image")
}

func (suite *TransferTestSuite) TestWriteFailureCarriesOffset() {
	// GOAL: Verify a mid-transfer write failure terminates with Error and reports the failing offset
	//
	// TEST SCENARIO: 3rd chunk fails → Error state → TransferError with offset 40

	conn := newFakeConn(0)
	conn.failAfter = 3

	var result error
	done := make(chan struct{})
	transfer, err := ota.Start(conn, firmware(100), ota.Options{
		DataChar: dataChar,
	}, nil, func(err error) {
		result = err
		close(done)
	}, suite.logger)
	suite.Require().NoError(err)

	suite.wait(transfer)
	<-done

	suite.Assert().Equal(ota.Error, transfer.State(), "terminal state MUST be Error")

	var terr *ota.TransferError
	suite.Require().ErrorAs(result, &terr, "result MUST carry a TransferError")
	suite.Assert().Equal(40, terr.Offset, "offset MUST point at the failed chunk")
}

func (suite *TransferTestSuite) TestDisconnectAbortsTransfer() {
	// GOAL: Verify a dropped connection force-aborts the running transfer
	//
	// TEST SCENARIO: Link drops during the 2nd chunk → transfer terminates Aborted

	conn := newFakeConn(0)
	conn.beforeWrite = func(n int) {
		if n == 2 {
			conn.dropLink()
		}
	}

	transfer, err := ota.Start(conn, firmware(100), ota.Options{
		DataChar: dataChar,
	}, nil, nil, suite.logger)
	suite.Require().NoError(err)

	suite.wait(transfer)
	suite.Assert().Equal(ota.Aborted, transfer.State(), "lost connection MUST abort the transfer")
	suite.Assert().ErrorIs(transfer.Err(), ota.ErrAborted, "terminal error MUST be ErrAborted")
}

func (suite *TransferTestSuite) TestVerificationSuccess() {
	// GOAL: Verify the Verifying phase resolves on the device's zero result opcode
	//
	// TEST SCENARIO: Await result → device notifies 0x00 → Complete

	conn := newFakeConn(0)
	conn.beforeWrite = func(n int) {
		if n == 2 { // the end command; chunk stream is write 1
			go conn.sendNotification([]byte{0x00})
		}
	}

	transfer, err := ota.Start(conn, firmware(10), ota.Options{
		DataChar:       dataChar,
		SendEndCommand: true,
		EndOpcode:      []byte{0x01},
		AwaitResult:    true,
	}, nil, nil, suite.logger)
	suite.Require().NoError(err)

	suite.wait(transfer)
	suite.Assert().Equal(ota.Complete, transfer.State(), "zero result MUST complete the transfer")
}

func (suite *TransferTestSuite) TestVerificationFailureCode() {
	// GOAL: Verify a nonzero device result terminates with a protocol error naming the code
	//
	// TEST SCENARIO: Device notifies 0x03 → Error with "device reported result 0x03"

	conn := newFakeConn(0)
	conn.beforeWrite = func(n int) {
		if n == 2 {
			go conn.sendNotification([]byte{0x03})
		}
	}

	transfer, err := ota.Start(conn, firmware(10), ota.Options{
		DataChar:       dataChar,
		SendEndCommand: true,
		EndOpcode:      []byte{0x01},
		AwaitResult:    true,
	}, nil, nil, suite.logger)
	suite.Require().NoError(err)

	suite.wait(transfer)
	suite.Assert().Equal(ota.Error, transfer.State(), "nonzero result MUST fail the transfer")
	suite.Assert().ErrorContains(transfer.Err(), "device reported result 0x03", "error MUST name the device code")
}

func (suite *TransferTestSuite) TestVerificationTimeout() {
	// GOAL: Verify a silent device bounds the Verifying wait
	//
	// TEST SCENARIO: No result notification → Error with timeout after ResultTimeout

	conn := newFakeConn(0)
	transfer, err := ota.Start(conn, firmware(10), ota.Options{
		DataChar:      dataChar,
		AwaitResult:   true,
		ResultTimeout: 50 * time.Millisecond,
	}, nil, nil, suite.logger)
	suite.Require().NoError(err)

	suite.wait(transfer)
	suite.Assert().Equal(ota.Error, transfer.State(), "silent device MUST time the verification out")
	suite.Assert().ErrorIs(transfer.Err(), gatt.ErrTimeout, "terminal error MUST be the timeout sentinel")
}
