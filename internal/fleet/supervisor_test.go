package fleet

import (
	"errors"
	"testing"

	"github.com/lowaak/applicator-hub/internal/executor"
	"github.com/lowaak/applicator-hub/internal/gatt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(cfg SupervisorConfig) (*Supervisor, *recordingSubmitter, *Streams) {
	sub := newRecordingSubmitter()
	streams := NewStreams()
	return NewSupervisor(sub, streams, cfg, testLogger()), sub, streams
}

// bringUp drives address through connect and discovery.
func bringUp(s *Supervisor, address string) {
	s.HandleConnectionState(address, gatt.StatusSuccess, gatt.StateConnected)
	s.HandleDiscovery(address, gatt.StatusSuccess)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status   gatt.Status
		allReady bool
		want     ErrorKind
	}{
		{gatt.StatusConnectionTimeout, false, LinkLost},
		{gatt.StatusConnectionTimeout, true, LinkLost},
		{gatt.StatusPeerTerminated, false, LinkRecoverable},
		{gatt.StatusPeerTerminated, true, LinkRecoverable},
		{gatt.StatusLocalHostTerminated, true, LinkRecoverable},
		{gatt.StatusError, false, LinkRecoverable},
		{gatt.StatusError, true, ""},
		{gatt.Status(62), true, LinkRecoverable},
		{gatt.StatusSuccess, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.status, tt.allReady))
		})
	}
}

func TestParseDiscoveryFailurePolicy(t *testing.T) {
	p, err := ParseDiscoveryFailurePolicy("")
	require.NoError(t, err)
	assert.Equal(t, DiscoveryWait, p)

	p, err = ParseDiscoveryFailurePolicy("DROP")
	require.NoError(t, err)
	assert.Equal(t, DiscoveryDrop, p)

	_, err = ParseDiscoveryFailurePolicy("retry-forever")
	assert.Error(t, err)
}

func TestSupervisor_ConnectAllDeduplicates(t *testing.T) {
	s, sub, _ := newTestSupervisor(SupervisorConfig{})

	batch := s.ConnectAll([]string{"A", "B", "A", ""})

	assert.Equal(t, uint64(1), batch)
	assert.Equal(t, []string{"connect A", "connect B"}, sub.Summary())
	assert.Equal(t, 2, s.discovery.Remaining())
	assert.Len(t, s.Connections(), 2)
}

func TestSupervisor_BatchCompletesWhenAllReady(t *testing.T) {
	s, sub, streams := newTestSupervisor(SupervisorConfig{})
	connected := collect(streams.DeviceConnected.Listen)
	var completed []uint64
	s.onBatchComplete = func(b uint64) { completed = append(completed, b) }

	s.ConnectAll([]string{"A", "B", "C"})
	sub.Reset()

	s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateConnected)
	assert.Equal(t, []string{"discover_services A"}, sub.Summary())
	assert.True(t, s.IsLive("A"))
	c, _ := s.Connection("A")
	assert.Equal(t, ServicesDiscovering, c.State)

	s.HandleDiscovery("A", gatt.StatusSuccess)
	bringUp(s, "B")
	assert.Empty(t, completed, "fewer than all devices never completes the batch")

	bringUp(s, "C")
	assert.Equal(t, []uint64{1}, completed)
	assert.Equal(t, []string{"A", "B", "C"}, s.LiveAddresses())

	events := drain(connected)
	require.Len(t, events, 4)
	assert.Equal(t, "A", events[0].Address)
	assert.True(t, events[3].BatchComplete)
	assert.Equal(t, uint64(1), events[3].Batch)
}

func TestSupervisor_LiveSetAddIsIdempotent(t *testing.T) {
	s, _, _ := newTestSupervisor(SupervisorConfig{})
	s.ConnectAll([]string{"A"})

	s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateConnected)
	s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateConnected)

	assert.Equal(t, []string{"A"}, s.LiveAddresses())
}

func TestSupervisor_LinkLostDropsWithoutReconnect(t *testing.T) {
	s, sub, streams := newTestSupervisor(SupervisorConfig{})
	outOfRange := collect(streams.OutOfRange.Listen)
	var completed int
	s.onBatchComplete = func(uint64) { completed++ }
	var dropped []string
	s.onDrop = func(a string) { dropped = append(dropped, a) }

	s.ConnectAll([]string{"A", "B"})
	bringUp(s, "B")
	sub.Reset()

	s.HandleConnectionState("A", gatt.StatusConnectionTimeout, gatt.StateDisconnected)

	assert.Equal(t, []string{"disconnect A"}, sub.Summary(), "force disconnect, no connect")
	ev := receive(t, outOfRange)
	assert.Equal(t, "A", ev.Address)
	assert.Equal(t, gatt.StatusConnectionTimeout, ev.Status)
	assert.ErrorIs(t, ev.Err, ErrLinkLost)
	assert.Equal(t, LinkLost, KindOf(ev.Err))
	assert.Equal(t, 1, completed, "the lost device leaves the batch")
	assert.Equal(t, []string{"A"}, dropped)
	_, tracked := s.Connection("A")
	assert.False(t, tracked)

	// the force disconnect completion is for an untracked device
	s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateDisconnected)
	assert.Equal(t, 1, completed)
}

func TestSupervisor_RecoverableDropReconnectsAndArrivesOnce(t *testing.T) {
	for _, status := range []gatt.Status{gatt.StatusPeerTerminated, gatt.StatusLocalHostTerminated, gatt.Status(62)} {
		t.Run(status.String(), func(t *testing.T) {
			s, sub, _ := newTestSupervisor(SupervisorConfig{})
			var completed int
			s.onBatchComplete = func(uint64) { completed++ }

			s.ConnectAll([]string{"A", "B"})
			bringUp(s, "A")
			sub.Reset()

			s.HandleConnectionState("A", status, gatt.StateDisconnected)
			assert.Equal(t, []string{"disconnect A", "connect A"}, sub.Summary())
			c, _ := s.Connection("A")
			assert.Equal(t, Reconnecting, c.State)
			assert.Equal(t, 1, c.ReconnectAttempts)
			assert.False(t, s.IsLive("A"))

			s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateDisconnected)
			c, _ = s.Connection("A")
			assert.Equal(t, Connecting, c.State, "disconnect half of a reconnect keeps the device")

			bringUp(s, "A")
			assert.Equal(t, 1, s.discovery.Remaining(), "A counts once across the reconnect")
			assert.Zero(t, completed)

			bringUp(s, "B")
			assert.Equal(t, 1, completed)
			c, _ = s.Connection("A")
			assert.Zero(t, c.ReconnectAttempts, "reset once ready")
		})
	}
}

func TestSupervisor_GenericErrorIgnoredWhenAllReady(t *testing.T) {
	s, sub, _ := newTestSupervisor(SupervisorConfig{})
	s.ConnectAll([]string{"A", "B"})
	bringUp(s, "A")
	bringUp(s, "B")
	sub.Reset()

	s.HandleConnectionState("A", gatt.StatusError, gatt.StateConnected)

	assert.Empty(t, sub.Ops())
	c, _ := s.Connection("A")
	assert.Equal(t, Ready, c.State)
}

func TestSupervisor_GenericErrorReconnectsWhileBatchPending(t *testing.T) {
	s, sub, _ := newTestSupervisor(SupervisorConfig{})
	s.ConnectAll([]string{"A", "B"})
	bringUp(s, "A")
	sub.Reset()

	s.HandleConnectionState("B", gatt.StatusError, gatt.StateDisconnected)

	assert.Equal(t, []string{"disconnect B", "connect B"}, sub.Summary())
}

func TestSupervisor_ReconnectCapEmitsConnectionFailed(t *testing.T) {
	s, sub, streams := newTestSupervisor(SupervisorConfig{MaxReconnectAttempts: 2})
	failed := collect(streams.ConnectionFailed.Listen)
	var completed int
	s.onBatchComplete = func(uint64) { completed++ }

	s.ConnectAll([]string{"A"})
	for i := 0; i < 2; i++ {
		s.HandleConnectionState("A", gatt.StatusPeerTerminated, gatt.StateDisconnected)
		s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateDisconnected)
	}
	sub.Reset()
	s.HandleConnectionState("A", gatt.StatusPeerTerminated, gatt.StateDisconnected)

	ev := receive(t, failed)
	assert.Equal(t, "A", ev.Address)
	assert.True(t, errors.Is(ev.Err, ErrReconnectExhausted))
	assert.ErrorIs(t, ev.Err, ErrLinkRecoverable, "the cause is kept")
	assert.Equal(t, []string{"disconnect A"}, sub.Summary())
	assert.Equal(t, 1, completed)
	assert.Empty(t, s.Connections())
}

func TestSupervisor_DiscoveryFailurePolicies(t *testing.T) {
	t.Run("wait", func(t *testing.T) {
		s, sub, _ := newTestSupervisor(SupervisorConfig{DiscoveryFailurePolicy: DiscoveryWait})
		s.ConnectAll([]string{"A"})
		s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateConnected)
		sub.Reset()

		s.HandleDiscovery("A", gatt.StatusError)

		assert.Empty(t, sub.Ops())
		assert.True(t, s.BatchPending())
		c, _ := s.Connection("A")
		assert.Equal(t, ServicesDiscovering, c.State)
	})

	t.Run("reconnect", func(t *testing.T) {
		s, sub, _ := newTestSupervisor(SupervisorConfig{DiscoveryFailurePolicy: DiscoveryReconnect})
		s.ConnectAll([]string{"A"})
		s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateConnected)
		sub.Reset()

		s.HandleDiscovery("A", gatt.StatusError)

		assert.Equal(t, []string{"disconnect A", "connect A"}, sub.Summary())
		assert.True(t, s.BatchPending())
	})

	t.Run("drop", func(t *testing.T) {
		s, sub, streams := newTestSupervisor(SupervisorConfig{DiscoveryFailurePolicy: DiscoveryDrop})
		failed := collect(streams.ConnectionFailed.Listen)
		s.ConnectAll([]string{"A", "B"})
		bringUp(s, "B")
		s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateConnected)
		sub.Reset()

		s.HandleDiscovery("A", gatt.StatusError)

		assert.Equal(t, []string{"disconnect A"}, sub.Summary())
		assert.False(t, s.BatchPending())
		assert.Equal(t, []string{"B"}, s.LiveAddresses())
		assert.ErrorIs(t, receive(t, failed).Err, ErrDiscoveryFailed)
	})
}

func TestSupervisor_DisconnectAll(t *testing.T) {
	s, sub, _ := newTestSupervisor(SupervisorConfig{})
	s.ConnectAll([]string{"A", "B"})
	bringUp(s, "A")
	bringUp(s, "B")
	sub.Reset()

	done := s.DisconnectAll()
	assert.Equal(t, []string{"disconnect A", "disconnect B"}, sub.Summary())

	s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateDisconnected)
	select {
	case <-done:
		t.Fatal("done before every device disconnected")
	default:
	}

	s.HandleConnectionState("B", gatt.StatusSuccess, gatt.StateDisconnected)
	<-done
	assert.Empty(t, s.LiveAddresses())
	assert.Empty(t, s.Connections())
}

func TestSupervisor_DisconnectAllWithNothingLive(t *testing.T) {
	s, _, _ := newTestSupervisor(SupervisorConfig{})
	<-s.DisconnectAll()
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestSupervisor_DisconnectAllIncludesConnectingDevices(t *testing.T) {
	s, sub, _ := newTestSupervisor(SupervisorConfig{})
	var completed int
	s.onBatchComplete = func(uint64) { completed++ }
	s.ConnectAll([]string{"A", "B"})
	bringUp(s, "A")
	sub.Reset()

	done := s.DisconnectAll()
	assert.Equal(t, []string{"disconnect A", "disconnect B"}, sub.Summary())
	assert.False(t, s.BatchPending(), "the connect batch ends")

	s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateDisconnected)
	assert.False(t, isClosed(done))

	// B's queued connect lands after the disconnect was requested
	sub.Reset()
	s.HandleConnectionState("B", gatt.StatusSuccess, gatt.StateConnected)
	assert.Empty(t, sub.Ops(), "no discovery for a device being disconnected")
	s.HandleDiscovery("B", gatt.StatusSuccess)
	assert.False(t, isClosed(done))

	s.HandleConnectionState("B", gatt.StatusSuccess, gatt.StateDisconnected)
	assert.True(t, isClosed(done))
	assert.Zero(t, completed, "an abandoned batch never completes")
	assert.Empty(t, s.LiveAddresses())
	assert.Empty(t, s.Connections())
}

func TestSupervisor_DisconnectAllCountsFailedConnect(t *testing.T) {
	s, _, streams := newTestSupervisor(SupervisorConfig{})
	failed := collect(streams.ConnectionFailed.Listen)
	lost := collect(streams.OutOfRange.Listen)
	s.ConnectAll([]string{"A", "B"})
	bringUp(s, "A")

	done := s.DisconnectAll()
	s.HandleConnectionState("B", gatt.StatusConnectionTimeout, gatt.StateDisconnected)
	assert.False(t, isClosed(done))

	s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateDisconnected)
	assert.True(t, isClosed(done))
	assert.Empty(t, drain(failed))
	assert.Empty(t, drain(lost))
}

func TestSupervisor_DisconnectAllWaitsForQueuedReconnect(t *testing.T) {
	s, sub, _ := newTestSupervisor(SupervisorConfig{})
	s.ConnectAll([]string{"A"})
	bringUp(s, "A")
	s.HandleConnectionState("A", gatt.StatusPeerTerminated, gatt.StateDisconnected)
	sub.Reset()

	done := s.DisconnectAll()
	assert.Equal(t, []string{"disconnect A"}, sub.Summary())

	// the disconnect half of the reconnect; its connect is still queued
	s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateDisconnected)
	assert.False(t, isClosed(done))

	s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateConnected)
	assert.Equal(t, []string{"A"}, s.LiveAddresses())
	assert.False(t, isClosed(done))

	s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateDisconnected)
	assert.True(t, isClosed(done))
	assert.Empty(t, s.Connections())
}

func TestSupervisor_RepeatedDisconnectAllReleasesEveryWaiter(t *testing.T) {
	s, _, _ := newTestSupervisor(SupervisorConfig{})
	s.ConnectAll([]string{"A", "B"})
	bringUp(s, "A")
	bringUp(s, "B")

	first := s.DisconnectAll()
	second := s.DisconnectAll()

	s.HandleConnectionState("A", gatt.StatusSuccess, gatt.StateDisconnected)
	assert.False(t, isClosed(first))
	s.HandleConnectionState("B", gatt.StatusSuccess, gatt.StateDisconnected)

	assert.True(t, isClosed(second))
	assert.True(t, isClosed(first))
}

func TestSupervisor_FailedConnectSubmissionLeavesBatch(t *testing.T) {
	s, _, streams := newTestSupervisor(SupervisorConfig{})
	failed := collect(streams.ConnectionFailed.Listen)
	var completed int
	s.onBatchComplete = func(uint64) { completed++ }

	s.ConnectAll([]string{"A", "B"})
	bringUp(s, "B")

	s.HandleFailure(executor.Failure{
		Op:       executor.Operation{Address: "A", Kind: executor.Connect},
		Attempts: 10,
		Err:      executor.ErrSubmissionRejected,
	})

	ev := receive(t, failed)
	assert.Equal(t, "A", ev.Address)
	assert.ErrorIs(t, ev.Err, executor.ErrSubmissionRejected)
	assert.Equal(t, 1, completed)
}

func TestSupervisor_FailedDisconnectTreatedAsDisconnected(t *testing.T) {
	s, _, _ := newTestSupervisor(SupervisorConfig{})
	s.ConnectAll([]string{"A"})
	bringUp(s, "A")

	done := s.DisconnectAll()
	s.HandleFailure(executor.Failure{
		Op:  executor.Operation{Address: "A", Kind: executor.Disconnect},
		Err: gatt.ErrNotConnected,
	})
	<-done
}

func TestSupervisor_SubmitErrorDropsDevice(t *testing.T) {
	s, sub, streams := newTestSupervisor(SupervisorConfig{})
	failed := collect(streams.ConnectionFailed.Listen)
	sub.fail["A"] = executor.ErrStopped
	var completed int
	s.onBatchComplete = func(uint64) { completed++ }

	s.ConnectAll([]string{"A"})

	assert.Equal(t, "A", receive(t, failed).Address)
	assert.Equal(t, 1, completed)
}

func TestSupervisor_ConnectAllCountsReadyDevices(t *testing.T) {
	s, sub, _ := newTestSupervisor(SupervisorConfig{})
	s.ConnectAll([]string{"A"})
	bringUp(s, "A")
	sub.Reset()

	var completed []uint64
	s.onBatchComplete = func(b uint64) { completed = append(completed, b) }
	s.ConnectAll([]string{"A", "B"})

	assert.Equal(t, []string{"connect B"}, sub.Summary(), "ready devices are not reconnected")
	assert.Equal(t, 1, s.discovery.Remaining())

	bringUp(s, "B")
	assert.Equal(t, []uint64{2}, completed)
}

func TestSupervisor_UntrackedCallbacksIgnored(t *testing.T) {
	s, sub, _ := newTestSupervisor(SupervisorConfig{})
	s.HandleConnectionState("Z", gatt.StatusSuccess, gatt.StateConnected)
	s.HandleDiscovery("Z", gatt.StatusSuccess)

	assert.Empty(t, sub.Ops())
	assert.Empty(t, s.LiveAddresses())
}
