package stream_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/xstream/internal/device"
	"github.com/seantiz/xstream/internal/device/devicetest"
	"github.com/seantiz/xstream/internal/execctx"
	"github.com/seantiz/xstream/internal/profiler"
	"github.com/seantiz/xstream/internal/queue"
	"github.com/seantiz/xstream/internal/stream"
)

var allKinds = []profiler.Kind{profiler.KindTime, profiler.KindCycles}

var validFlags = []queue.Flags{
	0,
	queue.FlagInOrder,
	queue.FlagOutOfOrder,
	queue.FlagProfiling,
	queue.FlagInOrder | queue.FlagProfiling,
	queue.FlagOutOfOrder | queue.FlagProfiling,
}

func newStream(t *testing.T, eng device.Engine, flags queue.Flags, opts ...stream.Option) *stream.Stream {
	t.Helper()
	s, err := stream.New(eng, flags, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// completeAll finishes every pending command of a manual mock queue.
func completeAll(q *devicetest.Queue) {
	for _, cmd := range q.Commands() {
		cmd.Event.Complete(nil)
	}
}

func TestCreateThenWaitSucceeds(t *testing.T) {
	for _, flags := range validFlags {
		t.Run(flags.String(), func(t *testing.T) {
			s := newStream(t, devicetest.NewEngine(), flags)
			assert.NoError(t, s.Wait())
			assert.Equal(t, stream.Success, stream.StatusOf(s.Wait()))
		})
	}
}

func TestCreateErrors(t *testing.T) {
	tests := []struct {
		name      string
		createErr error
		flags     queue.Flags
		want      stream.Status
	}{
		{"out of resources", fmt.Errorf("no queue slots: %w", device.ErrOutOfResources), 0, stream.OutOfMemory},
		{"device failure", errors.New("driver lost"), 0, stream.RuntimeError},
		{"contradictory flags", nil, queue.FlagInOrder | queue.FlagOutOfOrder, stream.InvalidArguments},
		{"unknown flag bits", nil, 0x80, stream.InvalidArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := devicetest.NewEngine()
			eng.CreateErr = tt.createErr
			s, err := stream.New(eng, tt.flags)
			require.Error(t, err)
			assert.Nil(t, s)
			assert.Equal(t, tt.want, stream.StatusOf(err))
			if tt.createErr != nil {
				assert.ErrorIs(t, err, tt.createErr)
			}
		})
	}

	_, err := stream.New(nil, 0)
	assert.ErrorIs(t, err, stream.ErrInvalidArguments)
}

func TestZeroSizeOperationsAreSatisfied(t *testing.T) {
	eng := devicetest.NewEngine()
	eng.Manual = true
	s := newStream(t, eng, queue.FlagDefault)
	ctx := context.Background()
	buf := &devicetest.Storage{N: 16}

	ev, err := s.Copy(ctx, buf, buf, 0, nil)
	require.NoError(t, err)
	assert.True(t, device.IsDone(ev))
	assert.NoError(t, ev.Err())

	ev, err = s.Fill(ctx, buf, 0xff, 0, nil)
	require.NoError(t, err)
	assert.True(t, device.IsDone(ev))

	assert.Empty(t, eng.Queues()[0].Commands(), "zero-size operations reached the device")
	assert.Len(t, s.CurrentDeps(ctx), 1)
}

func TestZeroSizeKeepsPendingFrontier(t *testing.T) {
	eng := devicetest.NewEngine()
	eng.Manual = true
	s := newStream(t, eng, queue.FlagDefault)
	ctx := context.Background()
	buf := &devicetest.Storage{N: 16}

	first, err := s.Fill(ctx, buf, 1, 16, nil)
	require.NoError(t, err)
	_, err = s.Fill(ctx, buf, 1, 0, nil)
	require.NoError(t, err)

	assert.Same(t, first, s.OutputEvent(ctx))
	completeAll(eng.Queues()[0])
}

func TestProfilingDisabledIsInvalidArguments(t *testing.T) {
	for _, flags := range []queue.Flags{0, queue.FlagInOrder, queue.FlagOutOfOrder} {
		s := newStream(t, devicetest.NewEngine(), flags)
		assert.False(t, s.Profiling())

		err := s.ResetProfiling()
		assert.ErrorIs(t, err, stream.ErrInvalidArguments, "flags %s", flags)

		for _, kind := range allKinds {
			buf := make([]uint64, 10)
			n, err := s.ProfilingData(kind, buf)
			assert.Equal(t, stream.InvalidArguments, stream.StatusOf(err), "flags %s kind %s", flags, kind)
			assert.Zero(t, n)

			_, err = s.ProfilingData(kind, nil)
			assert.ErrorIs(t, err, stream.ErrInvalidArguments)
		}
	}
}

func TestResetThenQueryReportsZero(t *testing.T) {
	s := newStream(t, devicetest.NewEngine(), queue.FlagProfiling)
	ctx := context.Background()
	buf := &devicetest.Storage{N: 64}
	for range 3 {
		_, err := s.Fill(ctx, buf, 0, 64, nil)
		require.NoError(t, err)
	}
	n, err := s.ProfilingData(profiler.KindTime, nil)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	require.NoError(t, s.ResetProfiling())
	require.NoError(t, s.ResetProfiling())
	for _, kind := range allKinds {
		out := make([]uint64, 10)
		n, err := s.ProfilingData(kind, out)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
}

func TestProfilingUnknownKind(t *testing.T) {
	s := newStream(t, devicetest.NewEngine(), queue.FlagProfiling)
	_, err := s.ProfilingData(profiler.Kind(9), nil)
	assert.Equal(t, stream.InvalidArguments, stream.StatusOf(err))
}

func TestSingleLaneFrontierTracksLastEvent(t *testing.T) {
	eng := devicetest.NewEngine()
	eng.Manual = true
	s := newStream(t, eng, queue.FlagDefault)
	ctx := context.Background()
	src := &devicetest.Storage{N: 128}
	dst := &devicetest.Storage{N: 128}

	assert.Empty(t, s.CurrentDeps(ctx))

	var prev device.Event
	for i := range 20 {
		var (
			ev  device.Event
			err error
		)
		if i%2 == 0 {
			ev, err = s.Copy(ctx, src, dst, 128, nil)
		} else {
			ev, err = s.Fill(ctx, dst, byte(i), 128, nil)
		}
		require.NoError(t, err)

		deps := s.CurrentDeps(ctx)
		require.Len(t, deps, 1)
		assert.Same(t, ev, deps[0])
		assert.Same(t, ev, s.OutputEvent(ctx))

		cmds := eng.Queues()[0].Commands()
		last := cmds[len(cmds)-1]
		if prev == nil {
			assert.Empty(t, last.Deps)
		} else {
			require.Len(t, last.Deps, 1)
			assert.Same(t, prev, last.Deps[0])
		}
		prev = ev
	}
	completeAll(eng.Queues()[0])
	assert.NoError(t, s.Wait())
}

func TestExplicitDepsAreMerged(t *testing.T) {
	eng := devicetest.NewEngine()
	eng.Manual = true
	s := newStream(t, eng, queue.FlagOutOfOrder)
	buf := &devicetest.Storage{N: 8}

	laneA := execctx.WithLane(context.Background())
	laneB := execctx.WithLane(context.Background())

	a, err := s.Fill(laneA, buf, 1, 8, nil)
	require.NoError(t, err)
	b, err := s.Fill(laneB, buf, 2, 8, nil)
	require.NoError(t, err)

	// Join lane A into lane B, passing B's own frontier twice.
	_, err = s.Fill(laneB, buf, 3, 8, []device.Event{a, b, nil, device.Satisfied()})
	require.NoError(t, err)

	cmds := eng.Queues()[0].Commands()
	deps := cmds[len(cmds)-1].Deps
	require.Len(t, deps, 2)
	assert.Same(t, a, deps[0])
	assert.Same(t, b, deps[1])
	completeAll(eng.Queues()[0])
}

func TestScenarioProfiledCopy(t *testing.T) {
	s := newStream(t, devicetest.NewEngine(), queue.FlagProfiling)
	src := &devicetest.Storage{N: 1024}
	dst := &devicetest.Storage{N: 1024}

	ev, err := s.Copy(context.Background(), src, dst, 1024, nil)
	require.NoError(t, err)
	require.NotNil(t, ev)

	buf := make([]uint64, 10)
	n, err := s.ProfilingData(profiler.KindTime, buf)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 1)
	assert.Equal(t, uint64(1024), buf[0])

	samples, err := s.ProfilingSamples()
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, stream.OpCopy, samples[0].Op)
}

func TestScenarioAdoptedQueueFlags(t *testing.T) {
	for _, props := range []device.QueueProperties{
		{},
		{Profiling: true},
		{OutOfOrder: true},
		{OutOfOrder: true, Profiling: true},
	} {
		q := devicetest.NewQueue(props)
		s, err := stream.NewFromQueue(devicetest.NewEngine(), q)
		require.NoError(t, err)

		got := s.Flags().Properties()
		assert.Equal(t, props, got)
		assert.Equal(t, props.Profiling, s.Profiling())

		require.NoError(t, s.Wait())
		require.NoError(t, s.Close())
		assert.Zero(t, q.Refs(), "adopted queue not released")
	}
}

func TestAdoptFailureLeavesOwnershipWithCaller(t *testing.T) {
	q := devicetest.NewQueue(device.QueueProperties{})
	q.PropsErr = errors.New("queue info unavailable")

	s, err := stream.NewFromQueue(devicetest.NewEngine(), q)
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Equal(t, stream.RuntimeError, stream.StatusOf(err))
	assert.EqualValues(t, 1, q.Refs())
	assert.Zero(t, q.Releases())

	_, err = stream.NewFromQueue(devicetest.NewEngine(), nil)
	assert.ErrorIs(t, err, stream.ErrInvalidArguments)
}

func TestCloseReleasesQueueOnce(t *testing.T) {
	eng := devicetest.NewEngine()
	s, err := stream.New(eng, queue.FlagDefault)
	require.NoError(t, err)
	_, err = s.Fill(context.Background(), &devicetest.Storage{N: 4}, 0, 4, nil)
	require.NoError(t, err)

	require.NoError(t, s.Wait())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	q := eng.Queues()[0]
	assert.Zero(t, q.Refs())
	assert.EqualValues(t, 1, q.Releases())
	assert.True(t, s.Closed())
	assert.Empty(t, s.Lanes())
}

func TestClosedStreamRejectsOperations(t *testing.T) {
	s, err := stream.New(devicetest.NewEngine(), queue.FlagProfiling)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	ctx := context.Background()
	buf := &devicetest.Storage{N: 4}
	_, err = s.Fill(ctx, buf, 0, 4, nil)
	assert.ErrorIs(t, err, stream.ErrInvalidArguments)
	_, err = s.Copy(ctx, buf, buf, 4, nil)
	assert.ErrorIs(t, err, stream.ErrInvalidArguments)
	assert.ErrorIs(t, s.Wait(), stream.ErrInvalidArguments)
	assert.ErrorIs(t, s.ResetProfiling(), stream.ErrInvalidArguments)
}

func TestInvalidOperationArguments(t *testing.T) {
	s := newStream(t, devicetest.NewEngine(), queue.FlagDefault)
	ctx := context.Background()
	buf := &devicetest.Storage{N: 4}

	_, err := s.Copy(ctx, nil, buf, 4, nil)
	assert.ErrorIs(t, err, stream.ErrInvalidArguments)
	_, err = s.Fill(ctx, buf, 0, -1, nil)
	assert.ErrorIs(t, err, stream.ErrInvalidArguments)
}

func TestDeviceFailuresAreRuntimeErrors(t *testing.T) {
	eng := devicetest.NewEngine()
	s := newStream(t, eng, queue.FlagDefault)
	q := eng.Queues()[0]
	ctx := context.Background()
	buf := &devicetest.Storage{N: 4}

	q.EnqueueErr = errors.New("command buffer full")
	_, err := s.Fill(ctx, buf, 0, 4, nil)
	assert.Equal(t, stream.RuntimeError, stream.StatusOf(err))
	assert.ErrorIs(t, err, q.EnqueueErr)
	assert.Empty(t, s.CurrentDeps(ctx), "failed submission moved the frontier")

	q.EnqueueErr = nil
	q.FinishErr = errors.New("device hung")
	err = s.Wait()
	assert.ErrorIs(t, err, stream.ErrRuntime)
	assert.ErrorIs(t, err, q.FinishErr)
}

func TestDispatchRejectsMissingEvent(t *testing.T) {
	s := newStream(t, devicetest.NewEngine(), queue.FlagDefault)
	_, err := s.Dispatch(context.Background(), "kernel", nil, func([]device.Event) (device.Event, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, stream.ErrRuntime)
}

func TestDispatchChainsKernels(t *testing.T) {
	eng := devicetest.NewEngine()
	eng.Manual = true
	s := newStream(t, eng, queue.FlagDefault)
	ctx := context.Background()

	fill, err := s.Fill(ctx, &devicetest.Storage{N: 4}, 0, 4, nil)
	require.NoError(t, err)

	var seen []device.Event
	kernel := &devicetest.Event{ID: 99}
	ev, err := s.Dispatch(ctx, "kernel", nil, func(deps []device.Event) (device.Event, error) {
		seen = deps
		return kernel, nil
	})
	require.NoError(t, err)
	assert.Same(t, kernel, ev)
	require.Len(t, seen, 1)
	assert.Same(t, fill, seen[0])
	assert.Same(t, kernel, s.OutputEvent(ctx))
	completeAll(eng.Queues()[0])
}

func TestOutputEventPanicsBeforeFirstOperation(t *testing.T) {
	s := newStream(t, devicetest.NewEngine(), queue.FlagDefault)
	assert.Panics(t, func() { s.OutputEvent(context.Background()) })
}
