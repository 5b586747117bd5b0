package media

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSource counts lifecycle calls.
type stubSource struct {
	opens   int
	closes  int
	openErr error
}

func (s *stubSource) Open() error {
	if s.openErr != nil {
		return s.openErr
	}
	s.opens++
	return nil
}

func (s *stubSource) Tracks() []webrtc.TrackLocal { return nil }
func (s *stubSource) API() *webrtc.API            { return nil }

func (s *stubSource) Close() error {
	s.closes++
	return nil
}

func TestSharedSourceOpensOnceAcrossLeases(t *testing.T) {
	stub := &stubSource{}
	shared := NewShared(stub, nil)

	_, err := shared.Acquire()
	require.NoError(t, err)
	_, err = shared.Acquire()
	require.NoError(t, err)

	assert.Equal(t, 1, stub.opens)
	assert.Equal(t, 2, shared.Refs())

	shared.Release()
	assert.Equal(t, 0, stub.closes, "device must stay open while a lease remains")
	assert.Equal(t, 1, shared.Refs())

	shared.Release()
	assert.Equal(t, 1, stub.closes)
	assert.Equal(t, 0, shared.Refs())
}

func TestSharedSourceReopensAfterClose(t *testing.T) {
	stub := &stubSource{}
	shared := NewShared(stub, nil)

	_, err := shared.Acquire()
	require.NoError(t, err)
	shared.Release()

	_, err = shared.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 2, stub.opens)
	shared.Release()
}

func TestSharedSourceAcquireFailure(t *testing.T) {
	stub := &stubSource{openErr: errors.New("no device")}
	shared := NewShared(stub, nil)

	_, err := shared.Acquire()
	require.Error(t, err)
	assert.Equal(t, 0, shared.Refs(), "failed open must not grant a lease")
	assert.Nil(t, shared.API())
}

func TestSharedSourceForceClose(t *testing.T) {
	stub := &stubSource{}
	shared := NewShared(stub, nil)

	_, err := shared.Acquire()
	require.NoError(t, err)
	_, err = shared.Acquire()
	require.NoError(t, err)

	shared.ForceClose()
	assert.Equal(t, 0, shared.Refs())
	assert.Equal(t, 1, stub.closes)

	// Release after a force close must not underflow.
	shared.Release()
	assert.Equal(t, 0, shared.Refs())
}

func TestNopSourceLifecycle(t *testing.T) {
	src := NewNopSource()
	require.NoError(t, src.Open())
	require.Error(t, src.Open(), "double open must fail")

	tracks := src.Tracks()
	require.Len(t, tracks, 2)
	assert.NotNil(t, src.API())

	require.NoError(t, src.Close())
	assert.Nil(t, src.API())

	// Closed sources are reopenable.
	require.NoError(t, src.Open())
	require.NoError(t, src.Close())
}
