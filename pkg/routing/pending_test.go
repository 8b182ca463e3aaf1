package routing

import (
	"sync"
	"testing"

	"github.com/freitascorp/tunnelrelay/pkg/frame"
	"github.com/stretchr/testify/require"
)

func TestPendingMap_InsertComplete(t *testing.T) {
	p := NewPendingMap()
	ch := p.Insert(1)

	ok := p.Complete(1, frame.Frame{Kind: frame.KindResponse, ID: 1, Status: 200})
	require.True(t, ok)

	out := <-ch
	require.True(t, out.Delivered)
	require.Equal(t, 200, out.Frame.Status)
	require.Equal(t, 0, p.Len())
}

func TestPendingMap_DuplicateCompleteRejected(t *testing.T) {
	p := NewPendingMap()
	p.Insert(1)

	require.True(t, p.Complete(1, frame.Frame{Kind: frame.KindResponse, ID: 1, Status: 200}))
	require.False(t, p.Complete(1, frame.Frame{Kind: frame.KindResponse, ID: 1, Status: 200}), "second response for the same id must be rejected")
}

func TestPendingMap_CompleteUnknownID(t *testing.T) {
	p := NewPendingMap()
	require.False(t, p.Complete(99, frame.Frame{Kind: frame.KindResponse, ID: 99, Status: 200}))
}

func TestPendingMap_Remove(t *testing.T) {
	p := NewPendingMap()
	p.Insert(1)
	require.Equal(t, 1, p.Len())
	p.Remove(1)
	require.Equal(t, 0, p.Len())
	require.False(t, p.Complete(1, frame.Frame{Kind: frame.KindResponse, ID: 1, Status: 200}))
}

func TestPendingMap_FailAll(t *testing.T) {
	p := NewPendingMap()
	ch1 := p.Insert(1)
	ch2 := p.Insert(2)

	p.FailAll()

	o1 := <-ch1
	o2 := <-ch2
	require.True(t, o1.Disconnected)
	require.True(t, o2.Disconnected)
	require.Equal(t, 0, p.Len())
}

func TestPendingMap_ConcurrentInsertComplete_NoDoubleDelivery(t *testing.T) {
	p := NewPendingMap()
	const n = 200

	var wg sync.WaitGroup
	for i := uint64(0); i < n; i++ {
		id := i
		ch := p.Insert(id)
		wg.Add(2)
		go func() {
			defer wg.Done()
			p.Complete(id, frame.Frame{Kind: frame.KindResponse, ID: id, Status: 200})
		}()
		go func() {
			defer wg.Done()
			<-ch
		}()
	}
	wg.Wait()
	require.Equal(t, 0, p.Len())
}
