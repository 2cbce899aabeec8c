package rand_test

import (
	"sync"
	"testing"

	"github.com/plgd-dev/go-coap-exchange/pkg/rand"
	"github.com/stretchr/testify/require"
)

func TestRand(t *testing.T) {
	r := rand.NewRand(0)
	_ = r.Int63()
	_ = r.Uint32()
	f := r.Float64()
	require.GreaterOrEqual(t, f, 0.0)
	require.Less(t, f, 1.0)
}

func TestMultiThreadedRand(*testing.T) {
	r := rand.NewRand(0)
	var done sync.WaitGroup
	for i := 0; i < 100; i++ {
		done.Add(1)
		go func(index int) {
			switch index % 3 {
			case 0:
				_ = r.Int63()
			case 1:
				_ = r.Uint32()
			default:
				_ = r.Float64()
			}
			done.Done()
		}(i)
	}
	done.Wait()
}

func TestFixed(t *testing.T) {
	var src rand.Source = rand.Fixed{F: 0.5, U: 7}
	require.Equal(t, 0.5, src.Float64())
	require.Equal(t, uint32(7), src.Uint32())
}
