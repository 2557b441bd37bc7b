package conference

import (
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softswitch/pkg/audio"
)

func testLogEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// collector накапливает кадры, отданные участнику
type collector struct {
	mu     sync.Mutex
	frames [][]byte
}

func (c *collector) take(payload []byte) {
	c.mu.Lock()
	c.frames = append(c.frames, payload)
	c.mu.Unlock()
}

func (c *collector) last() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		return nil
	}
	return c.frames[len(c.frames)-1]
}

func constFrame(codec audio.Codec, v int16) []byte {
	pcm := make([]int16, frameSamples)
	for i := range pcm {
		pcm[i] = v
	}
	return codec.Encode(pcm)
}

// steadyBridge создает конференцию без цикла и проматывает фейды
func steadyBridge(t *testing.T, n int) (*Bridge, []*collector) {
	t.Helper()
	b := &Bridge{
		id:           "conf-test",
		log:          testLogEntry(),
		participants: make(map[string]*participant),
		stopChan:     make(chan struct{}),
	}

	codec := audio.ULaw{}
	cols := make([]*collector, n)
	for i := 0; i < n; i++ {
		cols[i] = &collector{}
		require.NoError(t, b.Join(fmt.Sprintf("p%d", i), codec, cols[i].take))
	}

	// Проматываем фейд входа
	for i := 0; i < fadeFrames+1; i++ {
		b.mixOnce()
	}
	for i := range cols {
		cols[i].mu.Lock()
		cols[i].frames = nil
		cols[i].mu.Unlock()
	}
	return b, cols
}

func TestBridge_ExcludesSelf(t *testing.T) {
	codec := audio.ULaw{}

	for _, n := range []int{2, 3, 5} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			b, cols := steadyBridge(t, n)

			// У каждого участника свой уровень: 1000, 2000, ...
			for i := 0; i < n; i++ {
				require.NoError(t, b.Write(fmt.Sprintf("p%d", i), constFrame(codec, int16((i+1)*1000))))
			}
			b.mixOnce()

			sum := 0
			for i := 0; i < n; i++ {
				sum += (i + 1) * 1000
			}

			for i := 0; i < n; i++ {
				frame := cols[i].last()
				require.NotNil(t, frame, "participant %d got no mix", i)
				decoded := codec.Decode(frame)

				expect := int32(sum - (i+1)*1000)
				got := int32(decoded[0])
				// G.711 квантование: допускаем ошибку сегмента
				assert.InDelta(t, float64(expect), float64(got), float64(expect)/8+200,
					"participant %d must not hear own contribution", i)
			}
		})
	}
}

func TestBridge_MutedStillHears(t *testing.T) {
	codec := audio.ULaw{}
	b, cols := steadyBridge(t, 2)

	require.NoError(t, b.SetMute("p0", true))
	require.NoError(t, b.Write("p0", constFrame(codec, 8000)))
	require.NoError(t, b.Write("p1", constFrame(codec, 4000)))
	b.mixOnce()

	// p0 замьючен: слышит p1
	p0 := codec.Decode(cols[0].last())
	assert.InDelta(t, 4000, float64(p0[0]), 600)

	// p1 не слышит замьюченного p0: тишина
	p1 := codec.Decode(cols[1].last())
	assert.InDelta(t, 0, float64(p1[0]), 100)
}

func TestBridge_LeaveFadesAndRemoves(t *testing.T) {
	b, _ := steadyBridge(t, 3)

	require.NoError(t, b.Leave("p1"))
	for i := 0; i < fadeFrames+2; i++ {
		b.mixOnce()
	}
	assert.Equal(t, 2, b.Size())

	assert.ErrorIs(t, b.Leave("p1"), ErrUnknownParticipant)
}

func TestBridge_DuplicateJoin(t *testing.T) {
	b, _ := steadyBridge(t, 2)
	err := b.Join("p0", audio.ULaw{}, nil)
	assert.ErrorIs(t, err, ErrParticipantExists)
}

func TestBridge_ClipOverflow(t *testing.T) {
	codec := audio.ULaw{}
	b, cols := steadyBridge(t, 3)

	// Два громких источника: сумма за пределами int16
	require.NoError(t, b.Write("p0", constFrame(codec, 30000)))
	require.NoError(t, b.Write("p1", constFrame(codec, 30000)))
	b.mixOnce()

	p2 := codec.Decode(cols[2].last())
	assert.LessOrEqual(t, p2[0], int16(32767))
	assert.Greater(t, p2[0], int16(30000), "clipped sum stays at full scale")
}
