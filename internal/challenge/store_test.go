package challenge

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)

func TestStore_TouchCreatesOnce(t *testing.T) {
	s := NewStore()

	r := s.Touch("1.2.3.4", t0)
	assert.Equal(t, "1.2.3.4", r.ClientID)
	assert.Equal(t, t0, r.LastRequestAt)
	assert.False(t, r.Pending())

	r = s.Touch("1.2.3.4", t0.Add(time.Second))
	assert.Equal(t, t0.Add(time.Second), r.LastRequestAt)
	assert.Equal(t, 1, s.Len())
}

func TestStore_RecordChallengeIssued(t *testing.T) {
	s := NewStore()
	s.Touch("1.2.3.4", t0)
	s.RecordFailure("1.2.3.4", t0)

	ch := Challenge{Question: "q", Answer: "a"}
	r := s.RecordChallengeIssued("1.2.3.4", ch, t0.Add(2*time.Second))

	assert.True(t, r.Pending())
	assert.Equal(t, t0.Add(2*time.Second), r.ChallengeIssuedAt)
	assert.Equal(t, ch, r.Challenge)
	assert.Zero(t, r.FailureCount)
}

func TestStore_RecordFailure(t *testing.T) {
	s := NewStore()
	s.RecordChallengeIssued("1.2.3.4", Challenge{Answer: "a"}, t0)

	s.RecordFailure("1.2.3.4", t0.Add(time.Second))
	r := s.RecordFailure("1.2.3.4", t0.Add(2*time.Second))

	assert.Equal(t, 2, r.FailureCount)
	assert.Equal(t, t0.Add(2*time.Second), r.LastFailureAt)
	assert.Equal(t, t0, r.ChallengeIssuedAt)
}

func TestStore_ClearAndSweep(t *testing.T) {
	s := NewStore()
	s.Touch("a", t0)
	s.Touch("b", t0.Add(time.Minute))

	s.Clear("a")
	_, ok := s.Get("a")
	assert.False(t, ok)

	s.Touch("c", t0)
	assert.Equal(t, 1, s.Sweep(t0.Add(30*time.Second)))
	_, ok = s.Get("b")
	assert.True(t, ok)
}

func TestStore_ConcurrentTouchKeepsOneRecord(t *testing.T) {
	s := NewStore()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Touch("9.9.9.9", t0.Add(time.Duration(i)*time.Millisecond))
			s.Touch(fmt.Sprintf("10.0.0.%d", i), t0)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 51, s.Len())
}

func TestVerify(t *testing.T) {
	ch := Challenge{Question: "q", Answer: "12345"}

	assert.True(t, Verify(ch, "12345"))
	assert.True(t, Verify(ch, " 12345\n"))
	assert.False(t, Verify(ch, "1234"))
	assert.False(t, Verify(ch, ""))
	assert.False(t, Verify(Challenge{}, ""))
}

func TestArithmeticGenerator(t *testing.T) {
	g := ArithmeticGenerator{Max: 9}
	for i := 0; i < 20; i++ {
		ch, err := g.New()
		require.NoError(t, err)

		var x, y int
		_, err = fmt.Sscanf(ch.Question, "What is %d + %d?", &x, &y)
		require.NoError(t, err)
		assert.Equal(t, strconv.Itoa(x+y), ch.Answer)
		assert.True(t, x >= 1 && x <= 9 && y >= 1 && y <= 9)
	}
}

func TestFixedGenerator(t *testing.T) {
	ch, err := FixedGenerator{Question: "Enter CAPTCHA: 12345", Answer: "12345"}.New()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(ch.Question, "12345"))
	assert.True(t, Verify(ch, "12345"))
}
