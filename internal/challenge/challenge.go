package challenge

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
)

// Challenge is the question shown to a client and the answer it must send back.
type Challenge struct {
	Question string
	Answer   string
}

func (c Challenge) IsZero() bool {
	return c.Question == "" && c.Answer == ""
}

type Generator interface {
	New() (Challenge, error)
}

var (
	_ Generator = FixedGenerator{}
	_ Generator = ArithmeticGenerator{}
)

// FixedGenerator hands every client the same configured pair.
type FixedGenerator struct {
	Question string
	Answer   string
}

func (f FixedGenerator) New() (Challenge, error) {
	return Challenge{Question: f.Question, Answer: f.Answer}, nil
}

// ArithmeticGenerator draws a small addition puzzle from crypto/rand.
type ArithmeticGenerator struct {
	Max int64
}

func (a ArithmeticGenerator) New() (Challenge, error) {
	limit := a.Max
	if limit <= 0 {
		limit = 50
	}
	x, err := rand.Int(rand.Reader, big.NewInt(limit))
	if err != nil {
		return Challenge{}, fmt.Errorf("challenge: draw operand: %w", err)
	}
	y, err := rand.Int(rand.Reader, big.NewInt(limit))
	if err != nil {
		return Challenge{}, fmt.Errorf("challenge: draw operand: %w", err)
	}
	xi, yi := x.Int64()+1, y.Int64()+1
	return Challenge{
		Question: fmt.Sprintf("What is %d + %d?", xi, yi),
		Answer:   fmt.Sprint(xi + yi),
	}, nil
}

// Verify compares the submitted answer in constant time, ignoring
// surrounding whitespace.
func Verify(c Challenge, answer string) bool {
	if c.Answer == "" {
		return false
	}
	got := strings.TrimSpace(answer)
	return subtle.ConstantTimeCompare([]byte(got), []byte(c.Answer)) == 1
}
