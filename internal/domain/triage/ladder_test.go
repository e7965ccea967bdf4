package triage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func rung(name string, v int, err error, calls *[]string) Strategy[int] {
	return Strategy[int]{Name: name, Run: func(context.Context) (int, error) {
		*calls = append(*calls, name)
		return v, err
	}}
}

func TestRunLadder_FirstSuccessWins(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	v, name, err := runLadder(context.Background(), zerolog.Nop(), "test", []Strategy[int]{
		rung("a", 0, boom, &calls),
		rung("b", 2, nil, &calls),
		rung("c", 3, nil, &calls),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 || name != "b" {
		t.Errorf("got %d from %q", v, name)
	}
	if strings.Join(calls, ",") != "a,b" {
		t.Errorf("rungs run: %v", calls)
	}
}

func TestRunLadder_AllFail(t *testing.T) {
	var calls []string
	e1, e2 := errors.New("first"), errors.New("second")
	_, _, err := runLadder(context.Background(), zerolog.Nop(), "test", []Strategy[int]{
		rung("a", 0, e1, &calls),
		rung("b", 0, e2, &calls),
	})
	if !errors.Is(err, e1) || !errors.Is(err, e2) {
		t.Errorf("joined error lost a rung: %v", err)
	}
}

func TestRunLadder_StopsOnCanceledContext(t *testing.T) {
	var calls []string
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := runLadder(ctx, zerolog.Nop(), "test", []Strategy[int]{rung("a", 1, nil, &calls)})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("rung ran after cancel: %v", calls)
	}
}

func TestRunLadder_Empty(t *testing.T) {
	if _, _, err := runLadder[int](context.Background(), zerolog.Nop(), "test", nil); !errors.Is(err, ErrNoStrategies) {
		t.Errorf("got %v", err)
	}
}
